package events

import (
	"fmt"
	"strings"
)

// Subject naming conventions for NATS.
//
// Hierarchy:
//   connbridge.calls.<call_id>.<event_suffix>   - Per-call events
//
// Wildcard subscriptions:
//   connbridge.calls.>                          - All call events
//   connbridge.calls.*.disconnected             - All disconnects
//   connbridge.calls.<call_id>.*                - All events for one call

const (
	// SubjectPrefix is the root of all connbridge subjects
	SubjectPrefix = "connbridge"

	SubjectCalls = SubjectPrefix + ".calls"
)

// Subject patterns for common consumer configurations
var (
	// PatternAllCalls matches all call events
	PatternAllCalls = SubjectCalls + ".>"

	// PatternDisconnected matches all disconnect events (for history)
	PatternDisconnected = SubjectCalls + ".*.disconnected"
)

// CallSubject builds a subject for a specific call event.
// Example: CallSubject("abc-123", "state") => "connbridge.calls.abc-123.state"
//
// Call ids are authority-chosen, so NATS token separators and wildcards
// in them are replaced with '_'.
func CallSubject(callID, suffix string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectCalls, subjectToken(callID), suffix)
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// SubjectForEventType returns the suffix used for a given event type.
func SubjectForEventType(t EventType) string {
	suffix, ok := strings.CutPrefix(string(t), "call.")
	if !ok || suffix == "" {
		return "unknown"
	}
	return suffix
}
