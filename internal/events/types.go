// Package events mirrors the notifications the bridge sends to its
// authority as a stream of call events, publishable to NATS JetStream.
package events

import (
	"encoding/json"
	"time"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

// EventType identifies the type of call event
type EventType string

const (
	// CallIncoming fires when an incoming connection is registered
	CallIncoming EventType = "call.incoming"
	// CallOutgoing fires when an outgoing connection was placed
	CallOutgoing EventType = "call.outgoing"
	// CallFailed fires when an outgoing or incoming creation failed
	CallFailed EventType = "call.failed"
	// CallCanceled fires when the backend canceled an outgoing creation
	CallCanceled EventType = "call.canceled"
	// CallState fires on every translated state change
	CallState EventType = "call.state"
	// CallDisconnected fires when the connection reports its disconnect cause
	CallDisconnected EventType = "call.disconnected"
	// CallFeatures fires when the advertised capabilities change
	CallFeatures EventType = "call.features"
	// CallConference fires when a conference aggregate is added
	CallConference EventType = "call.conference"
	// CallConferenced fires when the conference parent changes
	CallConferenced EventType = "call.conferenced"
	// CallConferenceCapable fires when conference capability changes
	CallConferenceCapable EventType = "call.conference_capable"
	// CallRingback fires when the connection starts or stops requesting ringback
	CallRingback EventType = "call.ringback"
	// CallPostDialWait fires when post-dial digits wait for confirmation
	CallPostDialWait EventType = "call.post_dial_wait"
)

// Event is the base interface for all call events
type Event interface {
	// Type returns the event type for routing/filtering
	Type() EventType
	// Subject returns the NATS subject this event should publish to
	Subject() string
	// Timestamp returns when the event occurred
	Timestamp() time.Time
	// CallID returns the authority's call identifier
	CallID() string
	// ID is unique per event and used for JetStream de-duplication
	ID() string
}

// BaseEvent contains fields common to all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	EventTime time.Time `json:"event_time"`
	Call      string    `json:"call_id"`
	NodeID    string    `json:"node_id,omitempty"`
}

func (e *BaseEvent) Type() EventType      { return e.EventType }
func (e *BaseEvent) Timestamp() time.Time { return e.EventTime }
func (e *BaseEvent) CallID() string       { return e.Call }
func (e *BaseEvent) ID() string           { return e.EventID }

// Subject returns the NATS subject for routing
// Format: connbridge.calls.<call_id>.<event_type_suffix>
func (e *BaseEvent) Subject() string {
	return CallSubject(e.Call, SubjectForEventType(e.EventType))
}

// CallEvent carries the payload of one authority notification. Only the
// fields relevant to the event type are set.
type CallEvent struct {
	BaseEvent
	State     connection.CallState `json:"state,omitempty"`
	Address   string               `json:"address,omitempty"`
	Cause     string               `json:"cause,omitempty"`
	Message   string               `json:"message,omitempty"`
	Features  string               `json:"features,omitempty"`
	ParentID  string               `json:"parent_id,omitempty"`
	Flag      *bool                `json:"flag,omitempty"`
	Remaining string               `json:"remaining,omitempty"`
}

// MarshalEvent encodes an event as JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
