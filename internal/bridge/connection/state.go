// Package connection models a backend call leg: its state machine, its
// observable events and the per-call actions the bridge forwards to it.
package connection

import (
	"fmt"
	"strings"
)

// State is the backend-side lifecycle state of a connection.
type State int

const (
	// StateNew is the initial state; nothing has been signalled yet.
	StateNew State = iota
	// StateRinging is an incoming connection alerting the local user.
	StateRinging
	// StateDialing is an outgoing connection waiting for the far end.
	StateDialing
	// StateActive is an established connection.
	StateActive
	// StateHolding is an established connection placed on hold.
	StateHolding
	// StateDisconnected is terminal. The connection may still be inspected
	// until it is destroyed.
	StateDisconnected
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateRinging:
		return "Ringing"
	case StateDialing:
		return "Dialing"
	case StateActive:
		return "Active"
	case StateHolding:
		return "Holding"
	case StateDisconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

var validTransitions = map[State][]State{
	StateNew:          {StateRinging, StateDialing, StateActive, StateDisconnected},
	StateRinging:      {StateActive, StateHolding, StateDisconnected},
	StateDialing:      {StateActive, StateDisconnected},
	StateActive:       {StateHolding, StateDisconnected},
	StateHolding:      {StateActive, StateDisconnected},
	StateDisconnected: {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

// CallState is the narrower state vocabulary understood by the authority.
type CallState string

const (
	CallStateNew          CallState = "new"
	CallStateRinging      CallState = "ringing"
	CallStateDialing      CallState = "dialing"
	CallStateActive       CallState = "active"
	CallStateOnHold       CallState = "on_hold"
	CallStateDisconnected CallState = "disconnected"
)

// CallStateOf maps a connection state onto the authority's vocabulary.
// Unknown values map to CallStateNew.
func CallStateOf(s State) CallState {
	switch s {
	case StateRinging:
		return CallStateRinging
	case StateDialing:
		return CallStateDialing
	case StateActive:
		return CallStateActive
	case StateHolding:
		return CallStateOnHold
	case StateDisconnected:
		return CallStateDisconnected
	default:
		return CallStateNew
	}
}

// Features is a bitmask of call capabilities advertised to the authority.
type Features uint32

const (
	FeatureHold Features = 1 << iota
	FeatureSupportHold
	FeatureMergeConference
	FeatureSwapConference
	FeatureAddCall
	FeatureMute
)

var featureNames = []struct {
	f    Features
	name string
}{
	{FeatureHold, "hold"},
	{FeatureSupportHold, "support_hold"},
	{FeatureMergeConference, "merge_conference"},
	{FeatureSwapConference, "swap_conference"},
	{FeatureAddCall, "add_call"},
	{FeatureMute, "mute"},
}

// Has reports whether every bit of f is set.
func (fs Features) Has(f Features) bool {
	return fs&f == f
}

// String renders the set bits, e.g. "hold|mute".
func (fs Features) String() string {
	if fs == 0 {
		return "none"
	}
	var parts []string
	rest := fs
	for _, n := range featureNames {
		if fs.Has(n.f) {
			parts = append(parts, n.name)
			rest &^= n.f
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// DisconnectCause explains why a connection was disconnected.
type DisconnectCause int

const (
	CauseNone DisconnectCause = iota
	CauseNormal
	CauseLocal
	CauseRemote
	CauseBusy
	CauseRejected
	CauseCanceled
	CauseError
)

// String returns the string representation of the cause
func (c DisconnectCause) String() string {
	switch c {
	case CauseNone:
		return "None"
	case CauseNormal:
		return "Normal"
	case CauseLocal:
		return "Local"
	case CauseRemote:
		return "Remote"
	case CauseBusy:
		return "Busy"
	case CauseRejected:
		return "Rejected"
	case CauseCanceled:
		return "Canceled"
	case CauseError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Presentation controls whether the connection's address may be shown.
type Presentation int

const (
	PresentationAllowed Presentation = iota
	PresentationRestricted
	PresentationUnknown
)

// AudioRoute identifies where call audio is played.
type AudioRoute string

const (
	RouteEarpiece  AudioRoute = "earpiece"
	RouteSpeaker   AudioRoute = "speaker"
	RouteHeadset   AudioRoute = "headset"
	RouteBluetooth AudioRoute = "bluetooth"
)

// AudioState is the audio configuration pushed by the authority.
type AudioState struct {
	Muted bool       `json:"muted"`
	Route AudioRoute `json:"route"`
}
