package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/sebas/connbridge/internal/bridge/connection"
)

// Builder provides construction of call events with consistent defaults.
type Builder struct {
	nodeID string
	now    func() time.Time
}

// NewBuilder creates an event builder stamping every event with nodeID.
func NewBuilder(nodeID string) *Builder {
	return &Builder{nodeID: nodeID, now: time.Now}
}

func (b *Builder) newEvent(t EventType, callID string) *CallEvent {
	return &CallEvent{
		BaseEvent: BaseEvent{
			EventID:   uuid.New().String(),
			EventType: t,
			EventTime: b.now().UTC(),
			Call:      callID,
			NodeID:    b.nodeID,
		},
	}
}

// State builds a call.state event.
func (b *Builder) State(callID string, state connection.CallState) *CallEvent {
	e := b.newEvent(CallState, callID)
	e.State = state
	return e
}

// Disconnected builds a call.disconnected event.
func (b *Builder) Disconnected(callID string, cause connection.DisconnectCause, msg string) *CallEvent {
	e := b.newEvent(CallDisconnected, callID)
	e.State = connection.CallStateDisconnected
	e.Cause = cause.String()
	e.Message = msg
	return e
}

// Features builds a call.features event.
func (b *Builder) Features(callID string, f connection.Features) *CallEvent {
	e := b.newEvent(CallFeatures, callID)
	e.Features = f.String()
	return e
}

// Incoming builds a call.incoming event from the info sent to the authority.
func (b *Builder) Incoming(info connection.CallInfo) *CallEvent {
	e := b.newEvent(CallIncoming, info.CallID)
	e.State = info.State
	e.Address = info.Address
	return e
}

// Outgoing builds a call.outgoing event.
func (b *Builder) Outgoing(callID string) *CallEvent {
	return b.newEvent(CallOutgoing, callID)
}

// Failed builds a call.failed event.
func (b *Builder) Failed(req connection.Request, cause connection.DisconnectCause, msg string) *CallEvent {
	e := b.newEvent(CallFailed, req.CallID)
	e.Address = req.Address
	e.Cause = cause.String()
	e.Message = msg
	return e
}

// Canceled builds a call.canceled event.
func (b *Builder) Canceled(callID string) *CallEvent {
	return b.newEvent(CallCanceled, callID)
}

// Conference builds a call.conference event.
func (b *Builder) Conference(callID string) *CallEvent {
	return b.newEvent(CallConference, callID)
}

// Conferenced builds a call.conferenced event. An empty parentID means the
// call left its conference.
func (b *Builder) Conferenced(callID, parentID string) *CallEvent {
	e := b.newEvent(CallConferenced, callID)
	e.ParentID = parentID
	return e
}

// ConferenceCapable builds a call.conference_capable event.
func (b *Builder) ConferenceCapable(callID string, capable bool) *CallEvent {
	e := b.newEvent(CallConferenceCapable, callID)
	e.Flag = &capable
	return e
}

// Ringback builds a call.ringback event.
func (b *Builder) Ringback(callID string, ringback bool) *CallEvent {
	e := b.newEvent(CallRingback, callID)
	e.Flag = &ringback
	return e
}

// PostDialWait builds a call.post_dial_wait event.
func (b *Builder) PostDialWait(callID, remaining string) *CallEvent {
	e := b.newEvent(CallPostDialWait, callID)
	e.Remaining = remaining
	return e
}
