package events

import (
	"context"

	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// MirrorAdapter forwards every notification to the wrapped adapter and
// publishes it as an event. Publishing is asynchronous so the service loop
// never waits on the transport.
type MirrorAdapter struct {
	next bridge.Adapter
	pub  Publisher
	b    *Builder
}

// Mirror wraps next. A nil next is replaced by bridge.NoopAdapter.
func Mirror(next bridge.Adapter, pub Publisher, b *Builder) *MirrorAdapter {
	if next == nil {
		next = bridge.NoopAdapter{}
	}
	if pub == nil {
		pub = NewNoopPublisher()
	}
	return &MirrorAdapter{next: next, pub: pub, b: b}
}

var _ bridge.Adapter = (*MirrorAdapter)(nil)

func (m *MirrorAdapter) SetActive(id string) {
	m.next.SetActive(id)
	m.pub.PublishAsync(m.b.State(id, connection.CallStateActive))
}

func (m *MirrorAdapter) SetDialing(id string) {
	m.next.SetDialing(id)
	m.pub.PublishAsync(m.b.State(id, connection.CallStateDialing))
}

func (m *MirrorAdapter) SetRinging(id string) {
	m.next.SetRinging(id)
	m.pub.PublishAsync(m.b.State(id, connection.CallStateRinging))
}

func (m *MirrorAdapter) SetOnHold(id string) {
	m.next.SetOnHold(id)
	m.pub.PublishAsync(m.b.State(id, connection.CallStateOnHold))
}

func (m *MirrorAdapter) SetDisconnected(id string, cause connection.DisconnectCause, message string) {
	m.next.SetDisconnected(id, cause, message)
	m.pub.PublishAsync(m.b.Disconnected(id, cause, message))
}

func (m *MirrorAdapter) SetFeatures(id string, features connection.Features) {
	m.next.SetFeatures(id, features)
	m.pub.PublishAsync(m.b.Features(id, features))
}

func (m *MirrorAdapter) NotifyIncomingCall(info connection.CallInfo) {
	m.next.NotifyIncomingCall(info)
	m.pub.PublishAsync(m.b.Incoming(info))
}

func (m *MirrorAdapter) HandleSuccessfulOutgoingCall(id string) {
	m.next.HandleSuccessfulOutgoingCall(id)
	m.pub.PublishAsync(m.b.Outgoing(id))
}

func (m *MirrorAdapter) HandleFailedOutgoingCall(req connection.Request, cause connection.DisconnectCause, message string) {
	m.next.HandleFailedOutgoingCall(req, cause, message)
	m.pub.PublishAsync(m.b.Failed(req, cause, message))
}

func (m *MirrorAdapter) CancelOutgoingCall(id string) {
	m.next.CancelOutgoingCall(id)
	m.pub.PublishAsync(m.b.Canceled(id))
}

func (m *MirrorAdapter) AddConferenceCall(id string) {
	m.next.AddConferenceCall(id)
	m.pub.PublishAsync(m.b.Conference(id))
}

func (m *MirrorAdapter) SetIsConferenced(id, parentID string) {
	m.next.SetIsConferenced(id, parentID)
	m.pub.PublishAsync(m.b.Conferenced(id, parentID))
}

func (m *MirrorAdapter) SetCanConference(id string, capable bool) {
	m.next.SetCanConference(id, capable)
	m.pub.PublishAsync(m.b.ConferenceCapable(id, capable))
}

func (m *MirrorAdapter) SetRequestingRingback(id string, ringback bool) {
	m.next.SetRequestingRingback(id, ringback)
	m.pub.PublishAsync(m.b.Ringback(id, ringback))
}

func (m *MirrorAdapter) OnPostDialWait(id, remaining string) {
	m.next.OnPostDialWait(id, remaining)
	m.pub.PublishAsync(m.b.PostDialWait(id, remaining))
}

// QueryRemoteProviders is not an event; it goes straight to the wrapped
// adapter.
func (m *MirrorAdapter) QueryRemoteProviders(ctx context.Context) ([]federation.Entry, error) {
	return m.next.QueryRemoteProviders(ctx)
}
