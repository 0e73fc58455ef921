package bridge

import (
	"context"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// Adapter carries notifications from the bridge to the authority. All
// methods except QueryRemoteProviders are called from the service loop and
// must not block.
type Adapter interface {
	SetActive(id string)
	SetDialing(id string)
	SetRinging(id string)
	SetOnHold(id string)
	SetDisconnected(id string, cause connection.DisconnectCause, message string)
	SetFeatures(id string, features connection.Features)
	NotifyIncomingCall(info connection.CallInfo)
	HandleSuccessfulOutgoingCall(id string)
	HandleFailedOutgoingCall(req connection.Request, cause connection.DisconnectCause, message string)
	CancelOutgoingCall(id string)
	AddConferenceCall(id string)
	// SetIsConferenced reports the conference parent; parentID is "" when
	// the connection left its conference or the parent is not registered.
	SetIsConferenced(id, parentID string)
	SetCanConference(id string, capable bool)
	SetRequestingRingback(id string, ringback bool)
	OnPostDialWait(id, remaining string)

	// QueryRemoteProviders asks the authority for the remote providers it
	// knows about. It runs on its own goroutine and may block.
	QueryRemoteProviders(ctx context.Context) ([]federation.Entry, error)
}

// NoopAdapter drops every notification. It stands in until an authority
// attaches.
type NoopAdapter struct{}

func (NoopAdapter) SetActive(string)                                                                {}
func (NoopAdapter) SetDialing(string)                                                               {}
func (NoopAdapter) SetRinging(string)                                                               {}
func (NoopAdapter) SetOnHold(string)                                                                {}
func (NoopAdapter) SetDisconnected(string, connection.DisconnectCause, string)                      {}
func (NoopAdapter) SetFeatures(string, connection.Features)                                         {}
func (NoopAdapter) NotifyIncomingCall(connection.CallInfo)                                          {}
func (NoopAdapter) HandleSuccessfulOutgoingCall(string)                                             {}
func (NoopAdapter) HandleFailedOutgoingCall(connection.Request, connection.DisconnectCause, string) {}
func (NoopAdapter) CancelOutgoingCall(string)                                                       {}
func (NoopAdapter) AddConferenceCall(string)                                                        {}
func (NoopAdapter) SetIsConferenced(string, string)                                                 {}
func (NoopAdapter) SetCanConference(string, bool)                                                   {}
func (NoopAdapter) SetRequestingRingback(string, bool)                                              {}
func (NoopAdapter) OnPostDialWait(string, string)                                                   {}

func (NoopAdapter) QueryRemoteProviders(context.Context) ([]federation.Entry, error) {
	return nil, nil
}
