// Package wslink connects one authority to the bridge over a WebSocket.
// Commands arrive as JSON frames and are applied to the bridge service;
// bridge notifications go back as frames on the same socket.
package wslink

import (
	"encoding/json"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// Commands sent by the authority.
const (
	TypeCreateOutgoing      = "create_outgoing"
	TypeCreateIncoming      = "create_incoming"
	TypeCreateRemote        = "create_remote"
	TypeAnswer              = "answer"
	TypeReject              = "reject"
	TypeDisconnect          = "disconnect"
	TypeAbort               = "abort"
	TypeHold                = "hold"
	TypeUnhold              = "unhold"
	TypePlayDTMF            = "play_dtmf"
	TypeStopDTMF            = "stop_dtmf"
	TypeSetAudioState       = "set_audio_state"
	TypePostDialContinue    = "post_dial_continue"
	TypeSetFeatures         = "set_features"
	TypeMergeConference     = "merge_conference"
	TypeSplitFromConference = "split_from_conference"
	TypeLookupAccounts      = "lookup_accounts"
	TypeProviders           = "providers"
)

// Notifications sent to the authority.
const (
	TypeAck               = "ack"
	TypeState             = "state"
	TypeDisconnected      = "disconnected"
	TypeFeatures          = "features"
	TypeIncomingCall      = "incoming_call"
	TypeOutgoingSuccess   = "outgoing_success"
	TypeOutgoingFailed    = "outgoing_failed"
	TypeOutgoingCanceled  = "outgoing_canceled"
	TypeConferenceAdded   = "conference_added"
	TypeConferenced       = "conferenced"
	TypeConferenceCapable = "conference_capable"
	TypeRingback          = "ringback"
	TypePostDialWait      = "post_dial_wait"
	TypeQueryProviders    = "query_providers"
	TypeAccounts          = "accounts"
	TypeRemoteSuccess     = "remote_success"
	TypeRemoteFailed      = "remote_failed"
	TypeRemoteCanceled    = "remote_canceled"
	TypeOffer             = "offer"
)

// Frame is the single message shape in both directions. Only the fields
// relevant to Type are set.
type Frame struct {
	Type string `json:"type"`
	// ID correlates a command with its ack, and a provider query with
	// its answer.
	ID string `json:"id,omitempty"`

	CallID       string            `json:"call_id,omitempty"`
	ConferenceID string            `json:"conference_id,omitempty"`
	ParentID     string            `json:"parent_id,omitempty"`
	Address      string            `json:"address,omitempty"`
	Extras       map[string]string `json:"extras,omitempty"`

	State     connection.CallState   `json:"state,omitempty"`
	Cause     string                 `json:"cause,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Features  *connection.Features   `json:"features,omitempty"`
	Flag      *bool                  `json:"flag,omitempty"`
	Digit     string                 `json:"digit,omitempty"`
	Remaining string                 `json:"remaining,omitempty"`
	Audio     *connection.AudioState `json:"audio,omitempty"`

	Handle    string                       `json:"handle,omitempty"`
	Accounts  []federation.Account         `json:"accounts,omitempty"`
	Providers []ProviderInfo               `json:"providers,omitempty"`
	Call      *connection.CallInfo         `json:"call,omitempty"`
	Remote    *federation.RemoteConnection `json:"remote,omitempty"`
	Offer     json.RawMessage              `json:"offer,omitempty"`

	Error string `json:"error,omitempty"`
}

// ProviderInfo names a remote bridge node the authority knows about.
type ProviderInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

func (f *Frame) request() connection.Request {
	return connection.NewRequest(f.CallID, f.Address, f.Extras)
}

func boolPtr(b bool) *bool { return &b }

func causeFrame(typ, callID string, cause connection.DisconnectCause, msg string) Frame {
	return Frame{Type: typ, CallID: callID, Cause: cause.String(), Message: msg}
}
