// Package types defines the connbridge HTTP API types.
package types

import "time"

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status    string `json:"status"`
	Uptime    int64  `json:"uptime"`
	NodeID    string `json:"node_id"`
	Authority bool   `json:"authority_connected"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	Connections     int  `json:"connections"`
	Providers       int  `json:"providers"`
	FederationReady bool `json:"federation_ready"`
	LookupPending   bool `json:"lookup_pending"`
	PendingOffers   int  `json:"pending_offers"`
	SIPLegs         int  `json:"sip_legs"`
}

// Connection represents a registered call
type Connection struct {
	CallID       string `json:"call_id"`
	LocalID      string `json:"local_id"`
	State        string `json:"state"`
	Features     string `json:"features"`
	Address      string `json:"address,omitempty"`
	Presentation string `json:"presentation"`
	ParentID     string `json:"parent_id,omitempty"`
	Ringback     bool   `json:"ringback,omitempty"`
}

// ProvidersResponse is the response from /api/v1/providers
type ProvidersResponse struct {
	Providers []string `json:"providers"`
}

// HistoryRecord is one finished or live call from /api/v1/history
type HistoryRecord struct {
	CallID     string     `json:"call_id"`
	ConnID     string     `json:"conn_id"`
	Address    string     `json:"address,omitempty"`
	State      string     `json:"state"`
	AddedAt    time.Time  `json:"added_at"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
	FinalState string     `json:"final_state,omitempty"`
	Cause      string     `json:"cause,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// ErrorResponse carries an error message
type ErrorResponse struct {
	Error string `json:"error"`
}
