// Package federation tracks remote connection-service providers discovered
// at runtime and the single pending account lookup waiting on discovery.
package federation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

// ErrNoProvider indicates no registered provider can serve a request.
var ErrNoProvider = errors.New("no remote provider")

// Account is a calling account exposed by a provider.
type Account struct {
	Provider string   `json:"provider"`
	ID       string   `json:"id"`
	Label    string   `json:"label,omitempty"`
	Schemes  []string `json:"schemes,omitempty"`
}

// Serves reports whether the account can place a call to handle. An
// account without schemes serves every handle.
func (a Account) Serves(handle string) bool {
	if len(a.Schemes) == 0 {
		return true
	}
	scheme, _, ok := strings.Cut(handle, ":")
	if !ok {
		return false
	}
	return slices.Contains(a.Schemes, strings.ToLower(scheme))
}

// RemoteConnection describes a call created on a remote provider.
type RemoteConnection struct {
	Provider string               `json:"provider"`
	CallID   string               `json:"call_id"`
	State    connection.CallState `json:"state"`
	Address  string               `json:"address,omitempty"`
}

// Provider is the handle to one remote connection service.
type Provider interface {
	// Accounts returns the provider's accounts that can serve handle.
	Accounts(ctx context.Context, handle string) ([]Account, error)

	// CreateOutgoingConnection asks the provider to place a call. The
	// outcome is delivered through resp exactly once.
	CreateOutgoingConnection(ctx context.Context, req connection.Request, resp connection.OutgoingResponse[*RemoteConnection])
}

// Entry is one discovered (name, provider) pair.
type Entry struct {
	Name     string
	Provider Provider
}

// Responder answers an account lookup.
type Responder func(handle string, accounts []Account)

// RemoteError reports a failed call to a remote provider.
type RemoteError struct {
	Provider string
	Op       string
	Err      error
}

// Error returns the error message.
func (e *RemoteError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *RemoteError) Unwrap() error {
	return e.Err
}
