// Package registry maps authority call identifiers to backend connections
// and back. It is the single source of truth for whether a call exists.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

var (
	// ErrAlreadyRegistered indicates the connection is already registered
	// under some identifier.
	ErrAlreadyRegistered = errors.New("connection already registered")

	// ErrIDInUse indicates the identifier already maps to another connection.
	ErrIDInUse = errors.New("call id already in use")

	// ErrNilConnection indicates a nil connection was passed to Register.
	ErrNilConnection = errors.New("connection is nil")
)

// Entry is one registered (identifier, connection) pair.
type Entry struct {
	ID   string
	Conn *connection.Connection
}

type binding struct {
	id  string
	sub *connection.Subscription
}

// Registry is the bidirectional identifier map. byID and byConn are exact
// inverses after every operation.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*connection.Connection
	byConn map[*connection.Connection]binding
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:   make(map[string]*connection.Connection),
		byConn: make(map[*connection.Connection]binding),
	}
}

// Register maps id to conn and subscribes obs to the connection. The
// subscription is released by Unregister. A nil observer registers the
// mapping without subscribing.
func (r *Registry) Register(id string, conn *connection.Connection, obs connection.Observer) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.byConn[conn]; ok {
		return fmt.Errorf("register %s: %w as %s", id, ErrAlreadyRegistered, b.id)
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("register %s: %w", id, ErrIDInUse)
	}

	var sub *connection.Subscription
	if obs != nil {
		sub = conn.Subscribe(obs)
	}
	r.byID[id] = conn
	r.byConn[conn] = binding{id: id, sub: sub}

	slog.Debug("[Registry] Registered connection", "call_id", id, "conn", conn.LocalID())
	return nil
}

// Unregister removes conn and cancels its subscription. It returns the
// identifier the connection was registered under. Unknown connections are
// ignored.
func (r *Registry) Unregister(conn *connection.Connection) (string, bool) {
	r.mu.Lock()
	b, ok := r.byConn[conn]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byConn, conn)
	// Only remove the id mapping if it still points at this instance.
	if cur, exists := r.byID[b.id]; exists && cur == conn {
		delete(r.byID, b.id)
	}
	r.mu.Unlock()

	b.sub.Cancel()
	slog.Debug("[Registry] Unregistered connection", "call_id", b.id, "conn", conn.LocalID())
	return b.id, true
}

// Lookup resolves an identifier.
func (r *Registry) Lookup(id string) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// IDOf resolves a connection to its identifier.
func (r *Registry) IDOf(conn *connection.Connection) (string, bool) {
	if conn == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byConn[conn]
	return b.id, ok
}

// Contains reports whether conn is registered under any identifier.
func (r *Registry) Contains(conn *connection.Connection) bool {
	_, ok := r.IDOf(conn)
	return ok
}

// Snapshot returns all entries in no particular order.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.byID))
	for id, c := range r.byID {
		out = append(out, Entry{ID: id, Conn: c})
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
