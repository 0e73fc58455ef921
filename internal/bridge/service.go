// Package bridge keeps the authority's call identifiers and the backend's
// connections in step. Commands from the authority resolve through the
// registry, connection events are translated into authority
// notifications, and calls the local backend cannot place are federated
// to remote providers discovered at runtime.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
	"github.com/sebas/connbridge/internal/bridge/registry"
	"github.com/sebas/connbridge/internal/logger"
)

// Service is the bridge between one backend and one authority.
//
// Thread Safety: All exported methods are safe for concurrent use. State
// is mutated only on the service loop.
type Service struct {
	backend    Backend
	registry   *registry.Registry
	federation *federation.Table
	dispatcher *dispatcher
	loop       *loop

	// Loop-owned.
	adapter          Adapter
	hooks            []Hooks
	discoveryStarted bool

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// Option configures a Service.
type Option func(*Service)

// WithHooks adds registry membership hooks. Hooks run in the order given.
func WithHooks(h ...Hooks) Option {
	return func(s *Service) {
		s.hooks = append(s.hooks, h...)
	}
}

// WithFederation uses t as the provider table instead of an empty one.
func WithFederation(t *federation.Table) Option {
	return func(s *Service) {
		s.federation = t
	}
}

// NewService creates the service and starts its loop.
func NewService(backend Backend, opts ...Option) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		backend:    backend,
		registry:   registry.New(),
		federation: federation.NewTable(),
		adapter:    NoopAdapter{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = &dispatcher{s: s}
	s.loop = newLoop()
	return s
}

// Close stops the loop and cancels in-flight discovery and remote work.
// Commands issued afterwards return ErrClosed.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.loop.close()
		slog.Info("[Bridge] Service closed", "connections", s.registry.Len())
	})
}

// Sync waits until every task posted before the call has run. Shutdown
// uses it to let the final disconnects reach the hooks before Close.
func (s *Service) Sync(ctx context.Context) error {
	return s.loop.exec(ctx, func() {})
}

// --- Authority attachment and federation ---

// AttachAdapter directs notifications to a. The first attachment starts
// provider discovery; there is one discovery round per service lifetime.
func (s *Service) AttachAdapter(ctx context.Context, a Adapter) error {
	return s.loop.exec(ctx, func() {
		if a == nil {
			a = NoopAdapter{}
		}
		s.adapter = a
		slog.Info("[Bridge] Adapter attached", "adapter", fmt.Sprintf("%T", a))

		if s.federation.Initialized() || s.discoveryStarted {
			return
		}
		s.discoveryStarted = true
		go s.discover(a)
	})
}

func (s *Service) discover(a Adapter) {
	slog.Debug("[Federation] Querying remote providers")
	entries, err := a.QueryRemoteProviders(s.ctx)
	s.loop.post(func() {
		s.completeDiscovery(entries, err)
	})
}

func (s *Service) completeDiscovery(entries []federation.Entry, err error) {
	if err != nil {
		slog.Warn("[Federation] Provider discovery failed", "error", err)
	} else {
		for _, e := range entries {
			if !s.federation.Add(e.Name, e.Provider) {
				slog.Warn("[Federation] Ignoring duplicate or empty provider", "provider", e.Name)
				continue
			}
			slog.Info("[Federation] Registered remote provider", "provider", e.Name)
		}
	}
	s.federation.MarkInitialized()
	s.fulfillPendingLookup()
}

// LookupRemoteAccounts answers r with the accounts that can serve handle,
// as soon as discovery has concluded. Only the latest unanswered lookup is
// kept; an earlier one is dropped without a response.
func (s *Service) LookupRemoteAccounts(ctx context.Context, handle string, r federation.Responder) error {
	return s.loop.exec(ctx, func() {
		s.federation.SetPending(handle, r)
		s.fulfillPendingLookup()
	})
}

// fulfillPendingLookup takes the pending lookup if discovery is done and
// answers it off the loop, since providers may be remote.
func (s *Service) fulfillPendingLookup() {
	p, ok := s.federation.TakePending()
	if !ok {
		return
	}
	go func() {
		accounts := s.federation.Accounts(s.ctx, p.Handle)
		slog.Debug("[Federation] Answering account lookup",
			"handle", logger.SafeAddress(p.Handle), "accounts", len(accounts))
		if p.Responder != nil {
			p.Responder(p.Handle, accounts)
		}
	}()
}

// CreateRemoteOutgoingConnection places req on a remote provider. The
// provider's outcome is forwarded to resp unchanged; the registry is not
// involved.
func (s *Service) CreateRemoteOutgoingConnection(ctx context.Context, req connection.Request, resp connection.OutgoingResponse[*federation.RemoteConnection]) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	go func() {
		name, p, err := s.federation.Route(s.ctx, req)
		if err != nil {
			slog.Warn("[Federation] Cannot route remote call", "call_id", req.CallID, "error", err)
			resp.OnFailure(req, connection.CauseError, err.Error())
			return
		}
		slog.Info("[Federation] Creating remote connection", "call_id", req.CallID, "provider", name,
			"address", logger.SafeAddress(req.Address))
		p.CreateOutgoingConnection(s.ctx, req, resp)
	}()
	return nil
}

// Providers returns the names of registered remote providers.
func (s *Service) Providers() []string {
	return s.federation.Names()
}

// --- Introspection ---

// AllConnections returns every registered connection, unordered.
func (s *Service) AllConnections() []registry.Entry {
	return s.registry.Snapshot()
}

// Lookup resolves a call identifier outside the loop, for read-only use.
func (s *Service) Lookup(id string) (*connection.Connection, bool) {
	return s.registry.Lookup(id)
}

// Stats is a point-in-time summary of the service.
type Stats struct {
	Connections     int  `json:"connections"`
	Providers       int  `json:"providers"`
	FederationReady bool `json:"federation_ready"`
	LookupPending   bool `json:"lookup_pending"`
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Connections:     s.registry.Len(),
		Providers:       s.federation.Len(),
		FederationReady: s.federation.Initialized(),
		LookupPending:   s.federation.HasPending(),
	}
}

// --- Registry membership (loop only) ---

// observed is what a connection looked like when its observer was
// attached. Later changes reach the dispatcher through the loop.
type observed struct {
	state     connection.State
	destroyed bool
}

// add registers c and runs the membership hooks. The state is read after
// the observer is attached so no change can fall between the two.
func (s *Service) add(id string, c *connection.Connection) (observed, error) {
	if err := s.registry.Register(id, c, s.dispatcher); err != nil {
		slog.Error("[Bridge] Failed to register connection", "call_id", id, "error", err)
		return observed{}, err
	}
	o := observed{state: c.State(), destroyed: c.IsDestroyed()}

	slog.Info("[Bridge] Connection added", "call_id", id, "conn", c.LocalID(), "state", o.state,
		"address", logger.SafeAddress(c.Address()))
	for _, h := range s.hooks {
		h.OnConnectionAdded(id, c)
	}
	return o, nil
}

// replay reports, on the loop and ahead of any queued event, what happened
// to c before it was registered. Incoming calls carry their state in the
// CallInfo, so withState is false for them and only the end is replayed.
func (s *Service) replay(id string, c *connection.Connection, o observed, withState bool) {
	switch {
	case withState && o.state == connection.StateActive:
		s.adapter.SetActive(id)
	case withState && o.state == connection.StateHolding:
		s.adapter.SetOnHold(id)
	case o.state == connection.StateDisconnected:
		cause, msg := c.DisconnectReason()
		s.adapter.SetDisconnected(id, cause, msg)
	}
	if o.destroyed {
		s.remove(c)
	}
}

func (s *Service) remove(c *connection.Connection) {
	id, ok := s.registry.Unregister(c)
	if !ok {
		return
	}
	slog.Info("[Bridge] Connection removed", "call_id", id, "conn", c.LocalID())
	for _, h := range s.hooks {
		h.OnConnectionRemoved(id, c)
	}
}
