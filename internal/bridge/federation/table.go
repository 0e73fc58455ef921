package federation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

// ProviderExtra is the request extra naming the provider that should place
// a remote call.
const ProviderExtra = "provider"

// PendingLookup is an account lookup waiting for discovery.
type PendingLookup struct {
	Handle    string
	Responder Responder
}

// Table is the append-only provider table plus the pending lookup slot.
//
// Thread Safety: All methods are safe for concurrent use.
type Table struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	order       []string
	initialized bool
	pending     *PendingLookup
}

// NewTable creates an empty, uninitialized table.
func NewTable() *Table {
	return &Table{providers: make(map[string]Provider)}
}

// Add registers a provider. The table never shrinks or replaces: adding a
// name that is already present keeps the first provider and returns false.
func (t *Table) Add(name string, p Provider) bool {
	if p == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.providers[name]; exists {
		return false
	}
	t.providers[name] = p
	t.order = append(t.order, name)
	return true
}

// Get returns the provider registered under name.
func (t *Table) Get(name string) (Provider, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.providers[name]
	return p, ok
}

// Names returns provider names in registration order.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of providers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Initialized reports whether discovery has concluded.
func (t *Table) Initialized() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.initialized
}

// MarkInitialized records that discovery concluded, successfully or not.
func (t *Table) MarkInitialized() {
	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()
}

// SetPending stores the lookup as the only pending one. An earlier
// unanswered lookup is dropped without a response.
func (t *Table) SetPending(handle string, r Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		slog.Debug("[Federation] Pending account lookup superseded",
			"old_handle", t.pending.Handle, "new_handle", handle)
	}
	t.pending = &PendingLookup{Handle: handle, Responder: r}
}

// TakePending removes and returns the pending lookup once the table is
// initialized. Before that it leaves the slot untouched.
func (t *Table) TakePending() (PendingLookup, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized || t.pending == nil {
		return PendingLookup{}, false
	}
	p := *t.pending
	t.pending = nil
	return p, true
}

// HasPending reports whether a lookup is waiting.
func (t *Table) HasPending() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending != nil
}

func (t *Table) entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, Entry{Name: name, Provider: t.providers[name]})
	}
	return out
}

// Accounts queries every provider concurrently and merges the accounts
// that can serve handle, in provider registration order. A failing
// provider is logged and skipped.
func (t *Table) Accounts(ctx context.Context, handle string) []Account {
	entries := t.entries()
	results := make([][]Account, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		g.Go(func() error {
			accts, err := e.Provider.Accounts(gctx, handle)
			if err != nil {
				slog.Warn("[Federation] Account query failed", "provider", e.Name, "error", err)
				return nil
			}
			for j := range accts {
				if accts[j].Provider == "" {
					accts[j].Provider = e.Name
				}
			}
			results[i] = accts
			return nil
		})
	}
	_ = g.Wait()

	var merged []Account
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged
}

// Route picks the provider for a remote call: the one named by the
// request's provider extra, or else the first provider with an account
// that serves the requested address.
func (t *Table) Route(ctx context.Context, req connection.Request) (string, Provider, error) {
	if name := req.Extra(ProviderExtra); name != "" {
		p, ok := t.Get(name)
		if !ok {
			return "", nil, fmt.Errorf("%w named %q", ErrNoProvider, name)
		}
		return name, p, nil
	}

	for _, e := range t.entries() {
		accts, err := e.Provider.Accounts(ctx, req.Address)
		if err != nil {
			slog.Debug("[Federation] Skipping provider during routing", "provider", e.Name, "error", err)
			continue
		}
		if len(accts) > 0 {
			return e.Name, e.Provider, nil
		}
	}
	return "", nil, fmt.Errorf("%w for %s", ErrNoProvider, req.CallID)
}
