package registry

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

// checkInverse verifies byID and byConn mirror each other.
func checkInverse(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byID) != len(r.byConn) {
		t.Fatalf("len(byID) = %d, len(byConn) = %d", len(r.byID), len(r.byConn))
	}
	for id, c := range r.byID {
		b, ok := r.byConn[c]
		if !ok || b.id != id {
			t.Fatalf("byID[%s] -> %s has no matching byConn entry", id, c.LocalID())
		}
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	c := connection.New(nil)

	if err := r.Register("call-1", c, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := r.Lookup("call-1")
	if !ok || got != c {
		t.Errorf("Lookup(call-1) = %v, %v", got, ok)
	}
	id, ok := r.IDOf(c)
	if !ok || id != "call-1" {
		t.Errorf("IDOf() = %q, %v", id, ok)
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("Lookup(missing) should not be found")
	}
	checkInverse(t, r)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	c1 := connection.New(nil)
	c2 := connection.New(nil)

	if err := r.Register("call-1", c1, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := r.Register("call-2", c1, nil)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("second id for same connection: err = %v, want ErrAlreadyRegistered", err)
	}
	err = r.Register("call-1", c1, nil)
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Errorf("same pair again: err = %v, want ErrAlreadyRegistered", err)
	}
	err = r.Register("call-1", c2, nil)
	if !errors.Is(err, ErrIDInUse) {
		t.Errorf("same id for new connection: err = %v, want ErrIDInUse", err)
	}
	if err := r.Register("call-x", nil, nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("nil connection: err = %v", err)
	}

	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	checkInverse(t, r)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	r := New()
	c := connection.New(nil)

	if _, ok := r.Unregister(c); ok {
		t.Error("Unregister of unknown connection reported ok")
	}
	if err := r.Register("call-1", c, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	id, ok := r.Unregister(c)
	if !ok || id != "call-1" {
		t.Errorf("Unregister() = %q, %v", id, ok)
	}
	if _, ok := r.Unregister(c); ok {
		t.Error("second Unregister reported ok")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	checkInverse(t, r)
}

func TestRegisterSubscribesObserver(t *testing.T) {
	r := New()
	c := connection.New(nil)

	if err := r.Register("call-1", c, connection.BaseObserver{}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := c.ObserverCount(); got != 1 {
		t.Errorf("ObserverCount() after Register = %d, want 1", got)
	}
	// Rejected registration must not attach a second observer.
	_ = r.Register("call-2", c, connection.BaseObserver{})
	if got := c.ObserverCount(); got != 1 {
		t.Errorf("ObserverCount() after rejected Register = %d, want 1", got)
	}
	r.Unregister(c)
	if got := c.ObserverCount(); got != 0 {
		t.Errorf("ObserverCount() after Unregister = %d, want 0", got)
	}
}

func TestRandomOperationsKeepMapsInverse(t *testing.T) {
	r := New()
	rng := rand.New(rand.NewSource(7))
	conns := make([]*connection.Connection, 8)
	for i := range conns {
		conns[i] = connection.New(nil)
	}

	for i := 0; i < 500; i++ {
		c := conns[rng.Intn(len(conns))]
		if rng.Intn(2) == 0 {
			_ = r.Register(fmt.Sprintf("call-%d", rng.Intn(6)), c, nil)
		} else {
			r.Unregister(c)
		}
		checkInverse(t, r)
	}
}

func TestSnapshot(t *testing.T) {
	r := New()
	want := map[string]*connection.Connection{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("call-%d", i)
		c := connection.New(nil)
		want[id] = c
		if err := r.Register(id, c, nil); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}

	snap := r.Snapshot()
	if len(snap) != len(want) {
		t.Fatalf("len(Snapshot()) = %d, want %d", len(snap), len(want))
	}
	for _, e := range snap {
		if want[e.ID] != e.Conn {
			t.Errorf("Snapshot entry %s has wrong connection", e.ID)
		}
	}
}
