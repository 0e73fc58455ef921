package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func syncHistory(t *testing.T, h *History) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestHistoryRecordsLifetime(t *testing.T) {
	h := openTestHistory(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h.now = func() time.Time { return base }

	c := connection.New(nil,
		connection.WithAddress("tel:5551234", connection.PresentationAllowed),
		connection.WithState(connection.StateRinging),
	)
	h.OnConnectionAdded("call-1", c)

	if err := c.SetActive(); err != nil {
		t.Fatalf("SetActive() error = %v", err)
	}
	if err := c.SetDisconnected(connection.CauseRemote, "bye"); err != nil {
		t.Fatalf("SetDisconnected() error = %v", err)
	}
	h.now = func() time.Time { return base.Add(time.Minute) }
	h.OnConnectionRemoved("call-1", c)
	syncHistory(t, h)

	recs, err := h.ByCallID(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("ByCallID() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("ByCallID() returned %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.ConnID != c.LocalID() {
		t.Errorf("ConnID = %q, want %q", rec.ConnID, c.LocalID())
	}
	if rec.State != "ringing" {
		t.Errorf("State = %q, want ringing", rec.State)
	}
	if rec.FinalState != "disconnected" {
		t.Errorf("FinalState = %q, want disconnected", rec.FinalState)
	}
	if rec.Cause != "Remote" || rec.Message != "bye" {
		t.Errorf("Cause/Message = %q/%q, want Remote/bye", rec.Cause, rec.Message)
	}
	if !rec.AddedAt.Equal(base) {
		t.Errorf("AddedAt = %v, want %v", rec.AddedAt, base)
	}
	if rec.RemovedAt == nil || !rec.RemovedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("RemovedAt = %v, want %v", rec.RemovedAt, base.Add(time.Minute))
	}
}

func TestHistoryMasksAddress(t *testing.T) {
	h := openTestHistory(t)
	c := connection.New(nil, connection.WithAddress("bob@example.com", connection.PresentationAllowed))
	h.OnConnectionAdded("call-2", c)
	syncHistory(t, h)

	recs, err := h.ByCallID(context.Background(), "call-2")
	if err != nil {
		t.Fatalf("ByCallID() error = %v", err)
	}
	if got := recs[0].Address; got != "XXX@XXXXXXX.XXX" {
		t.Errorf("Address = %q, want masked", got)
	}
}

func TestHistoryRecentNewestFirst(t *testing.T) {
	h := openTestHistory(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Second)
		h.now = func() time.Time { return at }
		h.OnConnectionAdded(id, connection.New(nil))
		syncHistory(t, h)
	}

	recs, err := h.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("Recent() returned %d records, want 2", len(recs))
	}
	if recs[0].CallID != "c" || recs[1].CallID != "b" {
		t.Errorf("Recent() = [%s %s], want [c b]", recs[0].CallID, recs[1].CallID)
	}
	if recs[0].RemovedAt != nil {
		t.Errorf("RemovedAt = %v, want nil for live call", recs[0].RemovedAt)
	}
}

func TestHistoryUnknownCall(t *testing.T) {
	h := openTestHistory(t)
	if _, err := h.ByCallID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ByCallID() error = %v, want ErrNotFound", err)
	}
}

func TestHistoryClosed(t *testing.T) {
	h, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	h.OnConnectionAdded("call-1", connection.New(nil))
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := h.Sync(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Sync() after close error = %v, want ErrClosed", err)
	}
	// Hooks after close are dropped, not panics.
	h.OnConnectionAdded("call-2", connection.New(nil))
}
