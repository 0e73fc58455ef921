package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	types "github.com/sebas/connbridge/api/types/v1"
	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/registry"
	"github.com/sebas/connbridge/internal/store"
)

type fakeBridge struct {
	entries   []registry.Entry
	providers []string
}

func (f *fakeBridge) AllConnections() []registry.Entry { return f.entries }
func (f *fakeBridge) Providers() []string              { return f.providers }
func (f *fakeBridge) Stats() bridge.Stats {
	return bridge.Stats{Connections: len(f.entries), Providers: len(f.providers), FederationReady: true}
}

type fakeHistory struct {
	records []store.CallRecord
}

func (f *fakeHistory) Recent(_ context.Context, limit int) ([]store.CallRecord, error) {
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeHistory) ByCallID(_ context.Context, callID string) ([]store.CallRecord, error) {
	var out []store.CallRecord
	for _, r := range f.records {
		if r.CallID == callID {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

type fakeSIP struct{}

func (fakeSIP) Pending() int { return 2 }
func (fakeSIP) Legs() int    { return 3 }

func get(t *testing.T, h http.Handler, path string, wantStatus int, out any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if rec.Code != wantStatus {
		t.Fatalf("GET %s status = %d, want %d (body %s)", path, rec.Code, wantStatus, rec.Body)
	}
	if out == nil {
		return
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
}

func newTestServer() (*Server, *connection.Connection, *connection.Connection) {
	conf := connection.New(nil, connection.WithState(connection.StateActive))
	member := connection.New(nil,
		connection.WithState(connection.StateRinging),
		connection.WithAddress("tel:5551234", connection.PresentationAllowed),
		connection.WithFeatures(connection.FeatureHold|connection.FeatureMute),
	)
	member.SetParent(conf)
	hidden := connection.New(nil, connection.WithAddress("tel:999", connection.PresentationRestricted))

	b := &fakeBridge{
		entries: []registry.Entry{
			{ID: "call-b", Conn: member},
			{ID: "call-a", Conn: conf},
			{ID: "call-c", Conn: hidden},
		},
		providers: []string{"east"},
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := &fakeHistory{records: []store.CallRecord{
		{CallID: "old-2", ConnID: "c2", State: "active", AddedAt: now.Add(time.Minute)},
		{CallID: "old-1", ConnID: "c1", State: "ringing", AddedAt: now, FinalState: "disconnected", Cause: "Remote"},
	}}
	return NewServer(":0", "node-1", b, h, nil, fakeSIP{}), member, conf
}

func TestHealthAndStats(t *testing.T) {
	s, _, _ := newTestServer()

	var health types.HealthResponse
	get(t, s.Handler(), "/api/v1/health", http.StatusOK, &health)
	if health.Status != "ok" || health.NodeID != "node-1" || health.Authority {
		t.Errorf("health = %+v", health)
	}

	var stats types.StatsResponse
	get(t, s.Handler(), "/api/v1/stats", http.StatusOK, &stats)
	want := types.StatsResponse{Connections: 3, Providers: 1, FederationReady: true, PendingOffers: 2, SIPLegs: 3}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestConnections(t *testing.T) {
	s, member, _ := newTestServer()

	var list []types.Connection
	get(t, s.Handler(), "/api/v1/connections", http.StatusOK, &list)
	if len(list) != 3 {
		t.Fatalf("got %d connections, want 3", len(list))
	}
	if list[0].CallID != "call-a" || list[1].CallID != "call-b" || list[2].CallID != "call-c" {
		t.Errorf("order = %s %s %s, want sorted by call id", list[0].CallID, list[1].CallID, list[2].CallID)
	}

	b := list[1]
	if b.LocalID != member.LocalID() || b.State != "ringing" || b.ParentID != "call-a" {
		t.Errorf("call-b = %+v", b)
	}
	if b.Features != "hold|mute" {
		t.Errorf("Features = %q, want hold|mute", b.Features)
	}
	if b.Address == "" || b.Address == "tel:5551234" {
		t.Errorf("Address = %q, want masked address", b.Address)
	}
	if c := list[2]; c.Address != "" || c.Presentation != "restricted" {
		t.Errorf("restricted call = %+v, want no address", c)
	}
}

func TestConnectionByID(t *testing.T) {
	s, _, _ := newTestServer()

	var c types.Connection
	get(t, s.Handler(), "/api/v1/connections/call-a", http.StatusOK, &c)
	if c.CallID != "call-a" || c.State != "active" {
		t.Errorf("connection = %+v", c)
	}
	get(t, s.Handler(), "/api/v1/connections/nope", http.StatusNotFound, nil)
	get(t, s.Handler(), "/api/v1/connections/", http.StatusBadRequest, nil)
}

func TestProviders(t *testing.T) {
	s, _, _ := newTestServer()

	var resp types.ProvidersResponse
	get(t, s.Handler(), "/api/v1/providers", http.StatusOK, &resp)
	if len(resp.Providers) != 1 || resp.Providers[0] != "east" {
		t.Errorf("providers = %v, want [east]", resp.Providers)
	}
}

func TestHistory(t *testing.T) {
	s, _, _ := newTestServer()

	var recent []types.HistoryRecord
	get(t, s.Handler(), "/api/v1/history?limit=1", http.StatusOK, &recent)
	if len(recent) != 1 || recent[0].CallID != "old-2" {
		t.Errorf("recent = %+v, want [old-2]", recent)
	}
	get(t, s.Handler(), "/api/v1/history?limit=zero", http.StatusBadRequest, nil)

	var byID []types.HistoryRecord
	get(t, s.Handler(), "/api/v1/history/old-1", http.StatusOK, &byID)
	if len(byID) != 1 || byID[0].Cause != "Remote" {
		t.Errorf("history for old-1 = %+v", byID)
	}
	get(t, s.Handler(), "/api/v1/history/missing", http.StatusNotFound, nil)
}

func TestHistoryDisabled(t *testing.T) {
	s := NewServer(":0", "node-1", &fakeBridge{}, nil, nil, nil)
	get(t, s.Handler(), "/api/v1/history", http.StatusNotFound, nil)

	var stats types.StatsResponse
	get(t, s.Handler(), "/api/v1/stats", http.StatusOK, &stats)
	if stats.SIPLegs != 0 || stats.PendingOffers != 0 {
		t.Errorf("stats without SIP = %+v", stats)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/connections", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}
