// Package api serves the connbridge HTTP API and mounts the authority
// WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	types "github.com/sebas/connbridge/api/types/v1"
	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/registry"
	"github.com/sebas/connbridge/internal/logger"
	"github.com/sebas/connbridge/internal/store"
)

// BridgeProvider provides bridge state for the API.
// Implemented by bridge.Service.
type BridgeProvider interface {
	AllConnections() []registry.Entry
	Stats() bridge.Stats
	Providers() []string
}

// HistoryProvider provides call history.
// Implemented by store.History.
type HistoryProvider interface {
	Recent(ctx context.Context, limit int) ([]store.CallRecord, error)
	ByCallID(ctx context.Context, callID string) ([]store.CallRecord, error)
}

// AuthorityProvider is the authority WebSocket endpoint.
// Implemented by wslink.Link.
type AuthorityProvider interface {
	http.Handler
	Connected() bool
}

// SIPProvider reports SIP backend counters.
// Implemented by sipline.Backend.
type SIPProvider interface {
	Pending() int
	Legs() int
}

// Server provides the HTTP API
type Server struct {
	addr       string
	nodeID     string
	httpServer *http.Server
	bridge     BridgeProvider
	history    HistoryProvider
	authority  AuthorityProvider
	sip        SIPProvider
	startTime  time.Time
}

// NewServer creates a new API server. history, authority and sip may be
// nil.
func NewServer(addr, nodeID string, b BridgeProvider, history HistoryProvider, authority AuthorityProvider, sip SIPProvider) *Server {
	s := &Server{
		addr:      addr,
		nodeID:    nodeID,
		bridge:    b,
		history:   history,
		authority: authority,
		sip:       sip,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health and stats
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/stats", s.handleStats)

	// Bridge state
	mux.HandleFunc("/api/v1/connections", s.handleConnections)
	mux.HandleFunc("/api/v1/connections/", s.handleConnectionByID)
	mux.HandleFunc("/api/v1/providers", s.handleProviders)

	// History
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/history/", s.handleHistoryByCallID)

	// Authority link
	if authority != nil {
		mux.Handle("/api/v1/authority", authority)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the request multiplexer, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn("[API] Graceful shutdown failed", "error", err)
			return s.httpServer.Close()
		}
		return nil
	}
}

// --- Health & Stats ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := types.HealthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startTime).Seconds()),
		NodeID: s.nodeID,
	}
	if s.authority != nil {
		response.Authority = s.authority.Connected()
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.bridge.Stats()
	response := types.StatsResponse{
		Connections:     st.Connections,
		Providers:       st.Providers,
		FederationReady: st.FederationReady,
		LookupPending:   st.LookupPending,
	}
	if s.sip != nil {
		response.PendingOffers = s.sip.Pending()
		response.SIPLegs = s.sip.Legs()
	}
	s.writeJSON(w, http.StatusOK, response)
}

// --- Connections ---

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	entries := s.bridge.AllConnections()
	ids := make(map[*connection.Connection]string, len(entries))
	for _, e := range entries {
		ids[e.Conn] = e.ID
	}

	result := make([]types.Connection, 0, len(entries))
	for _, e := range entries {
		result = append(result, toConnection(e, ids))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CallID < result[j].CallID })
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConnectionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract call ID from path: /api/v1/connections/{call_id}
	callID := strings.TrimPrefix(r.URL.Path, "/api/v1/connections/")
	if callID == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	entries := s.bridge.AllConnections()
	ids := make(map[*connection.Connection]string, len(entries))
	for _, e := range entries {
		ids[e.Conn] = e.ID
	}
	for _, e := range entries {
		if e.ID == callID {
			s.writeJSON(w, http.StatusOK, toConnection(e, ids))
			return
		}
	}
	s.writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "connection not found"})
}

func toConnection(e registry.Entry, ids map[*connection.Connection]string) types.Connection {
	c := e.Conn
	out := types.Connection{
		CallID:       e.ID,
		LocalID:      c.LocalID(),
		State:        string(connection.CallStateOf(c.State())),
		Features:     c.Features().String(),
		Presentation: presentationName(c.Presentation()),
		Ringback:     c.RequestingRingback(),
	}
	if c.Presentation() == connection.PresentationAllowed {
		out.Address = logger.SafeAddress(c.Address())
	}
	if p := c.Parent(); p != nil {
		out.ParentID = ids[p]
	}
	return out
}

func presentationName(p connection.Presentation) string {
	switch p {
	case connection.PresentationAllowed:
		return "allowed"
	case connection.PresentationRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// --- Providers ---

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	providers := s.bridge.Providers()
	if providers == nil {
		providers = []string{}
	}
	s.writeJSON(w, http.StatusOK, types.ProvidersResponse{Providers: providers})
}

// --- History ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "history disabled"})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		slog.Error("[API] Failed to read history", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, toHistory(records))
}

func (s *Server) handleHistoryByCallID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		s.writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "history disabled"})
		return
	}

	callID := strings.TrimPrefix(r.URL.Path, "/api/v1/history/")
	if callID == "" {
		http.Error(w, "Call ID required", http.StatusBadRequest)
		return
	}

	records, err := s.history.ByCallID(r.Context(), callID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, types.ErrorResponse{Error: "call not found"})
	case err != nil:
		slog.Error("[API] Failed to read history", "call_id", callID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, types.ErrorResponse{Error: err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, toHistory(records))
	}
}

func toHistory(records []store.CallRecord) []types.HistoryRecord {
	out := make([]types.HistoryRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, types.HistoryRecord{
			CallID:     rec.CallID,
			ConnID:     rec.ConnID,
			Address:    rec.Address,
			State:      rec.State,
			AddedAt:    rec.AddedAt,
			RemovedAt:  rec.RemovedAt,
			FinalState: rec.FinalState,
			Cause:      rec.Cause,
			Message:    rec.Message,
		})
	}
	return out
}

// --- Helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}
