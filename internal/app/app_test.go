package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebas/connbridge/internal/config"
	"github.com/sebas/connbridge/internal/logger"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.NodeID = "node-test"
	cfg.API.Addr = "127.0.0.1:0"
	cfg.History.Path = filepath.Join(t.TempDir(), "history.db")
	return cfg
}

func TestNewLoopback(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if a.sip != nil || a.loopback == nil {
		t.Fatalf("expected loopback backend, got sip=%v loopback=%v", a.sip, a.loopback)
	}
	if a.history == nil {
		t.Fatal("history not opened")
	}

	srv := httptest.NewServer(a.apiServer.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var body struct {
		NodeID    string `json:"node_id"`
		Authority bool   `json:"authority_connected"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.NodeID != "node-test" || body.Authority {
		t.Errorf("health = %+v", body)
	}

	// The authority endpoint is mounted and refuses plain HTTP.
	resp2, err := http.Get(srv.URL + "/api/v1/authority")
	if err != nil {
		t.Fatalf("GET authority: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode == http.StatusOK || resp2.StatusCode == http.StatusNotFound {
		t.Errorf("authority status = %d", resp2.StatusCode)
	}
}

func TestHistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Path = ""
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	srv := httptest.NewServer(a.apiServer.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/v1/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Errorf("history status = %d, want an error", resp.StatusCode)
	}
}

func TestStaticPeers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peer.Static = "east=127.0.0.1:1,west=127.0.0.1:2"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	if len(a.staticPeers) != 2 {
		t.Fatalf("static peers = %d, want 2", len(a.staticPeers))
	}
	names := strings.Join(a.service.Providers(), ",")
	if names != "east,west" {
		t.Errorf("providers = %q", names)
	}
}

func TestLocalAccounts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peer.Name = "north"
	cfg.Peer.Accounts = []string{"sales", "support"}
	a := &App{cfg: cfg}

	accounts := a.localAccounts()
	if len(accounts) != 2 {
		t.Fatalf("accounts = %d", len(accounts))
	}
	for _, acc := range accounts {
		if acc.Provider != "north" {
			t.Errorf("provider = %q", acc.Provider)
		}
		if len(acc.Schemes) != len(cfg.Peer.Schemes) {
			t.Errorf("schemes = %v", acc.Schemes)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Peer.Addr = "127.0.0.1:0"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReload(t *testing.T) {
	defer logger.SetLevel(logger.GetLevel())
	defer logger.SetPII(logger.PIIEnabled())

	a := &App{cfg: config.Default()}
	cfg := config.Default()
	cfg.Log.Level = "debug"
	cfg.Log.PII = true
	a.Reload(cfg)

	if logger.GetLevel() != "debug" {
		t.Errorf("level = %q", logger.GetLevel())
	}
	if !logger.PIIEnabled() {
		t.Error("PII not enabled")
	}
}

func TestPrintBanner(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.AuthSecret = "s3cret"
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	var buf bytes.Buffer
	a.PrintBanner(&buf, "v1.2.3")
	out := buf.String()
	for _, want := range []string{"v1.2.3", "node-test", "loopback", "HS256"} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "s3cret") {
		t.Error("banner leaks the auth secret")
	}
}
