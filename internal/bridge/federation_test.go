package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

type stubProvider struct {
	accounts []federation.Account
}

func (p *stubProvider) Accounts(_ context.Context, handle string) ([]federation.Account, error) {
	var out []federation.Account
	for _, a := range p.accounts {
		if a.Serves(handle) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (p *stubProvider) CreateOutgoingConnection(_ context.Context, req connection.Request, resp connection.OutgoingResponse[*federation.RemoteConnection]) {
	resp.OnSuccess(req, &federation.RemoteConnection{CallID: req.CallID, State: connection.CallStateDialing})
}

// lookupRecorder collects responder invocations.
type lookupRecorder struct {
	mu      sync.Mutex
	answers []string
	counts  []int
	ch      chan struct{}
}

func newLookupRecorder() *lookupRecorder {
	return &lookupRecorder{ch: make(chan struct{}, 8)}
}

func (l *lookupRecorder) responder(tag string) federation.Responder {
	return func(handle string, accounts []federation.Account) {
		l.mu.Lock()
		l.answers = append(l.answers, tag+":"+handle)
		l.counts = append(l.counts, len(accounts))
		l.mu.Unlock()
		l.ch <- struct{}{}
	}
}

func (l *lookupRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lookup response")
	}
}

func (l *lookupRecorder) Answers() ([]string, []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.answers...), append([]int(nil), l.counts...)
}

func TestLookupBeforeDiscoverySucceeds(t *testing.T) {
	s, a := newTestService(t, &scriptedBackend{})
	rec := newLookupRecorder()
	ctx := context.Background()

	if err := s.LookupRemoteAccounts(ctx, "tel:555", rec.responder("A")); err != nil {
		t.Fatal(err)
	}
	flush(t, s)
	if answers, _ := rec.Answers(); len(answers) != 0 {
		t.Fatalf("answered before discovery: %v", answers)
	}

	a.discovery <- discoveryResult{entries: []federation.Entry{
		{Name: "peer-a", Provider: &stubProvider{accounts: []federation.Account{{ID: "acct-1", Schemes: []string{"tel"}}}}},
	}}
	rec.wait(t)
	flush(t, s)

	answers, counts := rec.Answers()
	if len(answers) != 1 || answers[0] != "A:tel:555" || counts[0] != 1 {
		t.Errorf("answers = %v counts = %v", answers, counts)
	}
	if got := s.Providers(); len(got) != 1 || got[0] != "peer-a" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestLookupSupersededBeforeDiscovery(t *testing.T) {
	s, a := newTestService(t, &scriptedBackend{})
	rec := newLookupRecorder()
	ctx := context.Background()

	if err := s.LookupRemoteAccounts(ctx, "tel:A", rec.responder("A")); err != nil {
		t.Fatal(err)
	}
	if err := s.LookupRemoteAccounts(ctx, "tel:B", rec.responder("B")); err != nil {
		t.Fatal(err)
	}

	a.discovery <- discoveryResult{}
	rec.wait(t)
	flush(t, s)
	time.Sleep(20 * time.Millisecond)

	answers, _ := rec.Answers()
	if len(answers) != 1 || answers[0] != "B:tel:B" {
		t.Errorf("answers = %v, want only B", answers)
	}
}

func TestLookupAnsweredAfterDiscoveryFailure(t *testing.T) {
	s, a := newTestService(t, &scriptedBackend{})
	rec := newLookupRecorder()

	if err := s.LookupRemoteAccounts(context.Background(), "tel:1", rec.responder("A")); err != nil {
		t.Fatal(err)
	}
	a.discovery <- discoveryResult{err: errors.New("authority unreachable")}
	rec.wait(t)

	answers, counts := rec.Answers()
	if len(answers) != 1 || counts[0] != 0 {
		t.Errorf("answers = %v counts = %v", answers, counts)
	}
	if !s.Stats().FederationReady {
		t.Error("federation should be initialized after a failed discovery")
	}
}

func TestLookupAfterDiscoveryIsImmediate(t *testing.T) {
	s, a := newTestService(t, &scriptedBackend{})
	a.discovery <- discoveryResult{}
	waitFor(t, "discovery", func() bool { return s.Stats().FederationReady })

	rec := newLookupRecorder()
	if err := s.LookupRemoteAccounts(context.Background(), "tel:1", rec.responder("A")); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)
	if s.Stats().LookupPending {
		t.Error("pending slot not cleared")
	}
}

func TestDiscoveryRunsOnce(t *testing.T) {
	s, a := newTestService(t, &scriptedBackend{})
	ctx := context.Background()

	// Re-attach while discovery is in flight.
	if err := s.AttachAdapter(ctx, a); err != nil {
		t.Fatal(err)
	}
	a.discovery <- discoveryResult{}
	waitFor(t, "discovery", func() bool { return s.Stats().FederationReady })

	// Re-attach after initialization.
	if err := s.AttachAdapter(ctx, a); err != nil {
		t.Fatal(err)
	}
	flush(t, s)
	if q := a.Queries(); q != 1 {
		t.Errorf("QueryRemoteProviders called %d times, want 1", q)
	}
}

func TestCreateRemoteOutgoingConnection(t *testing.T) {
	s, a := newTestService(t, &scriptedBackend{})
	a.discovery <- discoveryResult{entries: []federation.Entry{
		{Name: "peer-a", Provider: &stubProvider{accounts: []federation.Account{{ID: "x", Schemes: []string{"tel"}}}}},
	}}
	waitFor(t, "discovery", func() bool { return s.Stats().Providers == 1 })

	type outcome struct {
		remote *federation.RemoteConnection
		msg    string
	}
	results := make(chan outcome, 2)
	resp := connection.OutgoingFuncs[*federation.RemoteConnection]{
		Success: func(_ connection.Request, rc *federation.RemoteConnection) { results <- outcome{remote: rc} },
		Failure: func(_ connection.Request, _ connection.DisconnectCause, msg string) { results <- outcome{msg: msg} },
	}
	ctx := context.Background()

	if err := s.CreateRemoteOutgoingConnection(ctx, connection.NewRequest("call-r", "tel:1", nil), resp); err != nil {
		t.Fatal(err)
	}
	if got := <-results; got.remote == nil || got.remote.CallID != "call-r" {
		t.Errorf("success outcome = %+v", got)
	}

	req := connection.NewRequest("call-x", "tel:1", map[string]string{federation.ProviderExtra: "peer-z"})
	if err := s.CreateRemoteOutgoingConnection(ctx, req, resp); err != nil {
		t.Fatal(err)
	}
	if got := <-results; got.msg != `no remote provider named "peer-z"` {
		t.Errorf("failure message = %q", got.msg)
	}

	flush(t, s)
	if len(s.AllConnections()) != 0 {
		t.Error("remote calls must not touch the registry")
	}
}
