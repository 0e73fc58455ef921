package bridge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// recordingAdapter records every notification as a short string.
type recordingAdapter struct {
	mu    sync.Mutex
	calls []string
	infos []connection.CallInfo

	queries   int
	discovery chan discoveryResult
}

type discoveryResult struct {
	entries []federation.Entry
	err     error
}

func newRecordingAdapter() *recordingAdapter {
	return &recordingAdapter{discovery: make(chan discoveryResult, 1)}
}

func (r *recordingAdapter) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recordingAdapter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *recordingAdapter) Infos() []connection.CallInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]connection.CallInfo, len(r.infos))
	copy(out, r.infos)
	return out
}

func (r *recordingAdapter) Queries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queries
}

func (r *recordingAdapter) SetActive(id string)  { r.record("active:%s", id) }
func (r *recordingAdapter) SetDialing(id string) { r.record("dialing:%s", id) }
func (r *recordingAdapter) SetRinging(id string) { r.record("ringing:%s", id) }
func (r *recordingAdapter) SetOnHold(id string)  { r.record("on_hold:%s", id) }
func (r *recordingAdapter) SetDisconnected(id string, cause connection.DisconnectCause, msg string) {
	r.record("disconnected:%s:%s:%s", id, cause, msg)
}
func (r *recordingAdapter) SetFeatures(id string, f connection.Features) {
	r.record("features:%s:%s", id, f)
}
func (r *recordingAdapter) NotifyIncomingCall(info connection.CallInfo) {
	r.mu.Lock()
	r.infos = append(r.infos, info)
	r.mu.Unlock()
	r.record("incoming:%s", info.CallID)
}
func (r *recordingAdapter) HandleSuccessfulOutgoingCall(id string) { r.record("success:%s", id) }
func (r *recordingAdapter) HandleFailedOutgoingCall(req connection.Request, cause connection.DisconnectCause, msg string) {
	r.record("failed:%s:%s:%s", req.CallID, cause, msg)
}
func (r *recordingAdapter) CancelOutgoingCall(id string) { r.record("canceled:%s", id) }
func (r *recordingAdapter) AddConferenceCall(id string)  { r.record("conference:%s", id) }
func (r *recordingAdapter) SetIsConferenced(id, parentID string) {
	r.record("conferenced:%s:%s", id, parentID)
}
func (r *recordingAdapter) SetCanConference(id string, capable bool) {
	r.record("can_conference:%s:%v", id, capable)
}
func (r *recordingAdapter) SetRequestingRingback(id string, ringback bool) {
	r.record("ringback:%s:%v", id, ringback)
}
func (r *recordingAdapter) OnPostDialWait(id, remaining string) {
	r.record("post_dial_wait:%s:%s", id, remaining)
}

func (r *recordingAdapter) QueryRemoteProviders(ctx context.Context) ([]federation.Entry, error) {
	r.mu.Lock()
	r.queries++
	r.mu.Unlock()
	select {
	case res := <-r.discovery:
		return res.entries, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scriptedBackend answers each factory call with a test-supplied function.
type scriptedBackend struct {
	outgoing   func(req connection.Request, resp connection.OutgoingResponse[*connection.Connection])
	incoming   func(req connection.Request, resp connection.Response)
	conference func(req connection.Request, source *connection.Connection, resp connection.Response)
}

func (b *scriptedBackend) OnCreateOutgoingConnection(req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) {
	if b.outgoing != nil {
		b.outgoing(req, resp)
	}
}

func (b *scriptedBackend) OnCreateIncomingConnection(req connection.Request, resp connection.Response) {
	if b.incoming != nil {
		b.incoming(req, resp)
	}
}

func (b *scriptedBackend) OnCreateConferenceConnection(req connection.Request, source *connection.Connection, resp connection.Response) {
	if b.conference != nil {
		b.conference(req, source, resp)
	}
}

// recordingHooks logs membership changes into the adapter's call list so
// ordering against notifications can be checked.
type recordingHooks struct {
	log *recordingAdapter
}

func (h recordingHooks) OnConnectionAdded(id string, _ *connection.Connection) {
	h.log.record("added:%s", id)
}

func (h recordingHooks) OnConnectionRemoved(id string, _ *connection.Connection) {
	h.log.record("removed:%s", id)
}

// answeringHandler moves the connection to Active on Answer.
type answeringHandler struct {
	connection.BaseHandler
	aborted int
	mu      sync.Mutex
}

func (h *answeringHandler) OnAnswer(c *connection.Connection) {
	_ = c.SetActive()
}

func (h *answeringHandler) OnAbort(*connection.Connection) {
	h.mu.Lock()
	h.aborted++
	h.mu.Unlock()
}

func (h *answeringHandler) Aborted() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

// newTestService returns a service with an attached recording adapter.
func newTestService(t *testing.T, b Backend) (*Service, *recordingAdapter) {
	t.Helper()
	a := newRecordingAdapter()
	s := NewService(b, WithHooks(recordingHooks{log: a}))
	t.Cleanup(s.Close)
	if err := s.AttachAdapter(context.Background(), a); err != nil {
		t.Fatalf("AttachAdapter() error = %v", err)
	}
	return s, a
}

// flush waits until every task posted so far, and the tasks they post in
// turn, have run.
func flush(t *testing.T, s *Service) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if err := s.loop.exec(context.Background(), func() {}); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q (all: %q)", i, got[i], want[i], got)
		}
	}
}

// incomingWith returns a backend whose incoming factory yields conns.
func incomingWith(conns ...*connection.Connection) *scriptedBackend {
	return &scriptedBackend{
		incoming: func(req connection.Request, resp connection.Response) {
			resp.OnResult(req, conns...)
		},
	}
}
