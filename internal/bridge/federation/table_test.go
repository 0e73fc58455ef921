package federation

import (
	"context"
	"errors"
	"testing"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

type fakeProvider struct {
	accounts []Account
	err      error
	created  []connection.Request
}

func (f *fakeProvider) Accounts(_ context.Context, handle string) ([]Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Account
	for _, a := range f.accounts {
		if a.Serves(handle) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeProvider) CreateOutgoingConnection(_ context.Context, req connection.Request, resp connection.OutgoingResponse[*RemoteConnection]) {
	f.created = append(f.created, req)
	resp.OnSuccess(req, &RemoteConnection{CallID: req.CallID, State: connection.CallStateDialing})
}

func TestAccountServes(t *testing.T) {
	tests := []struct {
		name    string
		schemes []string
		handle  string
		want    bool
	}{
		{"no schemes serves all", nil, "tel:555", true},
		{"matching scheme", []string{"tel"}, "tel:555", true},
		{"scheme is case insensitive", []string{"sip"}, "SIP:bob@example.com", true},
		{"other scheme", []string{"sip"}, "tel:555", false},
		{"no scheme in handle", []string{"tel"}, "555", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Account{ID: "a", Schemes: tt.schemes}
			if got := a.Serves(tt.handle); got != tt.want {
				t.Errorf("Serves(%q) = %v, want %v", tt.handle, got, tt.want)
			}
		})
	}
}

func TestAddIsAppendOnly(t *testing.T) {
	tbl := NewTable()
	first := &fakeProvider{}
	second := &fakeProvider{}

	if !tbl.Add("peer-a", first) {
		t.Fatal("Add(peer-a) = false")
	}
	if tbl.Add("peer-a", second) {
		t.Error("re-adding peer-a should be refused")
	}
	if tbl.Add("peer-b", nil) {
		t.Error("nil provider should be refused")
	}

	p, ok := tbl.Get("peer-a")
	if !ok || p != first {
		t.Error("Get(peer-a) should return the first provider")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestPendingWaitsForInitialization(t *testing.T) {
	tbl := NewTable()
	tbl.SetPending("tel:1", func(string, []Account) {})

	if _, ok := tbl.TakePending(); ok {
		t.Fatal("TakePending() before initialization should not return the lookup")
	}
	if !tbl.HasPending() {
		t.Fatal("pending lookup was lost")
	}

	tbl.MarkInitialized()
	p, ok := tbl.TakePending()
	if !ok || p.Handle != "tel:1" {
		t.Fatalf("TakePending() = %+v, %v", p, ok)
	}
	if _, ok := tbl.TakePending(); ok {
		t.Error("second TakePending() should be empty")
	}
}

func TestPendingIsSuperseded(t *testing.T) {
	tbl := NewTable()
	tbl.SetPending("tel:A", nil)
	tbl.SetPending("tel:B", nil)
	tbl.MarkInitialized()

	p, ok := tbl.TakePending()
	if !ok || p.Handle != "tel:B" {
		t.Errorf("TakePending() = %+v, want handle tel:B", p)
	}
}

func TestAccountsMergesAndSkipsFailures(t *testing.T) {
	tbl := NewTable()
	tbl.Add("peer-a", &fakeProvider{accounts: []Account{{ID: "a1", Schemes: []string{"tel"}}}})
	tbl.Add("peer-b", &fakeProvider{err: errors.New("unreachable")})
	tbl.Add("peer-c", &fakeProvider{accounts: []Account{
		{ID: "c1", Schemes: []string{"tel"}},
		{ID: "c2", Schemes: []string{"sip"}},
	}})

	got := tbl.Accounts(context.Background(), "tel:555")
	if len(got) != 2 {
		t.Fatalf("Accounts() = %+v, want 2 accounts", got)
	}
	if got[0].ID != "a1" || got[0].Provider != "peer-a" {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].ID != "c1" || got[1].Provider != "peer-c" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestRoute(t *testing.T) {
	tbl := NewTable()
	sipOnly := &fakeProvider{accounts: []Account{{ID: "s", Schemes: []string{"sip"}}}}
	telOnly := &fakeProvider{accounts: []Account{{ID: "t", Schemes: []string{"tel"}}}}
	tbl.Add("sip-peer", sipOnly)
	tbl.Add("tel-peer", telOnly)
	ctx := context.Background()

	name, p, err := tbl.Route(ctx, connection.NewRequest("call-1", "tel:555", nil))
	if err != nil || name != "tel-peer" || p != telOnly {
		t.Errorf("Route(tel) = %q, %v, %v", name, p, err)
	}

	name, _, err = tbl.Route(ctx, connection.NewRequest("call-2", "tel:555", map[string]string{ProviderExtra: "sip-peer"}))
	if err != nil || name != "sip-peer" {
		t.Errorf("Route(explicit) = %q, %v", name, err)
	}

	_, _, err = tbl.Route(ctx, connection.NewRequest("call-3", "tel:555", map[string]string{ProviderExtra: "nope"}))
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("Route(unknown) err = %v, want ErrNoProvider", err)
	}

	_, _, err = tbl.Route(ctx, connection.NewRequest("call-4", "xmpp:bob", nil))
	if !errors.Is(err, ErrNoProvider) {
		t.Errorf("Route(unserved) err = %v, want ErrNoProvider", err)
	}
}

func TestRemoteErrorUnwrap(t *testing.T) {
	base := errors.New("boom")
	err := &RemoteError{Provider: "peer-a", Op: "accounts", Err: base}
	if !errors.Is(err, base) {
		t.Error("RemoteError should unwrap to its cause")
	}
	if err.Error() != "provider peer-a: accounts: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
