package grpcpeer

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// fakeCreator answers every creation with a fixed outcome.
type fakeCreator struct {
	outcome string
	conn    *connection.Connection
	got     chan connection.Request
}

func (f *fakeCreator) CreateConnectionFor(_ context.Context, req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) error {
	f.got <- req
	switch f.outcome {
	case "success":
		resp.OnSuccess(req, f.conn)
	case "failure":
		resp.OnFailure(req, connection.CauseBusy, "busy here")
	case "cancel":
		resp.OnCancel(req)
	case "garbled":
		resp.OnFailure(req, connection.CauseError, "bad \xff reason")
	}
	return nil
}

func startPeer(t *testing.T, creator Creator, accounts []federation.Account) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	NewServer("peer-b", accounts, creator).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	cfg := DefaultConfig()
	cfg.Name = "peer-b"
	cfg.Address = "passthrough:///bufnet"
	cfg.CallTimeout = 2 * time.Second
	client, err := Dial(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAccountsOverGRPC(t *testing.T) {
	client := startPeer(t, &fakeCreator{got: make(chan connection.Request, 1)}, []federation.Account{
		{ID: "main", Label: "Main line", Schemes: []string{"tel"}},
		{ID: "sip", Schemes: []string{"sip"}},
	})

	accts, err := client.Accounts(context.Background(), "tel:5551234")
	if err != nil {
		t.Fatalf("Accounts() error = %v", err)
	}
	if len(accts) != 1 {
		t.Fatalf("Accounts() = %+v, want 1 account", accts)
	}
	got := accts[0]
	if got.ID != "main" || got.Label != "Main line" || got.Provider != "peer-b" {
		t.Errorf("account = %+v", got)
	}
	if len(got.Schemes) != 1 || got.Schemes[0] != "tel" {
		t.Errorf("schemes = %v", got.Schemes)
	}
}

func TestCreateConnectionOverGRPC(t *testing.T) {
	tests := []struct {
		outcome string
		check   func(t *testing.T, kind string, rc *federation.RemoteConnection, cause connection.DisconnectCause, msg string)
	}{
		{"success", func(t *testing.T, kind string, rc *federation.RemoteConnection, _ connection.DisconnectCause, _ string) {
			if kind != "success" || rc == nil {
				t.Fatalf("kind = %s, rc = %v", kind, rc)
			}
			if rc.CallID != "call-1" || rc.State != connection.CallStateDialing || rc.Provider != "peer-b" {
				t.Errorf("remote connection = %+v", rc)
			}
			if rc.Address != "" {
				t.Errorf("restricted address leaked: %q", rc.Address)
			}
		}},
		{"failure", func(t *testing.T, kind string, _ *federation.RemoteConnection, cause connection.DisconnectCause, msg string) {
			if kind != "failure" || cause != connection.CauseBusy || msg != "busy here" {
				t.Errorf("kind = %s cause = %s msg = %q", kind, cause, msg)
			}
		}},
		{"cancel", func(t *testing.T, kind string, _ *federation.RemoteConnection, _ connection.DisconnectCause, _ string) {
			if kind != "cancel" {
				t.Errorf("kind = %s, want cancel", kind)
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			conn := connection.New(nil,
				connection.WithState(connection.StateDialing),
				connection.WithAddress("tel:secret", connection.PresentationRestricted))
			creator := &fakeCreator{outcome: tt.outcome, conn: conn, got: make(chan connection.Request, 1)}
			client := startPeer(t, creator, nil)

			var (
				kind  string
				rc    *federation.RemoteConnection
				cause connection.DisconnectCause
				msg   string
			)
			req := connection.NewRequest("call-1", "tel:555", map[string]string{"k": "v"})
			client.CreateOutgoingConnection(context.Background(), req, connection.OutgoingFuncs[*federation.RemoteConnection]{
				Success: func(_ connection.Request, r *federation.RemoteConnection) { kind, rc = "success", r },
				Failure: func(_ connection.Request, c connection.DisconnectCause, m string) { kind, cause, msg = "failure", c, m },
				Cancel:  func(connection.Request) { kind = "cancel" },
			})

			sent := <-creator.got
			if sent.CallID != "call-1" || sent.Address != "tel:555" || sent.Extra("k") != "v" {
				t.Errorf("request on server = %+v", sent)
			}
			tt.check(t, kind, rc, cause, msg)
		})
	}
}

func TestUnreachablePeerFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Name = "ghost"
	cfg.Address = "passthrough:///ghost"
	cfg.CallTimeout = 200 * time.Millisecond
	client, err := Dial(cfg, grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, net.ErrClosed
	}))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	_, err = client.Accounts(context.Background(), "tel:1")
	var rerr *federation.RemoteError
	if !errors.As(err, &rerr) || rerr.Provider != "ghost" {
		t.Errorf("Accounts() err = %v, want RemoteError from ghost", err)
	}

	var msg string
	client.CreateOutgoingConnection(context.Background(), connection.NewRequest("c", "tel:1", nil),
		connection.OutgoingFuncs[*federation.RemoteConnection]{
			Failure: func(_ connection.Request, _ connection.DisconnectCause, m string) { msg = m },
		})
	if !strings.HasPrefix(msg, "provider ghost: create:") {
		t.Errorf("failure message = %q", msg)
	}
}

func TestCreateConnectionUnencodableOutcome(t *testing.T) {
	creator := &fakeCreator{outcome: "garbled", got: make(chan connection.Request, 1)}
	srv := NewServer("peer-b", nil, creator)

	in, err := encodeRequest(connection.NewRequest("call-1", "tel:555", nil))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err = srv.CreateConnection(ctx, in)
	if status.Code(err) != codes.Internal {
		t.Fatalf("CreateConnection() error = %v, want codes.Internal", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("CreateConnection() waited %v for the context instead of failing fast", time.Since(start))
	}
}
