package grpcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// Config holds peer client configuration
type Config struct {
	Name              string
	Address           string
	CallTimeout       time.Duration
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	MaxInFlight       int64
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		CallTimeout:       10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		MaxInFlight:       16,
	}
}

// Client is a federation.Provider backed by a remote bridge node.
type Client struct {
	name    string
	conn    *grpc.ClientConn
	sem     *semaphore.Weighted
	timeout time.Duration
}

var _ federation.Provider = (*Client)(nil)

// Dial creates a client for the peer at cfg.Address. The connection is
// established lazily on the first call.
func Dial(cfg Config, extra ...grpc.DialOption) (*Client, error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer client for %s at %s: %w", cfg.Name, cfg.Address, err)
	}

	slog.Info("[Peer] Client created", "peer", cfg.Name, "address", cfg.Address)
	return &Client{
		name:    cfg.Name,
		conn:    conn,
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		timeout: cfg.CallTimeout,
	}, nil
}

// Name returns the peer name.
func (c *Client) Name() string { return c.name }

// Accounts implements federation.Provider.
func (c *Client) Accounts(ctx context.Context, handle string) ([]federation.Account, error) {
	in, err := structpb.NewStruct(map[string]any{"handle": handle})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(methodListAccounts), in, out); err != nil {
		return nil, &federation.RemoteError{Provider: c.name, Op: "list accounts", Err: err}
	}
	accts, err := decodeAccounts(c.name, out)
	if err != nil {
		return nil, &federation.RemoteError{Provider: c.name, Op: "decode accounts", Err: err}
	}
	return accts, nil
}

// CreateOutgoingConnection implements federation.Provider. The number of
// concurrent creations per peer is bounded by MaxInFlight.
func (c *Client) CreateOutgoingConnection(ctx context.Context, req connection.Request, resp connection.OutgoingResponse[*federation.RemoteConnection]) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		resp.OnFailure(req, connection.CauseError, (&federation.RemoteError{Provider: c.name, Op: "create", Err: err}).Error())
		return
	}
	defer c.sem.Release(1)

	in, err := encodeRequest(req)
	if err != nil {
		resp.OnFailure(req, connection.CauseError, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(methodCreateConnection), in, out); err != nil {
		rerr := &federation.RemoteError{Provider: c.name, Op: "create", Err: err}
		slog.Warn("[Peer] CreateConnection failed", "peer", c.name, "call_id", req.CallID, "error", err)
		resp.OnFailure(req, connection.CauseError, rerr.Error())
		return
	}

	fields := out.GetFields()
	switch result := fields["result"].GetStringValue(); result {
	case resultSuccess:
		resp.OnSuccess(req, &federation.RemoteConnection{
			Provider: c.name,
			CallID:   fields["call_id"].GetStringValue(),
			State:    connection.CallState(fields["state"].GetStringValue()),
			Address:  fields["address"].GetStringValue(),
		})
	case resultFailure:
		resp.OnFailure(req, connection.DisconnectCause(fields["cause"].GetNumberValue()), fields["message"].GetStringValue())
	case resultCancel:
		resp.OnCancel(req)
	default:
		resp.OnFailure(req, connection.CauseError, fmt.Sprintf("peer %s: unexpected result %q", c.name, result))
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
