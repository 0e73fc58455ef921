// Package app wires the bridge service to its backend, authority link,
// federation peers, history store, event stream and HTTP API.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/sebas/connbridge/internal/api"
	"github.com/sebas/connbridge/internal/authority/wslink"
	"github.com/sebas/connbridge/internal/backend/loopback"
	"github.com/sebas/connbridge/internal/backend/sipline"
	"github.com/sebas/connbridge/internal/banner"
	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/federation"
	"github.com/sebas/connbridge/internal/bridge/federation/grpcpeer"
	"github.com/sebas/connbridge/internal/config"
	"github.com/sebas/connbridge/internal/events"
	"github.com/sebas/connbridge/internal/logger"
	"github.com/sebas/connbridge/internal/store"
)

// loopbackAnswerDelay is how long loopback outgoing calls ring.
const loopbackAnswerDelay = time.Second

// App is one running connbridge node.
type App struct {
	cfg *config.Config

	service   *bridge.Service
	sip       *sipline.Backend
	loopback  *loopback.Backend
	history   *store.History
	publisher events.Publisher
	link      *wslink.Link
	apiServer *api.Server

	peerServer   *grpc.Server
	peerListener net.Listener
	staticPeers  []*grpcpeer.Client
}

// mirroredService publishes every notification the authority is sent.
type mirroredService struct {
	*bridge.Service
	pub     events.Publisher
	builder *events.Builder
}

func (m mirroredService) AttachAdapter(ctx context.Context, a bridge.Adapter) error {
	return m.Service.AttachAdapter(ctx, events.Mirror(a, m.pub, m.builder))
}

// New builds every component from cfg. Nothing listens until Run.
func New(cfg *config.Config) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// Backend
	var backend bridge.Backend
	if cfg.SIP.Enabled {
		a.sip, err = sipline.New(sipline.Config{
			Bind:       cfg.SIP.Bind,
			Port:       cfg.SIP.Port,
			Advertise:  cfg.SIP.Advertise,
			PendingTTL: cfg.SIP.PendingTTL,
		}, a.offer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SIP backend: %w", err)
		}
		backend = a.sip
	} else {
		a.loopback = loopback.New(loopbackAnswerDelay)
		backend = a.loopback
	}

	// Call history
	var opts []bridge.Option
	if cfg.History.Path != "" {
		a.history, err = store.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		opts = append(opts, bridge.WithHooks(a.history))
	}

	// Static federation peers
	table := federation.NewTable()
	static := config.ParsePeers(cfg.Peer.Static)
	for _, name := range slices.Sorted(maps.Keys(static)) {
		c, err := grpcpeer.Dial(a.peerClientConfig(name, static[name]))
		if err != nil {
			return nil, fmt.Errorf("failed to dial static peer %s: %w", name, err)
		}
		a.staticPeers = append(a.staticPeers, c)
		table.Add(name, c)
	}
	opts = append(opts, bridge.WithFederation(table))

	a.service = bridge.NewService(backend, opts...)

	// Event stream
	if cfg.Events.NATSURL != "" {
		natsCfg := events.DefaultNATSConfig()
		natsCfg.URL = cfg.Events.NATSURL
		natsCfg.StreamName = cfg.Events.Stream
		ctx, cancel := context.WithTimeout(context.Background(), natsCfg.ConnectTimeout+5*time.Second)
		defer cancel()
		pub, err := events.NewNATSPublisher(ctx, natsCfg, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to connect event stream: %w", err)
		}
		a.publisher = pub
	} else {
		a.publisher = events.NewLoggingPublisher(slog.Default())
	}

	// Authority link
	a.link = wslink.New(mirroredService{
		Service: a.service,
		pub:     a.publisher,
		builder: events.NewBuilder(cfg.NodeID),
	}, wslink.Config{
		Secret: []byte(cfg.API.AuthSecret),
		Dial:   a.dialPeer,
	})

	// Federation server
	if cfg.Peer.Addr != "" {
		a.peerListener, err = net.Listen("tcp", cfg.Peer.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen for peers on %s: %w", cfg.Peer.Addr, err)
		}
		a.peerServer = grpc.NewServer()
		grpcpeer.NewServer(cfg.Peer.Name, a.localAccounts(), a.service).Register(a.peerServer)
	}

	// HTTP API; optional providers stay untyped nil when disabled.
	var history api.HistoryProvider
	if a.history != nil {
		history = a.history
	}
	var sip api.SIPProvider
	if a.sip != nil {
		sip = a.sip
	}
	a.apiServer = api.NewServer(cfg.API.Addr, cfg.NodeID, a.service, history, a.link, sip)

	return a, nil
}

func (a *App) peerClientConfig(name, addr string) grpcpeer.Config {
	pc := grpcpeer.DefaultConfig()
	pc.Name = name
	pc.Address = addr
	if a.cfg.Peer.ConnectTimeout > 0 {
		pc.CallTimeout = a.cfg.Peer.ConnectTimeout
	}
	if a.cfg.Peer.KeepaliveInterval > 0 {
		pc.KeepaliveInterval = a.cfg.Peer.KeepaliveInterval
	}
	if a.cfg.Peer.KeepaliveTimeout > 0 {
		pc.KeepaliveTimeout = a.cfg.Peer.KeepaliveTimeout
	}
	if a.cfg.Peer.MaxInFlight > 0 {
		pc.MaxInFlight = a.cfg.Peer.MaxInFlight
	}
	return pc
}

func (a *App) dialPeer(name, addr string) (federation.Provider, error) {
	c, err := grpcpeer.Dial(a.peerClientConfig(name, addr))
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) localAccounts() []federation.Account {
	accounts := make([]federation.Account, 0, len(a.cfg.Peer.Accounts))
	for _, id := range a.cfg.Peer.Accounts {
		accounts = append(accounts, federation.Account{
			Provider: a.cfg.Peer.Name,
			ID:       id,
			Schemes:  a.cfg.Peer.Schemes,
		})
	}
	return accounts
}

// offer passes an unclaimed INVITE to the authority.
func (a *App) offer(o sipline.Offer) {
	if a.link == nil || !a.link.Offer(o) {
		slog.Info("[App] No authority for inbound call, it will expire", "sip_call_id", o.SIPCallID,
			"from", logger.SafeAddress(o.From))
	}
}

// Run serves until ctx is done or a listener fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.apiServer.Run(ctx)
	})

	if a.sip != nil {
		g.Go(func() error {
			return a.sip.Serve(ctx)
		})
	}

	if a.peerServer != nil {
		g.Go(func() error {
			slog.Info("[Peer] Starting federation server", "addr", a.peerListener.Addr().String())
			if err := a.peerServer.Serve(a.peerListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("peer server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			a.peerServer.GracefulStop()
			return nil
		})
	}

	return g.Wait()
}

// Reload applies the settings that can change without a restart.
func (a *App) Reload(cfg *config.Config) {
	logger.SetLevel(cfg.Log.Level)
	logger.SetPII(cfg.Log.PII)
	slog.Info("[App] Configuration reloaded", "level", logger.GetLevel(), "pii", cfg.Log.PII)
}

// Close releases everything New created. It is safe on a partially built
// App. Backends hang up first so the service and history still see the
// final disconnects.
func (a *App) Close() {
	if a.link != nil {
		a.link.Close()
	}
	if a.peerServer != nil {
		a.peerServer.Stop()
	} else if a.peerListener != nil {
		_ = a.peerListener.Close()
	}

	if a.sip != nil {
		a.sip.Close()
	}
	if a.loopback != nil {
		a.loopback.Close()
	}
	if a.service != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.service.Sync(ctx); err != nil {
			slog.Warn("[App] Bridge not drained", "error", err)
		}
		cancel()
		a.service.Close()
	}
	if a.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.history.Sync(ctx); err != nil {
			slog.Warn("[App] History not synced", "error", err)
		}
		cancel()
		if err := a.history.Close(); err != nil {
			slog.Warn("[App] Failed to close history", "error", err)
		}
		a.history = nil
	}

	for _, c := range a.staticPeers {
		if err := c.Close(); err != nil {
			slog.Debug("[App] Failed to close peer client", "peer", c.Name(), "error", err)
		}
	}
	a.staticPeers = nil

	if a.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.publisher.Flush(ctx); err != nil {
			slog.Warn("[App] Failed to flush events", "error", err)
		}
		if err := a.publisher.Close(); err != nil {
			slog.Warn("[App] Failed to close event publisher", "error", err)
		}
		a.publisher = nil
	}
}

// PrintBanner writes the startup banner with the effective configuration.
func (a *App) PrintBanner(w io.Writer, version string) {
	backend := "loopback"
	if a.sip != nil {
		backend = fmt.Sprintf("sip %s:%d (advertise %s)", a.cfg.SIP.Bind, a.cfg.SIP.Port, a.cfg.SIP.Advertise)
	}
	auth := "disabled"
	if a.cfg.API.AuthSecret != "" {
		auth = "HS256 bearer"
	}
	events := "log"
	if a.cfg.Events.NATSURL != "" {
		events = a.cfg.Events.NATSURL + " stream " + a.cfg.Events.Stream
	}
	peers := make([]string, 0, len(a.staticPeers))
	for _, c := range a.staticPeers {
		peers = append(peers, c.Name())
	}

	banner.Print(w, "connbridge "+version, []banner.ConfigLine{
		{Label: "Node", Value: a.cfg.NodeID},
		{Label: "API", Value: a.cfg.API.Addr},
		{Label: "Auth", Value: auth},
		{Label: "Backend", Value: backend},
		{Label: "Peer", Value: a.cfg.Peer.Addr},
		{Label: "Accounts", Value: strconv.Itoa(len(a.cfg.Peer.Accounts))},
		{Label: "Static", Value: strings.Join(peers, ",")},
		{Label: "History", Value: a.cfg.History.Path},
		{Label: "Events", Value: events},
		{Label: "Log level", Value: logger.GetLevel()},
	})
}
