package wslink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// Bridge is the part of bridge.Service the link drives.
type Bridge interface {
	AttachAdapter(ctx context.Context, a bridge.Adapter) error
	CreateConnection(ctx context.Context, req connection.Request) error
	CreateIncomingConnection(ctx context.Context, req connection.Request) error
	CreateRemoteOutgoingConnection(ctx context.Context, req connection.Request, resp connection.OutgoingResponse[*federation.RemoteConnection]) error
	Answer(ctx context.Context, id string) error
	Reject(ctx context.Context, id string) error
	Disconnect(ctx context.Context, id string) error
	Abort(ctx context.Context, id string) error
	Hold(ctx context.Context, id string) error
	Unhold(ctx context.Context, id string) error
	PlayDTMF(ctx context.Context, id string, digit rune) error
	StopDTMF(ctx context.Context, id string) error
	SetAudioState(ctx context.Context, id string, state connection.AudioState) error
	PostDialContinue(ctx context.Context, id string, proceed bool) error
	SetFeatures(ctx context.Context, id string, features connection.Features) error
	MergeConference(ctx context.Context, conferenceID, callID string) error
	SplitFromConference(ctx context.Context, id string) error
	LookupRemoteAccounts(ctx context.Context, handle string, r federation.Responder) error
}

var _ Bridge = (*bridge.Service)(nil)

// Dialer opens a provider for a remote node the authority reported.
type Dialer func(name, address string) (federation.Provider, error)

// Config configures a Link.
type Config struct {
	// Secret is the HS256 key for bearer tokens. Empty accepts any
	// client.
	Secret []byte
	// Dial opens discovered providers. Nil ignores them.
	Dial Dialer
	// QueryTimeout bounds how long provider discovery waits for the
	// authority.
	QueryTimeout time.Duration
	// CommandTimeout bounds each command applied to the bridge.
	CommandTimeout time.Duration
}

const (
	writeWait       = 5 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = 30 * time.Second
	maxFrameSize    = 64 << 10
	sendQueueLength = 256
)

// Link accepts the authority's WebSocket and binds it to the bridge. Only
// one authority is attached at a time; a new connection replaces the
// current one.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Link struct {
	svc      Bridge
	cfg      Config
	upgrader websocket.Upgrader
	now      func() time.Time

	mu        sync.Mutex
	current   *session
	providers []io.Closer
	closed    bool
}

// New creates a link for svc.
func New(svc Bridge, cfg Config) *Link {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &Link{
		svc: svc,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// Authorities are not browsers; the bearer token is the gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeHTTP authenticates and upgrades the authority's connection, then
// serves it until it closes.
func (l *Link) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject := "authority"
	if len(l.cfg.Secret) > 0 {
		token, err := bearerToken(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := VerifyToken(l.cfg.Secret, token, l.now())
		if err != nil {
			slog.Warn("[Authority] Rejected token", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		if claims.Subject != "" {
			subject = claims.Subject
		}
	}

	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Authority] WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(l, ws, subject)
	if !l.attach(s) {
		s.close()
		return
	}
	slog.Info("[Authority] Connected", "subject", subject, "remote", r.RemoteAddr)

	go s.writeLoop()
	s.readLoop()
	l.detach(s)
	slog.Info("[Authority] Disconnected", "subject", subject)
}

func (l *Link) attach(s *session) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	prev := l.current
	l.current = s
	l.mu.Unlock()

	if prev != nil {
		slog.Info("[Authority] Replacing connected authority", "previous", prev.subject)
		prev.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CommandTimeout)
	defer cancel()
	if err := l.svc.AttachAdapter(ctx, s); err != nil {
		slog.Error("[Authority] Failed to attach adapter", "error", err)
		l.detach(s)
		return false
	}
	return true
}

// detach drops s if it is still the current authority. A replaced
// session must not clear its successor.
func (l *Link) detach(s *session) {
	s.close()

	l.mu.Lock()
	if l.current != s {
		l.mu.Unlock()
		return
	}
	l.current = nil
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.CommandTimeout)
	defer cancel()
	if err := l.svc.AttachAdapter(ctx, bridge.NoopAdapter{}); err != nil {
		slog.Debug("[Authority] Failed to detach adapter", "error", err)
	}
}

// Connected reports whether an authority is attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil
}

// Offer forwards a pending inbound call to the authority so it can claim
// it. It reports false when no authority is attached.
func (l *Link) Offer(offer any) bool {
	raw, err := json.Marshal(offer)
	if err != nil {
		slog.Error("[Authority] Failed to encode offer", "error", err)
		return false
	}
	l.mu.Lock()
	s := l.current
	l.mu.Unlock()
	if s == nil {
		slog.Debug("[Authority] No authority for offer")
		return false
	}
	s.send(Frame{Type: TypeOffer, Offer: raw})
	return true
}

// Close disconnects the authority and closes dialed providers.
func (l *Link) Close() {
	l.mu.Lock()
	l.closed = true
	s := l.current
	providers := l.providers
	l.providers = nil
	l.mu.Unlock()

	if s != nil {
		l.detach(s)
	}
	for _, p := range providers {
		if err := p.Close(); err != nil {
			slog.Debug("[Authority] Failed to close provider", "error", err)
		}
	}
}

// dial opens the providers the authority reported. Failures are logged
// and skipped.
func (l *Link) dial(infos []ProviderInfo) []federation.Entry {
	if l.cfg.Dial == nil {
		if len(infos) > 0 {
			slog.Warn("[Authority] Ignoring reported providers, no dialer", "count", len(infos))
		}
		return nil
	}
	entries := make([]federation.Entry, 0, len(infos))
	for _, info := range infos {
		p, err := l.cfg.Dial(info.Name, info.Address)
		if err != nil {
			slog.Warn("[Authority] Cannot open provider", "provider", info.Name, "address", info.Address, "error", err)
			continue
		}
		if c, ok := p.(io.Closer); ok {
			l.mu.Lock()
			l.providers = append(l.providers, c)
			l.mu.Unlock()
		}
		entries = append(entries, federation.Entry{Name: info.Name, Provider: p})
	}
	return entries
}
