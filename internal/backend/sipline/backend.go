// Package sipline is a SIP backend for the bridge. Inbound INVITEs are
// parked until the authority claims them with an incoming-connection
// request; outgoing requests are placed as INVITEs.
package sipline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/logger"
)

// ExtraSIPCallID is the request extra naming the parked INVITE an incoming
// connection request claims.
const ExtraSIPCallID = "sip_call_id"

const (
	dialTimeout     = 60 * time.Second
	byeTimeout      = 5 * time.Second
	cleanupInterval = time.Second
)

// Config configures the SIP backend.
type Config struct {
	Bind       string
	Port       int
	Advertise  string
	PendingTTL time.Duration
	// User is the user part of our Contact and From URIs.
	User string
}

// Offer describes a parked INVITE waiting to be claimed.
type Offer struct {
	SIPCallID   string `json:"sip_call_id"`
	From        string `json:"from"`
	To          string `json:"to"`
	DisplayName string `json:"display_name,omitempty"`
	Restricted  bool   `json:"restricted,omitempty"`
}

type inbound struct {
	req   *sip.Request
	tx    sip.ServerTransaction
	offer Offer
}

// Backend implements bridge.Backend over SIP.
//
// Thread Safety: All exported methods are safe for concurrent use.
type Backend struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	parked   *parking[string, *inbound]
	onOffer  func(Offer)

	mu   sync.Mutex
	legs map[string]*leg
}

var _ bridge.Backend = (*Backend)(nil)

// New creates the SIP user agent and registers request handlers. onOffer
// is called for every new INVITE; it may be nil.
func New(cfg Config, onOffer func(Offer)) (*Backend, error) {
	if cfg.User == "" {
		cfg.User = "connbridge"
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 32 * time.Second
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	b := &Backend{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		client: client,
		dialogUA: &sipgo.DialogUA{
			Client: client,
			ContactHDR: sip.ContactHeader{
				Address: sip.Uri{
					Scheme: "sip",
					User:   cfg.User,
					Host:   cfg.Advertise,
					Port:   cfg.Port,
				},
			},
		},
		onOffer: onOffer,
		legs:    make(map[string]*leg),
	}
	b.parked = newParking[string, *inbound](cleanupInterval, b.expireOffer)

	srv.OnRequest(sip.INVITE, b.handleInvite)
	srv.OnRequest(sip.ACK, b.handleAck)
	srv.OnRequest(sip.BYE, b.handleBye)
	srv.OnRequest(sip.CANCEL, b.handleCancel)

	slog.Info("[SIP] Handlers registered", "methods", "INVITE, ACK, BYE, CANCEL")
	return b, nil
}

// Serve listens for SIP over UDP until ctx is done.
func (b *Backend) Serve(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", b.cfg.Bind, b.cfg.Port)
	slog.Info("[SIP] Starting SIP server", "listenAddr", listenAddr, "advertise", b.cfg.Advertise)
	if err := b.srv.ListenAndServe(ctx, "udp", listenAddr); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sip listen %s: %w", listenAddr, err)
	}
	return nil
}

// Close rejects parked INVITEs, hangs up live legs and closes the user
// agent.
func (b *Backend) Close() {
	for _, in := range b.parked.Close() {
		respond(in.req, in.tx, sip.StatusCode(503), "Service Unavailable")
	}

	b.mu.Lock()
	legs := make([]*leg, 0, len(b.legs))
	for _, l := range b.legs {
		legs = append(legs, l)
	}
	b.mu.Unlock()
	for _, l := range legs {
		l.hangup(connection.CauseLocal, "shutdown", sip.StatusCode(503), "Service Unavailable")
	}

	b.ua.Close()
}

// Pending returns the number of parked INVITEs.
func (b *Backend) Pending() int { return b.parked.Len() }

// Legs returns the number of live SIP legs.
func (b *Backend) Legs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.legs)
}

// --- bridge.Backend ---

// OnCreateOutgoingConnection returns a dialing connection at once and
// places the INVITE in the background. Address errors fail the request.
func (b *Backend) OnCreateOutgoingConnection(req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) {
	target, err := parseTarget(req.Address)
	if err != nil {
		resp.OnFailure(req, connection.CauseError, err.Error())
		return
	}

	l := &leg{b: b}
	l.conn = connection.New(l,
		connection.WithAddress(req.Address, connection.PresentationAllowed),
		connection.WithState(connection.StateDialing),
		connection.WithFeatures(connection.FeatureHold|connection.FeatureSupportHold|connection.FeatureMute),
		connection.WithExtras(req.Extras),
	)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	l.cancelDial = cancel

	resp.OnSuccess(req, l.conn)
	go l.dial(ctx, target)
}

// OnCreateIncomingConnection claims the parked INVITE named by the
// request's sip_call_id extra.
func (b *Backend) OnCreateIncomingConnection(req connection.Request, resp connection.Response) {
	id := req.Extra(ExtraSIPCallID)
	if id == "" {
		resp.OnError(req, connection.CauseError, "missing "+ExtraSIPCallID)
		return
	}
	in, ok := b.parked.Take(id)
	if !ok {
		resp.OnError(req, connection.CauseError, "no pending INVITE "+id)
		return
	}

	presentation := connection.PresentationAllowed
	if in.offer.Restricted {
		presentation = connection.PresentationRestricted
	}
	l := &leg{b: b, sipCallID: id, inbound: true, req: in.req, tx: in.tx}
	l.conn = connection.New(l,
		connection.WithAddress(in.offer.From, presentation),
		connection.WithState(connection.StateRinging),
		connection.WithFeatures(connection.FeatureHold|connection.FeatureSupportHold|connection.FeatureMute),
		connection.WithExtras(req.Extras),
	)
	b.track(id, l)

	slog.Info("[SIP] INVITE claimed", "sip_call_id", id, "call_id", req.CallID)
	resp.OnResult(req, l.conn)
}

// OnCreateConferenceConnection is not supported over SIP.
func (b *Backend) OnCreateConferenceConnection(req connection.Request, _ *connection.Connection, resp connection.Response) {
	resp.OnError(req, connection.CauseError, "sip: conferencing not supported")
}

// --- Leg tracking ---

func (b *Backend) track(sipCallID string, l *leg) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.legs[sipCallID] = l
}

func (b *Backend) forget(sipCallID string, l *leg) {
	if sipCallID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.legs[sipCallID] == l {
		delete(b.legs, sipCallID)
	}
}

func (b *Backend) legFor(sipCallID string) (*leg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.legs[sipCallID]
	return l, ok
}

// --- SIP request handlers ---

func (b *Backend) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	id := callIDOf(req)
	slog.Info("[SIP] Received INVITE", "sip_call_id", id, "from", logger.SafeAddress(fromAddress(req)))

	if _, ok := b.legFor(id); ok {
		// Re-INVITE on a live dialog. Hold and media changes are not
		// negotiated here.
		respond(req, tx, sip.StatusCode(488), "Not Acceptable Here")
		return
	}

	respond(req, tx, sip.StatusTrying, "Trying")
	respond(req, tx, sip.StatusCode(180), "Ringing")

	offer := Offer{
		SIPCallID:  id,
		From:       fromAddress(req),
		Restricted: isRestricted(req),
	}
	if to := req.To(); to != nil {
		offer.To = to.Address.User
	}
	if from := req.From(); from != nil {
		offer.DisplayName = strings.Trim(from.DisplayName, "\"")
	}

	b.parked.Put(id, &inbound{req: req, tx: tx, offer: offer}, b.cfg.PendingTTL)
	if b.onOffer != nil {
		b.onOffer(offer)
	}
}

func (b *Backend) expireOffer(id string, in *inbound) {
	slog.Info("[SIP] Unclaimed INVITE expired", "sip_call_id", id)
	respond(in.req, in.tx, sip.StatusCode(480), "Temporarily Unavailable")
}

func (b *Backend) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	id := callIDOf(req)
	l, ok := b.legFor(id)
	if !ok {
		slog.Debug("[SIP] ACK for unknown dialog", "sip_call_id", id)
		return
	}
	l.readAck(req, tx)
}

func (b *Backend) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	id := callIDOf(req)
	l, ok := b.legFor(id)
	if !ok {
		respond(req, tx, sip.StatusCode(481), "Call/Transaction Does Not Exist")
		return
	}
	l.remoteBye(req, tx)
}

func (b *Backend) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	id := callIDOf(req)
	if in, ok := b.parked.Take(id); ok {
		respond(req, tx, sip.StatusOK, "OK")
		respond(in.req, in.tx, sip.StatusCode(487), "Request Terminated")
		slog.Info("[SIP] Parked INVITE canceled", "sip_call_id", id)
		return
	}
	l, ok := b.legFor(id)
	if !ok {
		respond(req, tx, sip.StatusCode(481), "Call/Transaction Does Not Exist")
		return
	}
	respond(req, tx, sip.StatusOK, "OK")
	l.remoteCancel()
}

// --- helpers ---

func respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		slog.Warn("[SIP] Failed to respond", "sip_call_id", callIDOf(req), "status", code, "error", err)
	}
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// The header's String() adds the "Call-ID: " prefix.
	return string(*req.CallID())
}

func fromAddress(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	if from.Address.User == "" {
		return from.Address.Host
	}
	return from.Address.User + "@" + from.Address.Host
}

// isRestricted reports whether the caller asked for its identity to be
// withheld (RFC 3323).
func isRestricted(req *sip.Request) bool {
	if h := req.GetHeader("Privacy"); h != nil {
		v := strings.ToLower(h.Value())
		if strings.Contains(v, "id") || strings.Contains(v, "user") {
			return true
		}
	}
	if from := req.From(); from != nil && strings.EqualFold(from.Address.User, "anonymous") {
		return true
	}
	return false
}

// parseTarget turns a request address into a SIP URI. Bare user@host
// addresses are treated as sip URIs.
func parseTarget(address string) (sip.Uri, error) {
	var uri sip.Uri
	if address == "" {
		return uri, errors.New("empty address")
	}
	raw := address
	if i := strings.IndexByte(raw, ':'); i < 0 || strings.Contains(raw[:i], "@") {
		raw = "sip:" + raw
	}
	lower := strings.ToLower(raw)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		return uri, fmt.Errorf("unsupported address %q", logger.SafeAddress(address))
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("invalid address %q: %w", logger.SafeAddress(address), err)
	}
	if uri.Host == "" {
		return uri, fmt.Errorf("address %q has no host", logger.SafeAddress(address))
	}
	return uri, nil
}
