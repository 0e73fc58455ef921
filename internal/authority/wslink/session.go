package wslink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/bridge/federation"
)

// ErrSessionClosed indicates the authority went away before answering.
var ErrSessionClosed = errors.New("authority disconnected")

// session is one authority connection. It is the bridge's Adapter while
// attached: notifications are queued to a single writer goroutine and
// never block the bridge loop.
type session struct {
	link    *Link
	ws      *websocket.Conn
	subject string

	sendCh    chan Frame
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	seq     atomic.Uint64
	mu      sync.Mutex
	queries map[string]chan []ProviderInfo
}

var _ bridge.Adapter = (*session)(nil)

func newSession(l *Link, ws *websocket.Conn, subject string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		link:    l,
		ws:      ws,
		subject: subject,
		sendCh:  make(chan Frame, sendQueueLength),
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[string]chan []ProviderInfo),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.ws.Close()
	})
}

// send queues f for the writer. An authority that cannot keep up is
// disconnected rather than allowed to stall the bridge.
func (s *session) send(f Frame) {
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.sendCh <- f:
	default:
		slog.Error("[Authority] Send queue full, dropping authority", "subject", s.subject, "type", f.Type)
		s.close()
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case f := <-s.sendCh:
			data, err := json.Marshal(f)
			if err != nil {
				slog.Error("[Authority] Failed to encode frame", "type", f.Type, "error", err)
				continue
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("[Authority] Write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) readLoop() {
	s.ws.SetReadLimit(maxFrameSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[Authority] Read failed", "subject", s.subject, "error", err)
			}
			return
		}
		if typ != websocket.TextMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.send(Frame{Type: TypeAck, Error: "invalid frame: " + err.Error()})
			continue
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
		s.handle(&f)
	}
}

// handle applies one command. Commands with an ID are acknowledged, with
// the error if the bridge refused them. A command for an unknown call is
// acknowledged without one.
func (s *session) handle(f *Frame) {
	if f.Type == TypeProviders {
		s.answerQuery(f.ID, f.Providers)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.link.cfg.CommandTimeout)
	defer cancel()

	err := s.apply(ctx, f)
	if errors.Is(err, bridge.ErrUnknownCall) {
		// Races with call teardown are expected; the authority is not told.
		slog.Debug("[Authority] Command for unknown call dropped", "type", f.Type, "call_id", f.CallID)
		err = nil
	}
	if err != nil {
		slog.Debug("[Authority] Command failed", "type", f.Type, "call_id", f.CallID, "error", err)
	}
	if f.ID == "" {
		return
	}
	ack := Frame{Type: TypeAck, ID: f.ID, CallID: f.CallID}
	if err != nil {
		ack.Error = err.Error()
	}
	s.send(ack)
}

func (s *session) apply(ctx context.Context, f *Frame) error {
	svc := s.link.svc
	switch f.Type {
	case TypeCreateOutgoing:
		return svc.CreateConnection(ctx, f.request())
	case TypeCreateIncoming:
		return svc.CreateIncomingConnection(ctx, f.request())
	case TypeCreateRemote:
		return svc.CreateRemoteOutgoingConnection(ctx, f.request(), s.remoteResponse())
	case TypeAnswer:
		return svc.Answer(ctx, f.CallID)
	case TypeReject:
		return svc.Reject(ctx, f.CallID)
	case TypeDisconnect:
		return svc.Disconnect(ctx, f.CallID)
	case TypeAbort:
		return svc.Abort(ctx, f.CallID)
	case TypeHold:
		return svc.Hold(ctx, f.CallID)
	case TypeUnhold:
		return svc.Unhold(ctx, f.CallID)
	case TypePlayDTMF:
		digit, size := utf8.DecodeRuneInString(f.Digit)
		if size == 0 || size != len(f.Digit) {
			return fmt.Errorf("play_dtmf: want exactly one digit, got %q", f.Digit)
		}
		return svc.PlayDTMF(ctx, f.CallID, digit)
	case TypeStopDTMF:
		return svc.StopDTMF(ctx, f.CallID)
	case TypeSetAudioState:
		if f.Audio == nil {
			return errors.New("set_audio_state: missing audio")
		}
		return svc.SetAudioState(ctx, f.CallID, *f.Audio)
	case TypePostDialContinue:
		if f.Flag == nil {
			return errors.New("post_dial_continue: missing flag")
		}
		return svc.PostDialContinue(ctx, f.CallID, *f.Flag)
	case TypeSetFeatures:
		if f.Features == nil {
			return errors.New("set_features: missing features")
		}
		return svc.SetFeatures(ctx, f.CallID, *f.Features)
	case TypeMergeConference:
		return svc.MergeConference(ctx, f.ConferenceID, f.CallID)
	case TypeSplitFromConference:
		return svc.SplitFromConference(ctx, f.CallID)
	case TypeLookupAccounts:
		id := f.ID
		return svc.LookupRemoteAccounts(ctx, f.Handle, func(handle string, accounts []federation.Account) {
			s.send(Frame{Type: TypeAccounts, ID: id, Handle: handle, Accounts: accounts})
		})
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

func (s *session) remoteResponse() connection.OutgoingResponse[*federation.RemoteConnection] {
	return connection.OutgoingFuncs[*federation.RemoteConnection]{
		Success: func(r connection.Request, rc *federation.RemoteConnection) {
			s.send(Frame{Type: TypeRemoteSuccess, CallID: r.CallID, Remote: rc})
		},
		Failure: func(r connection.Request, cause connection.DisconnectCause, msg string) {
			s.send(causeFrame(TypeRemoteFailed, r.CallID, cause, msg))
		},
		Cancel: func(r connection.Request) {
			s.send(Frame{Type: TypeRemoteCanceled, CallID: r.CallID})
		},
	}
}

// --- Provider discovery ---

// QueryRemoteProviders asks the authority for known bridge nodes and opens
// a provider for each.
func (s *session) QueryRemoteProviders(ctx context.Context) ([]federation.Entry, error) {
	id := "q" + strconv.FormatUint(s.seq.Add(1), 10)
	ch := make(chan []ProviderInfo, 1)
	s.mu.Lock()
	s.queries[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.queries, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, s.link.cfg.QueryTimeout)
	defer cancel()

	s.send(Frame{Type: TypeQueryProviders, ID: id})
	select {
	case infos := <-ch:
		slog.Info("[Authority] Providers reported", "count", len(infos))
		return s.link.dial(infos), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("query providers: %w", ctx.Err())
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

func (s *session) answerQuery(id string, infos []ProviderInfo) {
	s.mu.Lock()
	ch, ok := s.queries[id]
	s.mu.Unlock()
	if !ok {
		slog.Debug("[Authority] Unsolicited providers frame", "id", id)
		return
	}
	select {
	case ch <- infos:
	default:
	}
}

// --- bridge.Adapter ---

func (s *session) state(id string, st connection.CallState) {
	s.send(Frame{Type: TypeState, CallID: id, State: st})
}

func (s *session) SetActive(id string)  { s.state(id, connection.CallStateActive) }
func (s *session) SetDialing(id string) { s.state(id, connection.CallStateDialing) }
func (s *session) SetRinging(id string) { s.state(id, connection.CallStateRinging) }
func (s *session) SetOnHold(id string)  { s.state(id, connection.CallStateOnHold) }

func (s *session) SetDisconnected(id string, cause connection.DisconnectCause, msg string) {
	s.send(causeFrame(TypeDisconnected, id, cause, msg))
}

func (s *session) SetFeatures(id string, features connection.Features) {
	s.send(Frame{Type: TypeFeatures, CallID: id, Features: &features})
}

func (s *session) NotifyIncomingCall(info connection.CallInfo) {
	s.send(Frame{Type: TypeIncomingCall, CallID: info.CallID, Call: &info})
}

func (s *session) HandleSuccessfulOutgoingCall(id string) {
	s.send(Frame{Type: TypeOutgoingSuccess, CallID: id})
}

func (s *session) HandleFailedOutgoingCall(req connection.Request, cause connection.DisconnectCause, msg string) {
	s.send(causeFrame(TypeOutgoingFailed, req.CallID, cause, msg))
}

func (s *session) CancelOutgoingCall(id string) {
	s.send(Frame{Type: TypeOutgoingCanceled, CallID: id})
}

func (s *session) AddConferenceCall(id string) {
	s.send(Frame{Type: TypeConferenceAdded, ConferenceID: id, CallID: id})
}

func (s *session) SetIsConferenced(id, parentID string) {
	s.send(Frame{Type: TypeConferenced, CallID: id, ParentID: parentID})
}

func (s *session) SetCanConference(id string, capable bool) {
	s.send(Frame{Type: TypeConferenceCapable, CallID: id, Flag: boolPtr(capable)})
}

func (s *session) SetRequestingRingback(id string, ringback bool) {
	s.send(Frame{Type: TypeRingback, CallID: id, Flag: boolPtr(ringback)})
}

func (s *session) OnPostDialWait(id, remaining string) {
	s.send(Frame{Type: TypePostDialWait, CallID: id, Remaining: remaining})
}
