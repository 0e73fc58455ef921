package sipline

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sebas/connbridge/internal/bridge/connection"
)

// leg is one SIP dialog behind a connection. Handler methods are called on
// the bridge loop, so anything that waits on the network runs in its own
// goroutine.
type leg struct {
	b         *Backend
	sipCallID string
	inbound   bool
	conn      *connection.Connection

	mu         sync.Mutex
	req        *sip.Request
	tx         sip.ServerTransaction
	server     *sipgo.DialogServerSession
	client     *sipgo.DialogClientSession
	cancelDial context.CancelFunc
	answered   bool
	done       bool
}

var _ connection.Handler = (*leg)(nil)

func (l *leg) OnAnswer(*connection.Connection) {
	if !l.inbound {
		return
	}
	go l.answer()
}

func (l *leg) OnReject(*connection.Connection) {
	go l.hangup(connection.CauseRejected, "rejected", sip.StatusCode(603), "Decline")
}

func (l *leg) OnHold(c *connection.Connection) {
	// TODO: send a re-INVITE with a=sendonly once media is negotiated.
	if err := c.SetOnHold(); err != nil {
		slog.Warn("[SIP] Hold rejected", "sip_call_id", l.id(), "error", err)
	}
}

func (l *leg) OnUnhold(c *connection.Connection) {
	if err := c.SetActive(); err != nil {
		slog.Warn("[SIP] Unhold rejected", "sip_call_id", l.id(), "error", err)
	}
}

func (l *leg) OnDisconnect(*connection.Connection) {
	go l.hangup(connection.CauseLocal, "hangup", sip.StatusCode(486), "Busy Here")
}

func (l *leg) OnAbort(*connection.Connection) {
	go l.hangup(connection.CauseCanceled, "aborted", sip.StatusCode(487), "Request Terminated")
}

func (l *leg) OnPlayDTMF(_ *connection.Connection, digit rune) {
	slog.Debug("[SIP] DTMF requested", "sip_call_id", l.id(), "digit", string(digit))
}

func (l *leg) OnStopDTMF(*connection.Connection) {}

func (l *leg) OnSetAudioState(_ *connection.Connection, state connection.AudioState) {
	slog.Debug("[SIP] Audio state", "sip_call_id", l.id(), "muted", state.Muted, "route", state.Route)
}

func (l *leg) OnPostDialContinue(_ *connection.Connection, proceed bool) {
	slog.Debug("[SIP] Post-dial continue", "sip_call_id", l.id(), "proceed", proceed)
}

func (l *leg) id() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sipCallID
}

// answer accepts a claimed INVITE with an inactive SDP answer.
func (l *leg) answer() {
	l.mu.Lock()
	if l.done || l.answered {
		l.mu.Unlock()
		return
	}
	req, tx := l.req, l.tx
	l.mu.Unlock()

	body, err := buildAnswer(req.Body(), l.b.cfg.Advertise)
	if err != nil {
		slog.Warn("[SIP] Cannot answer INVITE", "sip_call_id", l.sipCallID, "error", err)
		l.hangup(connection.CauseError, err.Error(), sip.StatusCode(488), "Not Acceptable Here")
		return
	}

	sess, err := l.b.dialogUA.ReadInvite(req, tx)
	if err != nil {
		slog.Warn("[SIP] Cannot create dialog", "sip_call_id", l.sipCallID, "error", err)
		l.hangup(connection.CauseError, err.Error(), sip.StatusCode(500), "Server Internal Error")
		return
	}
	if err := sess.RespondSDP(body); err != nil {
		slog.Warn("[SIP] Failed to send 200 OK", "sip_call_id", l.sipCallID, "error", err)
		sess.Close()
		l.finish(connection.CauseError, err.Error())
		return
	}

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		l.bye(sess.Bye)
		sess.Close()
		return
	}
	l.server = sess
	l.answered = true
	l.mu.Unlock()

	slog.Info("[SIP] Call answered", "sip_call_id", l.sipCallID)
	if err := l.conn.SetActive(); err != nil {
		slog.Warn("[SIP] Unexpected state on answer", "sip_call_id", l.sipCallID, "error", err)
	}
}

// hangup ends the leg from our side: BYE once answered, a final response
// for an unanswered inbound INVITE, CANCEL for an unanswered outbound one.
func (l *leg) hangup(cause connection.DisconnectCause, msg string, code sip.StatusCode, reason string) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	answered, server, client := l.answered, l.server, l.client
	req, tx, cancelDial := l.req, l.tx, l.cancelDial
	l.mu.Unlock()

	switch {
	case answered && server != nil:
		l.bye(server.Bye)
	case answered && client != nil:
		l.bye(client.Bye)
	case l.inbound:
		respond(req, tx, code, reason)
	case cancelDial != nil:
		cancelDial()
	}
	l.finish(cause, msg)
}

func (l *leg) bye(send func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), byeTimeout)
	defer cancel()
	if err := send(ctx); err != nil {
		slog.Warn("[SIP] BYE failed", "sip_call_id", l.id(), "error", err)
	}
}

// finish runs once per leg. The connection is disconnected and destroyed
// so the bridge drops it from the registry.
func (l *leg) finish(cause connection.DisconnectCause, msg string) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	id, server, client, cancelDial := l.sipCallID, l.server, l.client, l.cancelDial
	l.mu.Unlock()

	l.b.forget(id, l)
	if cancelDial != nil {
		cancelDial()
	}
	if server != nil {
		server.Close()
	}
	if client != nil {
		client.Close()
	}

	slog.Info("[SIP] Call ended", "sip_call_id", id, "cause", cause, "message", msg)
	if err := l.conn.SetDisconnected(cause, msg); err != nil {
		slog.Warn("[SIP] Unexpected state on disconnect", "sip_call_id", id, "error", err)
	}
	l.conn.Destroy()
}

// dial places the outgoing INVITE and waits for a final response.
func (l *leg) dial(ctx context.Context, target sip.Uri) {
	body, err := buildOffer(l.b.cfg.Advertise)
	if err != nil {
		l.finish(connection.CauseError, err.Error())
		return
	}

	sess, err := l.b.dialogUA.Invite(ctx, target, body)
	if err != nil {
		cause, msg := failureFor(err)
		slog.Warn("[SIP] INVITE failed", "error", err)
		l.finish(cause, msg)
		return
	}

	l.mu.Lock()
	l.client = sess
	l.sipCallID = callIDOf(sess.InviteRequest)
	aborted := l.done
	l.mu.Unlock()
	if aborted {
		sess.Close()
		return
	}
	l.b.track(l.sipCallID, l)
	slog.Info("[SIP] INVITE sent", "sip_call_id", l.sipCallID)

	err = sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			switch res.StatusCode {
			case 180, 183:
				l.conn.SetRequestingRingback(true)
			}
			return nil
		},
	})
	if err != nil {
		cause, msg := failureFor(err)
		slog.Info("[SIP] Call not answered", "sip_call_id", l.sipCallID, "cause", cause, "error", err)
		l.finish(cause, msg)
		return
	}

	if err := sess.Ack(ctx); err != nil {
		slog.Warn("[SIP] ACK failed", "sip_call_id", l.sipCallID, "error", err)
		l.finish(connection.CauseError, err.Error())
		return
	}

	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		l.bye(sess.Bye)
		return
	}
	l.answered = true
	l.mu.Unlock()

	l.conn.SetRequestingRingback(false)
	if err := l.conn.SetActive(); err != nil {
		slog.Warn("[SIP] Unexpected state on answer", "sip_call_id", l.sipCallID, "error", err)
	}
	slog.Info("[SIP] Call answered", "sip_call_id", l.sipCallID)
}

func (l *leg) readAck(req *sip.Request, tx sip.ServerTransaction) {
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()
	if server == nil {
		return
	}
	if err := server.ReadAck(req, tx); err != nil {
		slog.Debug("[SIP] ACK not matched", "sip_call_id", l.id(), "error", err)
	}
}

func (l *leg) remoteBye(req *sip.Request, tx sip.ServerTransaction) {
	l.mu.Lock()
	server, client := l.server, l.client
	l.mu.Unlock()

	var err error
	switch {
	case server != nil:
		err = server.ReadBye(req, tx)
	case client != nil:
		err = client.ReadBye(req, tx)
	default:
		respond(req, tx, sip.StatusOK, "OK")
	}
	if err != nil {
		slog.Debug("[SIP] BYE not matched", "sip_call_id", l.id(), "error", err)
		respond(req, tx, sip.StatusOK, "OK")
	}
	l.finish(connection.CauseRemote, "BYE")
}

func (l *leg) remoteCancel() {
	l.mu.Lock()
	answered, req, tx := l.answered, l.req, l.tx
	l.mu.Unlock()
	if answered {
		return
	}
	if l.inbound {
		respond(req, tx, sip.StatusCode(487), "Request Terminated")
	}
	l.finish(connection.CauseRemote, "canceled by caller")
}

// failureFor maps a dial error to a disconnect cause.
func failureFor(err error) (connection.DisconnectCause, string) {
	var dialogErr *sipgo.ErrDialogResponse
	if errors.As(err, &dialogErr) && dialogErr.Res != nil {
		return causeForStatus(int(dialogErr.Res.StatusCode)), dialogErr.Res.Reason
	}
	if errors.Is(err, context.Canceled) {
		return connection.CauseCanceled, "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return connection.CauseError, "no answer"
	}
	return connection.CauseError, err.Error()
}

func causeForStatus(code int) connection.DisconnectCause {
	switch code {
	case 486, 600:
		return connection.CauseBusy
	case 603:
		return connection.CauseRejected
	case 487:
		return connection.CauseCanceled
	default:
		return connection.CauseError
	}
}
