package loopback

import (
	"log/slog"

	"github.com/sebas/connbridge/internal/bridge/connection"
)

// call handles authority actions for a loopback call by moving the
// connection straight to the requested state.
type call struct {
	b *Backend
}

func (h *call) OnAnswer(c *connection.Connection) {
	if err := c.SetActive(); err != nil {
		slog.Warn("[Loopback] Answer rejected", "conn", c.LocalID(), "error", err)
	}
}

func (h *call) OnReject(c *connection.Connection) {
	h.b.leave(c)
	end(c, connection.CauseRejected, "rejected")
}

func (h *call) OnHold(c *connection.Connection) {
	if err := c.SetOnHold(); err != nil {
		slog.Warn("[Loopback] Hold rejected", "conn", c.LocalID(), "error", err)
	}
}

func (h *call) OnUnhold(c *connection.Connection) {
	if err := c.SetActive(); err != nil {
		slog.Warn("[Loopback] Unhold rejected", "conn", c.LocalID(), "error", err)
	}
}

func (h *call) OnDisconnect(c *connection.Connection) {
	h.b.leave(c)
	end(c, connection.CauseLocal, "hangup")
}

func (h *call) OnAbort(c *connection.Connection) {
	h.b.leave(c)
	end(c, connection.CauseCanceled, "aborted")
}

func (h *call) OnPlayDTMF(c *connection.Connection, digit rune) {
	slog.Debug("[Loopback] DTMF", "conn", c.LocalID(), "digit", string(digit))
}

func (h *call) OnStopDTMF(*connection.Connection) {}

func (h *call) OnSetAudioState(c *connection.Connection, state connection.AudioState) {
	slog.Debug("[Loopback] Audio state", "conn", c.LocalID(), "muted", state.Muted, "route", state.Route)
}

// OnPostDialContinue finishes the wait: the remaining digits are "sent" and
// the call stays up, or the call is dropped.
func (h *call) OnPostDialContinue(c *connection.Connection, proceed bool) {
	if proceed {
		c.SetPostDialWait("")
		return
	}
	h.b.leave(c)
	end(c, connection.CauseLocal, "post-dial canceled")
}

type conference struct {
	id      string
	conn    *connection.Connection
	members map[*connection.Connection]struct{}
}

// conferenceHandler applies actions on the aggregate to every member.
type conferenceHandler struct {
	connection.BaseHandler
	b    *Backend
	conf *conference
}

func (h *conferenceHandler) OnHold(c *connection.Connection) {
	if err := c.SetOnHold(); err != nil {
		slog.Warn("[Loopback] Conference hold rejected", "conference_id", h.conf.id, "error", err)
	}
}

func (h *conferenceHandler) OnUnhold(c *connection.Connection) {
	if err := c.SetActive(); err != nil {
		slog.Warn("[Loopback] Conference unhold rejected", "conference_id", h.conf.id, "error", err)
	}
}

func (h *conferenceHandler) OnDisconnect(*connection.Connection) {
	h.b.endConference(h.conf, connection.CauseLocal, "conference ended")
}

func (h *conferenceHandler) OnAbort(*connection.Connection) {
	h.b.endConference(h.conf, connection.CauseCanceled, "conference aborted")
}
