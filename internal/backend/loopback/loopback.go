// Package loopback is an in-process backend. Outgoing calls are answered
// after a fixed delay, incoming calls ring until the authority acts, and
// conferences are plain aggregates. It backs development setups and tests
// that need a live bridge without a SIP peer.
package loopback

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sebas/connbridge/internal/bridge"
	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/logger"
)

// BusyUser is the user part that makes outgoing calls fail as busy.
const BusyUser = "busy"

const callFeatures = connection.FeatureHold | connection.FeatureSupportHold |
	connection.FeatureMergeConference | connection.FeatureMute

// Backend implements bridge.Backend without any network.
//
// Thread Safety: All methods are safe for concurrent use.
type Backend struct {
	answerAfter time.Duration

	mu          sync.Mutex
	conferences map[string]*conference
	timers      map[*connection.Connection]*time.Timer
	closed      bool
}

var _ bridge.Backend = (*Backend)(nil)

// New creates a loopback backend. Outgoing calls become active after
// answerAfter; zero answers them as soon as they are returned.
func New(answerAfter time.Duration) *Backend {
	return &Backend{
		answerAfter: answerAfter,
		conferences: make(map[string]*conference),
		timers:      make(map[*connection.Connection]*time.Timer),
	}
}

// Close stops pending answer timers and ends every conference.
func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	for c, t := range b.timers {
		t.Stop()
		delete(b.timers, c)
	}
	confs := make([]*conference, 0, len(b.conferences))
	for _, conf := range b.conferences {
		confs = append(confs, conf)
	}
	b.mu.Unlock()

	for _, conf := range confs {
		b.endConference(conf, connection.CauseLocal, "shutdown")
	}
}

// Conferences returns the number of live conference aggregates.
func (b *Backend) Conferences() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conferences)
}

func (b *Backend) OnCreateOutgoingConnection(req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) {
	if isBusy(req.Address) {
		slog.Info("[Loopback] Outgoing call busy", "call_id", req.CallID, "address", logger.SafeAddress(req.Address))
		resp.OnFailure(req, connection.CauseBusy, "busy")
		return
	}

	c := connection.New(&call{b: b},
		connection.WithAddress(req.Address, connection.PresentationAllowed),
		connection.WithState(connection.StateDialing),
		connection.WithFeatures(callFeatures),
		connection.WithExtras(req.Extras),
	)
	resp.OnSuccess(req, c)

	if b.answerAfter <= 0 {
		b.answer(c)
		return
	}
	c.SetRequestingRingback(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.timers[c] = time.AfterFunc(b.answerAfter, func() { b.answer(c) })
}

func (b *Backend) answer(c *connection.Connection) {
	b.mu.Lock()
	delete(b.timers, c)
	b.mu.Unlock()

	c.SetRequestingRingback(false)
	if err := c.SetActive(); err != nil {
		slog.Debug("[Loopback] Call not answerable", "conn", c.LocalID(), "error", err)
	}
}

func (b *Backend) OnCreateIncomingConnection(req connection.Request, resp connection.Response) {
	presentation := connection.PresentationAllowed
	if req.Address == "" {
		presentation = connection.PresentationUnknown
	}
	c := connection.New(&call{b: b},
		connection.WithAddress(req.Address, presentation),
		connection.WithState(connection.StateRinging),
		connection.WithFeatures(callFeatures),
		connection.WithExtras(req.Extras),
	)
	resp.OnResult(req, c)
}

// OnCreateConferenceConnection returns the aggregate named by req.CallID,
// creating it on first use, and moves source into it.
func (b *Backend) OnCreateConferenceConnection(req connection.Request, source *connection.Connection, resp connection.Response) {
	if source == nil || source.State() == connection.StateDisconnected {
		resp.OnError(req, connection.CauseError, "source connection is not live")
		return
	}

	b.mu.Lock()
	conf, ok := b.conferences[req.CallID]
	if !ok {
		conf = &conference{id: req.CallID, members: make(map[*connection.Connection]struct{})}
		conf.conn = connection.New(&conferenceHandler{b: b, conf: conf},
			connection.WithState(connection.StateActive),
			connection.WithFeatures(connection.FeatureHold|connection.FeatureSupportHold),
		)
		b.conferences[req.CallID] = conf
	}
	conf.members[source] = struct{}{}
	b.mu.Unlock()

	if !ok {
		slog.Info("[Loopback] Conference created", "conference_id", req.CallID)
	}
	resp.OnResult(req, conf.conn)
	// The aggregate must be known before members report their parent.
	source.SetParent(conf.conn)
	source.SetConferenceCapable(false)
}

// leave removes c from whatever conference it is in. The conference ends
// when its last member leaves.
func (b *Backend) leave(c *connection.Connection) {
	b.mu.Lock()
	var empty *conference
	for id, conf := range b.conferences {
		if _, ok := conf.members[c]; !ok {
			continue
		}
		delete(conf.members, c)
		if len(conf.members) == 0 {
			delete(b.conferences, id)
			empty = conf
		}
		break
	}
	if t, ok := b.timers[c]; ok {
		t.Stop()
		delete(b.timers, c)
	}
	b.mu.Unlock()

	if empty != nil {
		end(empty.conn, connection.CauseNormal, "conference empty")
	}
}

func (b *Backend) endConference(conf *conference, cause connection.DisconnectCause, msg string) {
	b.mu.Lock()
	if b.conferences[conf.id] == conf {
		delete(b.conferences, conf.id)
	}
	members := make([]*connection.Connection, 0, len(conf.members))
	for m := range conf.members {
		members = append(members, m)
	}
	conf.members = make(map[*connection.Connection]struct{})
	b.mu.Unlock()

	for _, m := range members {
		end(m, cause, msg)
	}
	end(conf.conn, cause, msg)
}

// end disconnects and destroys c, which drops it from the bridge.
func end(c *connection.Connection, cause connection.DisconnectCause, msg string) {
	if err := c.SetDisconnected(cause, msg); err != nil {
		slog.Debug("[Loopback] Disconnect ignored", "conn", c.LocalID(), "error", err)
	}
	c.Destroy()
}

func isBusy(address string) bool {
	user := address
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[i+1:]
	}
	if i := strings.IndexByte(user, '@'); i >= 0 {
		user = user[:i]
	}
	return strings.EqualFold(user, BusyUser)
}
