package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/sebas/connbridge/internal/bridge/connection"
	"github.com/sebas/connbridge/internal/logger"
)

// once guards a backend response so that only the first outcome counts.
type once struct {
	done atomic.Bool
}

func (o *once) first(callID, what string) bool {
	if o.done.CompareAndSwap(false, true) {
		return true
	}
	slog.Warn("[Bridge] Ignoring repeated backend response", "call_id", callID, "response", what)
	return false
}

// --- Creation workflows ---

// CreateConnection asks the backend to place an outgoing call. On success
// the authority is told before the connection is registered, so it never
// sees a registered but unannounced call.
func (s *Service) CreateConnection(ctx context.Context, req connection.Request) error {
	return s.CreateConnectionFor(ctx, req, nil)
}

// CreateConnectionFor is CreateConnection with the outcome also reported to
// resp, after the authority has been notified. resp may be nil.
func (s *Service) CreateConnectionFor(ctx context.Context, req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) error {
	return s.loop.exec(ctx, func() {
		slog.Info("[Bridge] Create outgoing connection", "call_id", req.CallID,
			"address", logger.SafeAddress(req.Address))

		var o once
		s.backend.OnCreateOutgoingConnection(req, connection.OutgoingFuncs[*connection.Connection]{
			Success: func(r connection.Request, c *connection.Connection) {
				if o.first(r.CallID, "success") {
					s.loop.post(func() { s.outgoingSucceeded(r, c, resp) })
				}
			},
			Failure: func(r connection.Request, cause connection.DisconnectCause, msg string) {
				if o.first(r.CallID, "failure") {
					s.loop.post(func() { s.outgoingFailed(r, cause, msg, resp) })
				}
			},
			Cancel: func(r connection.Request) {
				if o.first(r.CallID, "cancel") {
					s.loop.post(func() { s.outgoingCanceled(r, resp) })
				}
			},
		})
	})
}

func (s *Service) outgoingSucceeded(req connection.Request, c *connection.Connection, resp connection.OutgoingResponse[*connection.Connection]) {
	if c == nil {
		s.outgoingFailed(req, connection.CauseError, "backend returned no connection", resp)
		return
	}
	s.adapter.HandleSuccessfulOutgoingCall(req.CallID)
	o, err := s.add(req.CallID, c)
	if err != nil {
		c.Abort()
	} else {
		s.replay(req.CallID, c, o, true)
	}
	if resp != nil {
		resp.OnSuccess(req, c)
	}
}

func (s *Service) outgoingFailed(req connection.Request, cause connection.DisconnectCause, msg string, resp connection.OutgoingResponse[*connection.Connection]) {
	slog.Info("[Bridge] Outgoing connection failed", "call_id", req.CallID, "cause", cause, "message", msg)
	s.adapter.HandleFailedOutgoingCall(req, cause, msg)
	if resp != nil {
		resp.OnFailure(req, cause, msg)
	}
}

func (s *Service) outgoingCanceled(req connection.Request, resp connection.OutgoingResponse[*connection.Connection]) {
	slog.Info("[Bridge] Outgoing connection canceled", "call_id", req.CallID)
	s.adapter.CancelOutgoingCall(req.CallID)
	if resp != nil {
		resp.OnCancel(req)
	}
}

// CreateIncomingConnection asks the backend for the connection behind an
// incoming call. The backend must produce exactly one connection.
func (s *Service) CreateIncomingConnection(ctx context.Context, req connection.Request) error {
	return s.loop.exec(ctx, func() {
		slog.Info("[Bridge] Create incoming connection", "call_id", req.CallID,
			"address", logger.SafeAddress(req.Address))

		var o once
		s.backend.OnCreateIncomingConnection(req, connection.ResponseFuncs{
			Result: func(r connection.Request, result ...*connection.Connection) {
				if o.first(r.CallID, "result") {
					s.loop.post(func() { s.incomingResult(r, result) })
				}
			},
			Error: func(r connection.Request, cause connection.DisconnectCause, msg string) {
				if o.first(r.CallID, "error") {
					slog.Warn("[Bridge] Incoming connection failed", "call_id", r.CallID, "cause", cause, "message", msg)
				}
			},
		})
	})
}

func (s *Service) incomingResult(req connection.Request, result []*connection.Connection) {
	if len(result) != 1 || result[0] == nil {
		msg := fmt.Sprintf("created %d connections, expected 1", len(result))
		slog.Error("[Bridge] Incoming connection contract violated", "call_id", req.CallID, "count", len(result))
		s.adapter.HandleFailedOutgoingCall(req, connection.CauseError, msg)
		// Nothing was registered, so every result is an orphan.
		for _, c := range result {
			if c != nil {
				c.Abort()
			}
		}
		return
	}

	c := result[0]
	o, err := s.add(req.CallID, c)
	if err != nil {
		s.adapter.HandleFailedOutgoingCall(req, connection.CauseError, err.Error())
		c.Abort()
		return
	}

	// The requested address is reported, never the connection's own, which
	// may be presentation restricted.
	s.adapter.NotifyIncomingCall(connection.CallInfo{
		CallID:  req.CallID,
		State:   connection.CallStateOf(o.state),
		Address: req.Address,
	})
	s.replay(req.CallID, c, o, false)
}

// --- Conference ---

// MergeConference asks the backend for the conference aggregate of callID
// and registers it under conferenceID if it is new. Merging into an
// already registered aggregate is silent.
func (s *Service) MergeConference(ctx context.Context, conferenceID, callID string) error {
	var err error
	execErr := s.loop.exec(ctx, func() {
		source, ok := s.registry.Lookup(callID)
		if !ok {
			slog.Warn("[Bridge] Connection missing in conference request", "call_id", callID)
			err = fmt.Errorf("conference %s: %w: %s", conferenceID, ErrUnknownCall, callID)
			return
		}

		req := connection.NewRequest(conferenceID, "", nil)
		var o once
		s.backend.OnCreateConferenceConnection(req, source, connection.ResponseFuncs{
			Result: func(r connection.Request, result ...*connection.Connection) {
				if o.first(r.CallID, "result") {
					s.loop.post(func() { s.conferenceResult(r.CallID, result) })
				}
			},
			Error: func(r connection.Request, cause connection.DisconnectCause, msg string) {
				if o.first(r.CallID, "error") {
					slog.Debug("[Bridge] Conference creation failed", "conference_id", r.CallID, "cause", cause, "message", msg)
				}
			},
		})
	})
	if execErr != nil {
		return execErr
	}
	return err
}

func (s *Service) conferenceResult(conferenceID string, result []*connection.Connection) {
	if len(result) != 1 || result[0] == nil {
		slog.Debug("[Bridge] Conference factory returned no single result", "conference_id", conferenceID, "count", len(result))
		return
	}
	conf := result[0]
	if s.registry.Contains(conf) {
		slog.Debug("[Bridge] Merged into existing conference", "conference_id", conferenceID, "conn", conf.LocalID())
		return
	}
	slog.Info("[Bridge] Sending new conference call", "conference_id", conferenceID)
	s.adapter.AddConferenceCall(conferenceID)
	if o, err := s.add(conferenceID, conf); err == nil {
		s.replay(conferenceID, conf, o, true)
	}
}

// SplitFromConference is recognized but has no behavior yet; it resolves
// the call and returns ErrNotImplemented.
func (s *Service) SplitFromConference(ctx context.Context, id string) error {
	return s.withConnection(ctx, id, "split_from_conference", func(c *connection.Connection) error {
		// TODO: find the parent aggregate via c.Parent() and add a backend
		// split callback.
		slog.Warn("[Bridge] Split from conference is not implemented", "call_id", id)
		return ErrNotImplemented
	})
}

// --- Per-call actions ---

// withConnection resolves id on the loop and runs fn with the connection.
// An unknown id is logged and reported as ErrUnknownCall; nothing is sent
// to the authority.
func (s *Service) withConnection(ctx context.Context, id, action string, fn func(c *connection.Connection) error) error {
	var err error
	execErr := s.loop.exec(ctx, func() {
		c, ok := s.registry.Lookup(id)
		if !ok {
			slog.Warn("[Bridge] Connection not found for action", "action", action, "call_id", id)
			err = fmt.Errorf("%s %s: %w", action, id, ErrUnknownCall)
			return
		}
		slog.Debug("[Bridge] Dispatching action", "action", action, "call_id", id)
		err = fn(c)
	})
	if execErr != nil {
		return execErr
	}
	return err
}

func (s *Service) action(ctx context.Context, id, name string, fn func(c *connection.Connection)) error {
	return s.withConnection(ctx, id, name, func(c *connection.Connection) error {
		fn(c)
		return nil
	})
}

// Abort tears down a call without signalling the far end.
func (s *Service) Abort(ctx context.Context, id string) error {
	return s.action(ctx, id, "abort", (*connection.Connection).Abort)
}

// Answer answers a ringing call.
func (s *Service) Answer(ctx context.Context, id string) error {
	return s.action(ctx, id, "answer", (*connection.Connection).Answer)
}

// Reject rejects a ringing call.
func (s *Service) Reject(ctx context.Context, id string) error {
	return s.action(ctx, id, "reject", (*connection.Connection).Reject)
}

// Disconnect hangs up a call.
func (s *Service) Disconnect(ctx context.Context, id string) error {
	return s.action(ctx, id, "disconnect", (*connection.Connection).Disconnect)
}

// Hold places a call on hold.
func (s *Service) Hold(ctx context.Context, id string) error {
	return s.action(ctx, id, "hold", (*connection.Connection).Hold)
}

// Unhold resumes a held call.
func (s *Service) Unhold(ctx context.Context, id string) error {
	return s.action(ctx, id, "unhold", (*connection.Connection).Unhold)
}

// PlayDTMF starts a DTMF tone.
func (s *Service) PlayDTMF(ctx context.Context, id string, digit rune) error {
	return s.action(ctx, id, "play_dtmf", func(c *connection.Connection) { c.PlayDTMF(digit) })
}

// StopDTMF stops the current DTMF tone.
func (s *Service) StopDTMF(ctx context.Context, id string) error {
	return s.action(ctx, id, "stop_dtmf", (*connection.Connection).StopDTMF)
}

// SetAudioState pushes the authority's audio configuration.
func (s *Service) SetAudioState(ctx context.Context, id string, state connection.AudioState) error {
	return s.action(ctx, id, "set_audio_state", func(c *connection.Connection) { c.SetAudioState(state) })
}

// PostDialContinue resumes or abandons dialing after a post-dial wait.
func (s *Service) PostDialContinue(ctx context.Context, id string, proceed bool) error {
	return s.action(ctx, id, "post_dial_continue", func(c *connection.Connection) { c.PostDialContinue(proceed) })
}

// SetFeatures replaces a call's feature mask.
func (s *Service) SetFeatures(ctx context.Context, id string, features connection.Features) error {
	return s.action(ctx, id, "set_features", func(c *connection.Connection) { c.SetFeatures(features) })
}
