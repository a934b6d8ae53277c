package engine

import (
	"context"

	"callkit-voip/internal/calls"
	"callkit-voip/internal/metrics"
	"callkit-voip/internal/quality"
	"callkit-voip/internal/retry"
	"callkit-voip/internal/telephony"
)

// HandleSignal dispatches an inbound push payload: stopCall ends every tracked
// call, anything else starts an incoming call.
func (e *Engine) HandleSignal(ctx context.Context, payload map[string]string) (string, error) {
	if calls.IsStopSignal(payload) {
		n := e.RemoteHangupAll(ctx)
		e.log.Info("stop signal handled", "ended", n)
		return "", nil
	}
	return e.StartIncomingCall(ctx, payload)
}

// StartIncomingCall normalizes payload, supersedes the current call, persists
// the new call and presents it. The returned id is Ringing and persisted when
// this returns. A repeated signal for a live connection id is a no-op.
func (e *Engine) StartIncomingCall(ctx context.Context, payload map[string]string) (string, error) {
	c, err := calls.FromPayload(payload, e.newID, e.now())
	if err != nil {
		metrics.InvalidPayloads.Inc()
		e.log.Warn("dropping invalid call signal", "err", err)
		return "", err
	}
	id := c.ConnectionID

	var s *session
	for {
		e.mu.Lock()
		if existing, ok := e.sessions[id]; ok && existing.call.State.IsLive() {
			e.mu.Unlock()
			e.log.Info("duplicate call signal ignored", "connection_id", id)
			return id, nil
		}
		prev := e.detachCurrentLocked()
		if prev == nil {
			e.gen++
			s = &session{call: c, gen: e.gen}
			e.sessions[id] = s
			e.current = id
			e.tracker.Start(id)
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
		e.supersede(ctx, prev, id)
	}

	if err := e.persistLive(ctx, id, s.gen); err != nil {
		metrics.PersistenceErrors.WithLabelValues("active_calls").Inc()
		e.log.Error("call state not persisted, retrying in background", "connection_id", id, "err", err)
		e.retrySave(id, s.gen)
	}
	metrics.CallsStarted.WithLabelValues(string(c.Media)).Inc()
	e.log.Info("incoming call", "connection_id", id, "call_id", c.CallID, "media", c.Media)

	e.present(id, s.gen, c)
	e.armRinging(id, s.gen)
	return id, nil
}

// detachCurrentLocked removes the live current call from the registry and
// returns it, or nil when the slot is free.
func (e *Engine) detachCurrentLocked() *session {
	if e.current == "" {
		return nil
	}
	s, ok := e.sessions[e.current]
	e.current = ""
	if !ok || !s.call.State.IsLive() {
		return nil
	}
	s.stopRinging()
	s.call.State = calls.StateEnded
	delete(e.sessions, s.call.ConnectionID)
	e.retainLocked(s.call)
	return s
}

func (e *Engine) supersede(ctx context.Context, prev *session, by string) {
	e.log.Info("superseding current call", "connection_id", prev.call.ConnectionID, "by", by)
	e.finish(ctx, prev, quality.ReasonSuperseded, telephony.CauseLocal, EventCallEnded)
}

func (e *Engine) armRinging(id string, gen uint64) {
	t := e.sched.AfterFunc(e.cfg.RingTimeout, func() { e.onRingTimeout(id, gen) })

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || s.gen != gen || s.call.State != calls.StateRinging {
		t.Stop()
		return
	}
	s.stopRinging()
	s.ringing = t
}

func (e *Engine) onRingTimeout(id string, gen uint64) {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || s.gen != gen || e.current != id || s.call.State != calls.StateRinging {
		e.mu.Unlock()
		return
	}
	s.ringing = nil
	s.call.State = calls.StateFailed
	delete(e.sessions, id)
	e.current = ""
	e.retainLocked(s.call)
	ctx := e.ctx
	e.mu.Unlock()

	e.log.Info("ringing timed out, auto-rejecting", "connection_id", id)
	e.finish(ctx, s, quality.ReasonTimeout, telephony.CauseRejected, EventCallRejected)
}

// Answer moves a Ringing call to Active. Unknown or non-ringing ids are
// logged no-ops; the result reports whether the transition happened.
func (e *Engine) Answer(ctx context.Context, id string) bool {
	e.mu.Lock()
	s, ok := e.sessions[id]
	if !ok || s.call.State != calls.StateRinging {
		e.mu.Unlock()
		e.log.Warn("answer ignored", "connection_id", id, "known", ok)
		return false
	}
	s.stopRinging()
	s.call.State = calls.StateActive
	gen := s.gen
	fallback := s.fallback
	e.mu.Unlock()

	if err := e.native.MarkActive(ctx, id); err != nil {
		e.log.Warn("native mark active failed", "connection_id", id, "err", err)
	}
	if fallback && e.fallback != nil {
		if err := e.fallback.DismissNotification(ctx, id); err != nil {
			e.log.Warn("dismiss notification failed", "connection_id", id, "err", err)
		}
	}

	// A teardown that ran while the native side was busy owns the record
	// and the final event from here on.
	e.seq.Lock()
	defer e.seq.Unlock()
	c, live := e.liveCall(id, gen)
	if !live {
		e.log.Info("call ended before answer was recorded", "connection_id", id)
		return true
	}
	if err := e.store.Save(ctx, c); err != nil {
		metrics.PersistenceErrors.WithLabelValues("active_calls").Inc()
		e.log.Error("active state not persisted", "connection_id", id, "err", err)
	}
	e.log.Info("call answered", "connection_id", id)
	e.emitQueued(ctx, EventCallAnswered, c)
	return true
}

// Reject ends a Ringing call on the user's behalf.
func (e *Engine) Reject(ctx context.Context, id string) bool {
	return e.terminate(ctx, id, quality.ReasonRejected, telephony.CauseRejected, EventCallRejected, calls.StateRinging)
}

// Hangup ends a Ringing or Active call locally.
func (e *Engine) Hangup(ctx context.Context, id string) bool {
	return e.terminate(ctx, id, quality.ReasonHangup, telephony.CauseLocal, EventCallEnded, calls.StateRinging, calls.StateActive)
}

// RemoteHangup ends a Ringing or Active call because the far end left.
func (e *Engine) RemoteHangup(ctx context.Context, id string) bool {
	return e.terminate(ctx, id, quality.ReasonRemoteHangup, telephony.CauseRemote, EventCallEnded, calls.StateRinging, calls.StateActive)
}

// RemoteHangupAll ends every tracked call and returns how many were ended.
func (e *Engine) RemoteHangupAll(ctx context.Context) int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	n := 0
	for _, id := range ids {
		if e.RemoteHangup(ctx, id) {
			n++
		}
	}
	return n
}

// ConnectionCreationFailed tears a call down after the native layer refused
// to create its connection.
func (e *Engine) ConnectionCreationFailed(ctx context.Context, id string) bool {
	s := e.detach(id, calls.StateFailed, calls.StateRinging, calls.StateActive)
	if s == nil {
		e.log.Warn("connection failure for unknown call", "connection_id", id)
		return false
	}
	e.tracker.Failure(id, calls.ErrConnectionCreationFailed)
	e.emitError(calls.ErrConnectionCreationFailed, id)
	e.finish(ctx, s, quality.ReasonConnectionError, telephony.CauseError, "")
	return true
}

func (e *Engine) terminate(ctx context.Context, id, reason string, cause telephony.DisconnectCause, event string, from ...calls.State) bool {
	s := e.detach(id, calls.StateEnded, from...)
	if s == nil {
		e.log.Debug("transition ignored", "connection_id", id, "reason", reason)
		return false
	}
	// An answered call that ends locally completed normally.
	if reason == quality.ReasonHangup && s.answered {
		reason = quality.ReasonAnswered
	}
	e.finish(ctx, s, reason, cause, event)
	return true
}

// detach removes id from the registry when its state is one of from, moving
// it to the terminal state to. The ringing timer is cancelled.
func (e *Engine) detach(id string, to calls.State, from ...calls.State) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil
	}
	allowed := false
	for _, st := range from {
		if s.call.State == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil
	}
	s.stopRinging()
	s.answered = s.call.State == calls.StateActive
	s.call.State = to
	delete(e.sessions, id)
	if e.current == id {
		e.current = ""
	}
	e.retainLocked(s.call)
	return s
}

// finish runs the side effects of a teardown. s is already out of the
// registry. event may be empty.
func (e *Engine) finish(ctx context.Context, s *session, reason string, cause telephony.DisconnectCause, event string) {
	c := s.call
	id := c.ConnectionID
	e.tracker.End(id, reason)

	e.seq.Lock()
	switch event {
	case EventCallAnswered, EventCallRejected:
		e.emitQueued(ctx, event, c)
	case "":
	default:
		p := c.Payload()
		p["reason"] = reason
		e.emitDirect(event, p)
	}
	e.seq.Unlock()

	if err := e.native.MarkDisconnected(ctx, id, cause); err != nil {
		e.log.Warn("native mark disconnected failed", "connection_id", id, "err", err)
	}
	if err := e.native.ReleaseConnection(ctx, id); err != nil {
		e.log.Warn("native release failed", "connection_id", id, "err", err)
	}
	if s.fallback && e.fallback != nil {
		if err := e.fallback.DismissNotification(ctx, id); err != nil {
			e.log.Warn("dismiss notification failed", "connection_id", id, "err", err)
		}
	}
	e.removeRecord(ctx, id)

	m, ok := e.tracker.Snapshot(id)
	if ok && e.history != nil {
		if err := e.history.Record(ctx, c, m); err != nil {
			e.log.Warn("call history not recorded", "connection_id", id, "err", err)
		}
	}
	e.tracker.Clear(id)
	metrics.IncCallEnded(reason)
	e.log.Info("call ended", "connection_id", id, "reason", reason, "state", c.State)
}

// RestoreOnStartup repopulates the registry from persisted state. Restored
// calls get no ringing timer: the time spent while the process was down is
// unknown, and expiring them could kill a live call.
func (e *Engine) RestoreOnStartup(ctx context.Context) (int, error) {
	recs, err := e.store.RestoreAll(ctx)
	if err != nil {
		return 0, err
	}

	restored := make([]calls.Call, 0, len(recs))
	e.mu.Lock()
	for id, c := range recs {
		if !c.State.IsLive() {
			continue
		}
		if _, ok := e.sessions[id]; ok {
			continue
		}
		e.gen++
		e.sessions[id] = &session{call: c, gen: e.gen}
		restored = append(restored, c)
	}
	var latest *calls.Call
	for i := range restored {
		if latest == nil || restored[i].CreatedAt.After(latest.CreatedAt) {
			latest = &restored[i]
		}
	}
	if latest != nil && e.current == "" {
		e.current = latest.ConnectionID
	}
	e.mu.Unlock()

	for id, c := range recs {
		if c.State.IsLive() {
			continue
		}
		if err := e.store.Remove(ctx, id); err != nil {
			e.log.Warn("stale terminal record not removed", "connection_id", id, "err", err)
		}
	}
	for _, c := range restored {
		e.tracker.StartAt(c.ConnectionID, c.CreatedAt)
	}
	e.log.Info("restored calls", "count", len(restored))
	return len(restored), nil
}

// retrySave keeps persisting a call in the background until it lands or the
// call is gone.
func (e *Engine) retrySave(id string, gen uint64) {
	ctx := e.baseCtx()
	e.retry.Run(ctx, "save-call-state", func(ctx context.Context) error {
		return e.persistLive(ctx, id, gen)
	}, retry.Callbacks{
		OnFailure: func(err error) {
			e.log.Error("giving up persisting call state", "connection_id", id, "err", err)
		},
	})
}

// persistLive saves the registry copy of call instance gen if it is still
// live. A call torn down in the meantime is never written back.
func (e *Engine) persistLive(ctx context.Context, id string, gen uint64) error {
	e.seq.Lock()
	defer e.seq.Unlock()
	c, live := e.liveCall(id, gen)
	if !live {
		return nil
	}
	return e.store.Save(ctx, c)
}

// removeRecord drops the persisted record of a torn down call unless a newer
// live call with the same id already owns it.
func (e *Engine) removeRecord(ctx context.Context, id string) {
	e.seq.Lock()
	defer e.seq.Unlock()

	e.mu.Lock()
	s, ok := e.sessions[id]
	reused := ok && s.call.State.IsLive()
	e.mu.Unlock()
	if reused {
		return
	}
	if err := e.store.Remove(ctx, id); err != nil {
		metrics.PersistenceErrors.WithLabelValues("active_calls").Inc()
		e.log.Error("call state not cleared", "connection_id", id, "err", err)
	}
}

func (e *Engine) liveCall(id string, gen uint64) (calls.Call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok || s.gen != gen || !s.call.State.IsLive() {
		return calls.Call{}, false
	}
	return s.call.Clone(), true
}
