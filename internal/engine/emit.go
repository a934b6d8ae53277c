package engine

import (
	"context"

	"callkit-voip/internal/calls"
	"callkit-voip/internal/eventqueue"
	"callkit-voip/internal/metrics"
)

// emitQueued delivers a correctness-relevant event. It goes straight to the
// bridge only when a listener is ready and nothing older is waiting;
// otherwise it is queued so ordering is preserved.
func (e *Engine) emitQueued(ctx context.Context, name string, c calls.Call) {
	if e.bridge.HasActiveListener(name) && len(e.queue.Pending(ctx)) == 0 {
		err := e.bridge.Emit(name, c.Payload())
		if err == nil {
			metrics.IncEmitted(name, false)
			return
		}
		e.log.Warn("direct emit failed, queueing", "event", name, "connection_id", c.ConnectionID, "err", err)
	}

	if _, err := e.queue.Enqueue(ctx, name, c.ConnectionID); err != nil {
		metrics.PersistenceErrors.WithLabelValues(eventqueue.Namespace).Inc()
		e.log.Error("queued event not persisted", "event", name, "connection_id", c.ConnectionID, "err", err)
	}
	metrics.EventsQueued.WithLabelValues(name).Inc()
	e.flusher.Kick()
}

// emitDirect is best effort: a missing listener or a bridge error loses the
// event.
func (e *Engine) emitDirect(name string, payload map[string]string) {
	if err := e.bridge.Emit(name, payload); err != nil {
		e.log.Warn("event not delivered", "event", name, "err", err)
		return
	}
	metrics.IncEmitted(name, false)
}

func (e *Engine) emitError(err error, connectionID string) {
	p := map[string]string{
		"code":    calls.Code(err),
		"message": err.Error(),
	}
	if connectionID != "" {
		p[calls.KeyConnectionID] = connectionID
	}
	e.emitDirect(EventError, p)
}

// ListenerReady is called by the bridge when a listener for event attaches.
func (e *Engine) ListenerReady(event string) {
	e.flusher.Notify()
	if event != EventRegistration {
		return
	}
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()
	if token != "" {
		e.emitDirect(EventRegistration, map[string]string{"token": token})
	}
}

// Registered caches the push token and announces it.
func (e *Engine) Registered(token string) {
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()
	e.log.Info("push token registered")
	e.emitDirect(EventRegistration, map[string]string{"token": token})
}

// TokenInvalidated forgets the cached push token.
func (e *Engine) TokenInvalidated() {
	e.mu.Lock()
	e.token = ""
	e.mu.Unlock()
	e.log.Info("push token invalidated")
	e.emitDirect(EventTokenInvalidated, map[string]string{})
}

// Token is the cached push token.
func (e *Engine) Token() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

// lookup finds a call that events can still be delivered for: a live
// session, or a terminal one retained for the queue TTL.
func (e *Engine) lookup(id string) (calls.Call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[id]; ok {
		return s.call.Clone(), true
	}
	r, ok := e.retained[id]
	if !ok {
		return calls.Call{}, false
	}
	if e.now().Sub(r.at) > e.cfg.QueueTTL {
		delete(e.retained, id)
		return calls.Call{}, false
	}
	return r.call.Clone(), true
}

func (e *Engine) retainLocked(c calls.Call) {
	now := e.now()
	for id, r := range e.retained {
		if now.Sub(r.at) > e.cfg.QueueTTL {
			delete(e.retained, id)
		}
	}
	e.retained[c.ConnectionID] = retainedCall{call: c.Clone(), at: now}
}

// queueSink adapts the engine to eventqueue.Sink.
type queueSink struct{ e *Engine }

func (q queueSink) Ready(name string) bool { return q.e.bridge.HasActiveListener(name) }

func (q queueSink) Exists(id string) bool {
	_, ok := q.e.lookup(id)
	return ok
}

func (q queueSink) Deliver(_ context.Context, ev eventqueue.Event) error {
	c, ok := q.e.lookup(ev.ConnectionID)
	if !ok {
		return nil
	}
	if err := q.e.bridge.Emit(ev.Name, c.Payload()); err != nil {
		return err
	}
	metrics.IncEmitted(ev.Name, true)
	return nil
}

func observeFlush(res eventqueue.FlushResult) {
	if res.Dropped > 0 {
		metrics.QueueDropped.Add(float64(res.Dropped))
	}
}
