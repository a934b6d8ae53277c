package engine

import (
	"context"
	"errors"

	"callkit-voip/internal/calls"
	"callkit-voip/internal/metrics"
	"callkit-voip/internal/retry"
)

// present shows the call through the native adapter, retrying transient
// failures. Routing and permission failures degrade to the notification
// fallback; a refused connection tears the call down.
func (e *Engine) present(id string, gen uint64, c calls.Call) {
	ctx := e.baseCtx()
	name := c.DisplayName()

	e.retry.Run(ctx, "present-incoming-call", func(ctx context.Context) error {
		if !e.isRinging(id, gen) {
			return nil
		}
		err := e.native.PresentIncomingCall(ctx, id, name)
		if calls.IsFallbackable(err) || errors.Is(err, calls.ErrConnectionCreationFailed) {
			return retry.Permanent(err)
		}
		return err
	}, retry.Callbacks{
		OnRetry: func(int, error) {
			e.tracker.Retry(id)
			metrics.PresentationRetries.Inc()
		},
		OnFailure: func(err error) {
			e.tracker.Failure(id, err)
			if errors.Is(err, calls.ErrConnectionCreationFailed) {
				e.ConnectionCreationFailed(ctx, id)
				return
			}
			e.presentFallback(ctx, id, gen, c, err)
		},
	})
}

func (e *Engine) presentFallback(ctx context.Context, id string, gen uint64, c calls.Call, cause error) {
	code := calls.Code(cause)
	e.log.Warn("native presentation unavailable, using fallback", "connection_id", id, "code", code, "err", cause)
	e.emitError(cause, id)

	if e.fallback == nil {
		e.log.Error("no fallback presenter configured", "connection_id", id)
		return
	}

	e.mu.Lock()
	s, ok := e.sessions[id]
	if ok && s.gen == gen && s.call.State == calls.StateRinging {
		s.fallback = true
	} else {
		ok = false
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if err := e.fallback.PresentNotification(ctx, id, c.DisplayName(), c.Payload()); err != nil {
		e.log.Error("fallback presentation failed", "connection_id", id, "err", err)
		return
	}
	metrics.PresentationFallbacks.WithLabelValues(code).Inc()
}

func (e *Engine) isRinging(id string, gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return ok && s.gen == gen && s.call.State == calls.StateRinging
}
