package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callkit-voip/internal/callstate"
	"callkit-voip/internal/calls"
	"callkit-voip/internal/eventqueue"
	"callkit-voip/internal/quality"
	"callkit-voip/internal/retry"
	"callkit-voip/internal/scheduler"
	"callkit-voip/internal/telephony"
)

// Event names emitted to the listener bridge.
const (
	EventRegistration     = "registration"
	EventTokenInvalidated = "tokenInvalidated"
	EventCallAnswered     = eventqueue.CallAnswered
	EventCallRejected     = eventqueue.CallRejected
	EventCallEnded        = "callEnded"
	EventError            = "error"
	EventIncomingCall     = "incomingCall"
)

// Bridge is the application listener bridge.
type Bridge interface {
	Emit(event string, payload map[string]string) error
	HasActiveListener(event string) bool
}

// HistorySink receives the final record of every torn down call.
type HistorySink interface {
	Record(ctx context.Context, c calls.Call, m quality.Metrics) error
}

type Config struct {
	RingTimeout    time.Duration
	QueueTTL       time.Duration
	FlushDebounce  time.Duration
	FlushInterval  time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RingTimeout:    30 * time.Second,
		QueueTTL:       eventqueue.DefaultTTL,
		FlushDebounce:  eventqueue.DefaultDebounce,
		FlushInterval:  eventqueue.DefaultInterval,
		RetryAttempts:  retry.DefaultMaxAttempts,
		RetryBaseDelay: retry.DefaultBaseDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RingTimeout <= 0 {
		c.RingTimeout = d.RingTimeout
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = d.QueueTTL
	}
	if c.FlushDebounce <= 0 {
		c.FlushDebounce = d.FlushDebounce
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = d.RetryBaseDelay
	}
	return c
}

// Deps are the collaborators of an Engine. Fallback, Tracker, History, Log,
// Now and NewID are optional.
type Deps struct {
	Sched    scheduler.Scheduler
	Store    *callstate.Store
	Queue    *eventqueue.Queue
	Native   telephony.NativeCallAdapter
	Fallback telephony.Presenter
	Bridge   Bridge
	Tracker  *quality.Tracker
	History  HistorySink
	Log      *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

var ErrMissingDependency = errors.New("engine: missing dependency")

type session struct {
	call calls.Call
	// gen identifies this instance of the connection id; timer callbacks
	// compare it before acting.
	gen      uint64
	ringing  scheduler.Timer
	fallback bool
	answered bool
}

// stopRinging cancels the ringing timer. Must be called on every transition
// away from Ringing.
func (s *session) stopRinging() {
	if s.ringing != nil {
		s.ringing.Stop()
		s.ringing = nil
	}
}

// retainedCall keeps the last snapshot of a terminal call so that events
// already queued for it can still be delivered.
type retainedCall struct {
	call calls.Call
	at   time.Time
}

// Engine owns the call registry and runs the per-call state machine.
//
// Concurrency: e.mu guards the registry only and is never held across a side
// effect; the tracker is the one leaf touched under it. e.seq orders each
// call's persisted record and lifecycle events against its teardown: a save
// re-checks the registry under seq, and teardown emits and removes under seq.
// Lock order is seq, then mu.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	sched    scheduler.Scheduler
	store    *callstate.Store
	queue    *eventqueue.Queue
	flusher  *eventqueue.Flusher
	retry    *retry.Executor
	tracker  *quality.Tracker
	native   telephony.NativeCallAdapter
	fallback telephony.Presenter
	bridge   Bridge
	history  HistorySink
	now      func() time.Time
	newID    func() string

	seq sync.Mutex

	mu       sync.Mutex
	ctx      context.Context
	sessions map[string]*session
	current  string
	retained map[string]retainedCall
	gen      uint64
	token    string
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Sched == nil || deps.Store == nil || deps.Queue == nil || deps.Native == nil || deps.Bridge == nil {
		return nil, ErrMissingDependency
	}
	cfg = cfg.withDefaults()
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Tracker == nil {
		deps.Tracker = quality.NewTracker()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}

	e := &Engine{
		cfg:      cfg,
		log:      deps.Log,
		sched:    deps.Sched,
		store:    deps.Store,
		queue:    deps.Queue,
		retry:    retry.NewExecutor(deps.Sched, cfg.RetryAttempts, cfg.RetryBaseDelay, deps.Log),
		tracker:  deps.Tracker,
		native:   deps.Native,
		fallback: deps.Fallback,
		bridge:   deps.Bridge,
		history:  deps.History,
		now:      deps.Now,
		newID:    deps.NewID,
		ctx:      context.Background(),
		sessions: make(map[string]*session),
		retained: make(map[string]retainedCall),
	}
	e.flusher = eventqueue.NewFlusher(deps.Queue, queueSink{e}, deps.Sched, cfg.FlushDebounce, cfg.FlushInterval, deps.Log)
	e.flusher.OnFlush = observeFlush
	return e, nil
}

// Init registers the routing resource (with retries), restores persisted
// calls and starts the queue flusher. ctx bounds every later background
// operation.
func (e *Engine) Init(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.retry.Run(ctx, "register-routing-resource", e.native.RegisterRoutingResource, retry.Callbacks{
		OnSuccess: func() { e.log.Info("routing resource ready") },
		OnFailure: func(err error) {
			e.log.Error("routing resource unavailable, calls will use fallback presentation", "err", err)
			if !errors.Is(err, calls.ErrRoutingResourceUnavailable) {
				err = fmt.Errorf("%w: %v", calls.ErrRoutingResourceUnavailable, err)
			}
			e.emitError(err, "")
		},
	})

	if _, err := e.RestoreOnStartup(ctx); err != nil {
		return err
	}
	e.flusher.Start(ctx)
	return nil
}

// Shutdown stops every timer. Persisted calls and queued events are kept for
// the next start.
func (e *Engine) Shutdown() {
	e.flusher.Stop()
	e.mu.Lock()
	for _, s := range e.sessions {
		s.stopRinging()
	}
	e.mu.Unlock()
	e.log.Info("engine stopped")
}

func (e *Engine) baseCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ctx
}

// Calls returns the tracked calls, oldest first.
func (e *Engine) Calls() []calls.Call {
	e.mu.Lock()
	out := make([]calls.Call, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s.call.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Call returns the tracked call for id.
func (e *Engine) Call(id string) (calls.Call, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return calls.Call{}, false
	}
	return s.call.Clone(), true
}

// Current is the connection id occupying the single call slot, if any.
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Metrics returns the quality record of a tracked call.
func (e *Engine) Metrics(id string) (quality.Metrics, bool) {
	return e.tracker.Snapshot(id)
}

// QueuedEvents lists the events waiting for a listener.
func (e *Engine) QueuedEvents(ctx context.Context) []eventqueue.Event {
	return e.queue.Pending(ctx)
}
