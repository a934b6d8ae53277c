package eventqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callkit-voip/internal/scheduler"
)

const (
	DefaultDebounce = 100 * time.Millisecond
	DefaultInterval = 500 * time.Millisecond
)

// Flusher decides when the queue is flushed.
//
// Notify (listener readiness) schedules a flush after the debounce window;
// further notifications inside the window are coalesced. While entries remain
// pending a poll timer re-flushes every Interval. All flushes run on the
// scheduler goroutine.
type Flusher struct {
	queue    *Queue
	sink     Sink
	sched    scheduler.Scheduler
	log      *slog.Logger
	debounce time.Duration
	interval time.Duration

	mu        sync.Mutex
	ctx       context.Context
	running   bool
	debounceT scheduler.Timer
	pollT     scheduler.Timer

	// OnFlush, when set, observes every completed flush pass.
	OnFlush func(FlushResult)
}

func NewFlusher(q *Queue, sink Sink, sched scheduler.Scheduler, debounce, interval time.Duration, log *slog.Logger) *Flusher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Flusher{
		queue:    q,
		sink:     sink,
		sched:    sched,
		log:      log,
		debounce: debounce,
		interval: interval,
		ctx:      context.Background(),
	}
}

// Start enables flushing and schedules a first pass for entries restored from
// storage.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	f.ctx = ctx
	f.running = true
	f.mu.Unlock()
	f.Notify()
}

// Stop cancels every armed timer. Queued entries stay persisted.
func (f *Flusher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	if f.debounceT != nil {
		f.debounceT.Stop()
		f.debounceT = nil
	}
	if f.pollT != nil {
		f.pollT.Stop()
		f.pollT = nil
	}
}

// Notify requests a debounced flush, typically because a listener attached.
func (f *Flusher) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running || f.debounceT != nil {
		return
	}
	f.debounceT = f.sched.AfterFunc(f.debounce, func() {
		f.mu.Lock()
		f.debounceT = nil
		f.mu.Unlock()
		f.flush()
	})
}

// Kick makes sure the safety-net poll is armed, typically after an enqueue.
func (f *Flusher) Kick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armPollLocked()
}

func (f *Flusher) armPollLocked() {
	if !f.running || f.pollT != nil {
		return
	}
	f.pollT = f.sched.AfterFunc(f.interval, func() {
		f.mu.Lock()
		f.pollT = nil
		f.mu.Unlock()
		f.flush()
	})
}

func (f *Flusher) flush() {
	f.mu.Lock()
	ctx, running := f.ctx, f.running
	f.mu.Unlock()
	if !running {
		return
	}

	res := f.queue.Flush(ctx, f.sink)
	if res.Delivered > 0 || res.Dropped > 0 {
		f.log.Debug("event queue flushed", "delivered", res.Delivered, "dropped", res.Dropped, "remaining", res.Remaining)
	}
	if f.OnFlush != nil {
		f.OnFlush(res)
	}
	if res.Remaining > 0 || res.Busy {
		f.mu.Lock()
		f.armPollLocked()
		f.mu.Unlock()
	}
}
