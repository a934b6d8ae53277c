package scheduler

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler runs delayed callbacks. Implementations must run every callback on
// one goroutine so callbacks never race each other.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable handle for one scheduled callback.
type Timer interface {
	// Stop cancels the callback. It returns false if the callback already ran
	// or was already stopped.
	Stop() bool
}

var ErrClosed = errors.New("scheduler: loop closed")

// Loop is a single-goroutine cooperative event loop.
//
// Tasks posted with Post run in FIFO order. Timers created with AfterFunc post
// their callback into the loop when they expire; a timer stopped after that
// point is still skipped because the state check happens on the loop.
type Loop struct {
	log *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	timers map[*loopTimer]struct{}

	done chan struct{}
}

func NewLoop(log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		log:    log,
		timers: make(map[*loopTimer]struct{}),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.safeRun(fn)
	}
}

func (l *Loop) safeRun(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("scheduler task panicked", "panic", p)
		}
	}()
	fn()
}

// Post enqueues fn to run on the loop goroutine. It never blocks.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return nil
}

// AfterFunc schedules fn on the loop after d. On a closed loop the returned
// timer is already stopped.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &loopTimer{loop: l}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		t.state.Store(timerStopped)
		return t
	}
	l.timers[t] = struct{}{}
	t.timer = time.AfterFunc(d, func() {
		err := l.Post(func() {
			l.forget(t)
			if t.state.CompareAndSwap(timerArmed, timerFired) {
				fn()
			}
		})
		if err != nil {
			t.state.CompareAndSwap(timerArmed, timerStopped)
		}
	})
	return t
}

func (l *Loop) forget(t *loopTimer) {
	l.mu.Lock()
	delete(l.timers, t)
	l.mu.Unlock()
}

// Pending returns the number of armed timers.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Close stops every armed timer, runs the tasks already posted and waits for
// the loop goroutine to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	timers := make([]*loopTimer, 0, len(l.timers))
	for t := range l.timers {
		timers = append(timers, t)
	}
	l.timers = make(map[*loopTimer]struct{})
	l.cond.Broadcast()
	l.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	<-l.done
}

const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

type loopTimer struct {
	loop  *Loop
	timer *time.Timer
	state atomic.Int32
}

func (t *loopTimer) Stop() bool {
	if !t.state.CompareAndSwap(timerArmed, timerStopped) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.loop.forget(t)
	return true
}
