package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"callkit-voip/internal/scheduler"
)

type fakeTimer struct {
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type fakeSched struct {
	timers []*fakeTimer
}

func (s *fakeSched) AfterFunc(d time.Duration, fn func()) scheduler.Timer {
	t := &fakeTimer{d: d, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fireNext runs the oldest armed timer.
func (s *fakeSched) fireNext(t *testing.T) time.Duration {
	t.Helper()
	for len(s.timers) > 0 {
		tm := s.timers[0]
		s.timers = s.timers[1:]
		if tm.stopped {
			continue
		}
		tm.stopped = true
		tm.fn()
		return tm.d
	}
	t.Fatalf("no armed timer")
	return 0
}

func TestRun_SucceedsFirstTry(t *testing.T) {
	s := &fakeSched{}
	e := NewExecutor(s, 0, 0, nil)

	var ok, failed bool
	e.Run(context.Background(), "op", func(context.Context) error { return nil }, Callbacks{
		OnSuccess: func() { ok = true },
		OnFailure: func(error) { failed = true },
	})
	if !ok || failed {
		t.Fatalf("expected immediate success, ok=%v failed=%v", ok, failed)
	}
	if len(s.timers) != 0 {
		t.Fatalf("no retry should be scheduled")
	}
}

func TestRun_RetriesWithBackoffThenSucceeds(t *testing.T) {
	s := &fakeSched{}
	e := NewExecutor(s, 3, time.Second, nil)

	calls := 0
	var retries []int
	var ok bool
	e.Run(context.Background(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, Callbacks{
		OnRetry:   func(n int, _ error) { retries = append(retries, n) },
		OnSuccess: func() { ok = true },
	})

	if calls != 1 {
		t.Fatalf("first attempt must run inline, calls=%d", calls)
	}
	if d := s.fireNext(t); d != time.Second {
		t.Fatalf("expected 1s backoff, got %v", d)
	}
	if d := s.fireNext(t); d != 2*time.Second {
		t.Fatalf("expected 2s backoff, got %v", d)
	}
	if !ok || calls != 3 {
		t.Fatalf("expected success on third attempt, ok=%v calls=%d", ok, calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("unexpected retry callbacks %v", retries)
	}
}

func TestRun_GivesUpAfterMaxAttempts(t *testing.T) {
	s := &fakeSched{}
	e := NewExecutor(s, 3, 10*time.Millisecond, nil)

	boom := errors.New("boom")
	calls := 0
	var last error
	e.Run(context.Background(), "op", func(context.Context) error {
		calls++
		return boom
	}, Callbacks{OnFailure: func(err error) { last = err }})

	s.fireNext(t)
	s.fireNext(t)
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !errors.Is(last, boom) {
		t.Fatalf("expected last error reported, got %v", last)
	}
	if len(s.timers) != 0 {
		t.Fatalf("no further retry should be scheduled after the last attempt")
	}
}

func TestRun_PermanentStopsImmediately(t *testing.T) {
	s := &fakeSched{}
	e := NewExecutor(s, 3, time.Second, nil)

	denied := errors.New("denied")
	var last error
	e.Run(context.Background(), "op", func(context.Context) error {
		return Permanent(denied)
	}, Callbacks{OnFailure: func(err error) { last = err }})

	if last != denied {
		t.Fatalf("expected unwrapped permanent error, got %v", last)
	}
	if len(s.timers) != 0 {
		t.Fatalf("permanent error must not be retried")
	}
}

func TestRun_CancelledContextFailsPendingRetry(t *testing.T) {
	s := &fakeSched{}
	e := NewExecutor(s, 3, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	var last error
	e.Run(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("transient")
	}, Callbacks{OnFailure: func(err error) { last = err }})

	cancel()
	s.fireNext(t)
	if calls != 1 {
		t.Fatalf("cancelled context must not run another attempt, calls=%d", calls)
	}
	if !errors.Is(last, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", last)
	}
}

func TestBackoff(t *testing.T) {
	e := NewExecutor(&fakeSched{}, 3, time.Second, nil)
	if e.Backoff(0) != time.Second || e.Backoff(1) != time.Second || e.Backoff(3) != 4*time.Second {
		t.Fatalf("unexpected backoff %v %v %v", e.Backoff(0), e.Backoff(1), e.Backoff(3))
	}
	if Permanent(nil) != nil {
		t.Fatalf("Permanent(nil) must be nil")
	}
}
