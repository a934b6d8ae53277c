package quality

import (
	"sync"
	"time"
)

// End reasons recorded by the engine.
const (
	ReasonAnswered        = "answered"
	ReasonRejected        = "rejected"
	ReasonHangup          = "hangup"
	ReasonRemoteHangup    = "remote-hangup"
	ReasonTimeout         = "timeout-auto-rejected"
	ReasonSuperseded      = "superseded"
	ReasonConnectionError = "connection-failed"
)

// Metrics is the observability record for one call.
// A zero EndTime means the call is still ongoing.
type Metrics struct {
	ConnectionID string    `json:"connectionId"`
	StartTime    time.Time `json:"startTime"`
	EndTime      time.Time `json:"endTime,omitempty"`
	EndReason    string    `json:"endReason,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	RetryCount   int       `json:"retryCount"`
}

// Duration is (EndTime or now) - StartTime.
func (m Metrics) Duration(now time.Time) time.Duration {
	end := m.EndTime
	if end.IsZero() {
		end = now
	}
	if end.Before(m.StartTime) {
		return 0
	}
	return end.Sub(m.StartTime)
}

func (m Metrics) Ongoing() bool { return m.EndTime.IsZero() }

// Tracker keeps per-call metrics in memory. It has no side effects beyond its
// own map.
type Tracker struct {
	mu      sync.Mutex
	metrics map[string]*Metrics
	clock   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{metrics: make(map[string]*Metrics), clock: time.Now}
}

// WithClock overrides the time source (tests).
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	if clock != nil {
		t.clock = clock
	}
	return t
}

// Start begins tracking. Restarting an id resets its record.
func (t *Tracker) Start(id string) {
	t.StartAt(id, t.clock())
}

// StartAt begins tracking with a known start time, e.g. for restored calls.
func (t *Tracker) StartAt(id string, at time.Time) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.metrics[id] = &Metrics{ConnectionID: id, StartTime: at.UTC()}
	t.mu.Unlock()
}

// End records the end time and reason. The first reason wins.
func (t *Tracker) End(id, reason string) {
	now := t.clock().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.metrics[id]
	if !ok || !m.EndTime.IsZero() {
		return
	}
	m.EndTime = now
	m.EndReason = reason
}

func (t *Tracker) Failure(id string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.metrics[id]; ok {
		m.LastError = err.Error()
	}
}

func (t *Tracker) Retry(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.metrics[id]; ok {
		m.RetryCount++
	}
}

// Snapshot returns a copy of the metrics for id.
func (t *Tracker) Snapshot(id string) (Metrics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.metrics[id]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

func (t *Tracker) Clear(id string) {
	t.mu.Lock()
	delete(t.metrics, id)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.metrics)
}
