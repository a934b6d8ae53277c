package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Namespace holds the persisted array of queued events.
const Namespace = "event_queue"

const DefaultTTL = 30 * time.Second

// Event names that go through the durable queue.
const (
	CallAnswered = "callAnswered"
	CallRejected = "callRejected"
)

var ErrInvalidEvent = errors.New("eventqueue: invalid event")

// Event is one outbound notification awaiting delivery.
// (Name, ConnectionID, EnqueuedAt) is the dedup key.
type Event struct {
	Name         string `json:"eventName"`
	ConnectionID string `json:"connectionId"`
	// EnqueuedAt is unix milliseconds.
	EnqueuedAt int64 `json:"timestamp"`
}

type eventKey struct {
	name, id string
	at       int64
}

func (e Event) key() eventKey { return eventKey{e.Name, e.ConnectionID, e.EnqueuedAt} }

// Age is the time elapsed since the event was queued.
func (e Event) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-e.EnqueuedAt) * time.Millisecond
}

// BlobStore is the slice of blob.Store the queue needs.
type BlobStore interface {
	Get(ctx context.Context, ns string) ([]byte, error)
	Put(ctx context.Context, ns string, data []byte) error
}

// Sink receives flushed events. The queue never holds its lock while calling
// into a Sink.
type Sink interface {
	// Ready reports whether a listener for the event name is attached.
	Ready(eventName string) bool
	// Exists reports whether the target call can still be delivered to.
	Exists(connectionID string) bool
	Deliver(ctx context.Context, e Event) error
}

// Queue is the durable, deduplicated, TTL-bounded outbound queue.
//
// The in-memory list is authoritative for the running process; the persisted
// array only exists to survive a restart and is merged back on read.
type Queue struct {
	blobs BlobStore
	log   *slog.Logger
	ttl   time.Duration
	clock func() time.Time

	mu     sync.Mutex
	events []Event
	// gone holds keys removed from memory whose persisted copy may still be
	// on disk because the last write failed.
	gone map[eventKey]struct{}

	flushing atomic.Bool
}

func New(blobs BlobStore, ttl time.Duration, log *slog.Logger) *Queue {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		blobs: blobs,
		log:   log,
		ttl:   ttl,
		clock: time.Now,
		gone:  make(map[eventKey]struct{}),
	}
}

// WithClock overrides the time source (tests).
func (q *Queue) WithClock(clock func() time.Time) *Queue {
	if clock != nil {
		q.clock = clock
	}
	return q
}

// Enqueue appends an event stamped with the current time and persists the
// full snapshot. The entry stays queued in memory even if persisting fails.
func (q *Queue) Enqueue(ctx context.Context, name, connectionID string) (Event, error) {
	if name == "" || connectionID == "" {
		return Event{}, ErrInvalidEvent
	}
	e := Event{Name: name, ConnectionID: connectionID, EnqueuedAt: q.clock().UnixMilli()}

	q.mu.Lock()
	defer q.mu.Unlock()
	dup := false
	for _, x := range q.events {
		if x.key() == e.key() {
			dup = true
			break
		}
	}
	if !dup {
		q.events = append(q.events, e)
	}
	if err := q.persistLocked(ctx); err != nil {
		return e, err
	}
	q.log.Debug("event queued", "event", name, "connection_id", connectionID)
	return e, nil
}

// Pending returns every non-stale event, in-memory and persisted copies merged
// and deduplicated, oldest first.
func (q *Queue) Pending(ctx context.Context) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked(ctx, q.clock())
}

// Len is the number of in-memory entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Clear drops every entry, in memory and persisted.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.events {
		q.gone[e.key()] = struct{}{}
	}
	q.events = nil
	return q.writeLocked(ctx, nil)
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	Delivered int
	Dropped   int
	Remaining int
	// Busy is set when another flush was already running.
	Busy bool
}

// Flush tries to deliver every pending event.
//
// Stale entries and entries whose call no longer exists are dropped without
// delivery. Entries whose listener is not ready, or whose delivery failed,
// stay queued. An entry is removed only after its delivery succeeded.
func (q *Queue) Flush(ctx context.Context, sink Sink) FlushResult {
	if !q.flushing.CompareAndSwap(false, true) {
		return FlushResult{Busy: true}
	}
	defer q.flushing.Store(false)

	var res FlushResult
	for _, e := range q.Pending(ctx) {
		switch {
		case e.Age(q.clock()) > q.ttl:
			q.log.Debug("dropping stale event", "event", e.Name, "connection_id", e.ConnectionID)
			q.remove(ctx, e)
			res.Dropped++
		case !sink.Exists(e.ConnectionID):
			q.log.Debug("dropping event for unknown call", "event", e.Name, "connection_id", e.ConnectionID)
			q.remove(ctx, e)
			res.Dropped++
		case !sink.Ready(e.Name):
			res.Remaining++
		default:
			if err := sink.Deliver(ctx, e); err != nil {
				q.log.Warn("event delivery failed, keeping queued", "event", e.Name, "connection_id", e.ConnectionID, "err", err)
				res.Remaining++
				continue
			}
			q.remove(ctx, e)
			res.Delivered++
		}
	}
	return res
}

func (q *Queue) remove(ctx context.Context, e Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := e.key()
	out := q.events[:0]
	for _, x := range q.events {
		if x.key() != k {
			out = append(out, x)
		}
	}
	q.events = out
	q.gone[k] = struct{}{}
	if err := q.persistLocked(ctx); err != nil {
		q.log.Warn("event removal not persisted", "event", e.Name, "connection_id", e.ConnectionID, "err", err)
	}
}

func (q *Queue) pendingLocked(ctx context.Context, now time.Time) []Event {
	seen := make(map[eventKey]struct{}, len(q.events))
	out := make([]Event, 0, len(q.events))
	add := func(e Event) {
		k := e.key()
		if _, ok := seen[k]; ok {
			return
		}
		if _, ok := q.gone[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}
	for _, e := range q.events {
		add(e)
	}
	for _, e := range q.readPersisted(ctx) {
		add(e)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt < out[j].EnqueuedAt })

	fresh := out[:0]
	stale := make(map[eventKey]struct{})
	for _, e := range out {
		if e.Age(now) > q.ttl {
			q.log.Debug("dropping stale event", "event", e.Name, "connection_id", e.ConnectionID, "age", e.Age(now))
			stale[e.key()] = struct{}{}
			continue
		}
		fresh = append(fresh, e)
	}
	if len(stale) > 0 {
		kept := q.events[:0]
		for _, e := range q.events {
			if _, ok := stale[e.key()]; !ok {
				kept = append(kept, e)
			}
		}
		q.events = kept
	}
	return fresh
}

// persistLocked writes the union of memory and the non-stale persisted
// entries minus removed keys. On success the removed set is reset.
func (q *Queue) persistLocked(ctx context.Context) error {
	now := q.clock()
	merged := q.pendingLocked(ctx, now)
	if err := q.writeLocked(ctx, merged); err != nil {
		return err
	}
	q.gone = make(map[eventKey]struct{})
	return nil
}

func (q *Queue) writeLocked(ctx context.Context, events []Event) error {
	if events == nil {
		events = []Event{}
	}
	b, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("eventqueue: encode: %w", err)
	}
	if err := q.blobs.Put(ctx, Namespace, b); err != nil {
		return fmt.Errorf("eventqueue: persist: %w", err)
	}
	q.log.Debug("persisted event queue", "count", len(events))
	return nil
}

func (q *Queue) readPersisted(ctx context.Context) []Event {
	b, err := q.blobs.Get(ctx, Namespace)
	if err != nil {
		q.log.Warn("event queue restore failed", "err", err)
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		q.log.Error("event queue blob corrupt, ignoring", "err", err)
		return nil
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal(r, &e); err != nil || e.Name == "" || e.ConnectionID == "" {
			q.log.Warn("skipping corrupt queued event", "raw", string(r))
			continue
		}
		out = append(out, e)
	}
	return out
}
