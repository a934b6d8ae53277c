package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"callkit-voip/internal/calls"
)

// ConnState is the adapter-side view of one native connection.
type ConnState string

const (
	ConnPresenting   ConnState = "presenting"
	ConnActive       ConnState = "active"
	ConnDisconnected ConnState = "disconnected"
)

// Connection is a snapshot of one connection held by HeadlessAdapter.
type Connection struct {
	ID          string          `json:"connectionId"`
	DisplayName string          `json:"displayName"`
	State       ConnState       `json:"state"`
	Cause       DisconnectCause `json:"cause,omitempty"`
}

// HeadlessAdapter is a NativeCallAdapter for hosts without a native call UI
// (servers, CI). It keeps connection bookkeeping and logs every transition.
//
// Until RegisterRoutingResource succeeds, presentation fails with
// calls.ErrRoutingResourceUnavailable so the engine takes the fallback path.
type HeadlessAdapter struct {
	log *slog.Logger

	// RegisterHook, when set, decides the outcome of RegisterRoutingResource.
	RegisterHook func(ctx context.Context) error

	mu         sync.Mutex
	registered bool
	conns      map[string]*Connection
}

func NewHeadlessAdapter(log *slog.Logger) *HeadlessAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &HeadlessAdapter{log: log, conns: make(map[string]*Connection)}
}

func (a *HeadlessAdapter) RegisterRoutingResource(ctx context.Context) error {
	if a.RegisterHook != nil {
		if err := a.RegisterHook(ctx); err != nil {
			return fmt.Errorf("%w: %v", calls.ErrRoutingResourceUnavailable, err)
		}
	}
	a.mu.Lock()
	a.registered = true
	a.mu.Unlock()
	a.log.Info("routing resource registered")
	return nil
}

func (a *HeadlessAdapter) PresentIncomingCall(_ context.Context, connectionID, displayName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.registered {
		return fmt.Errorf("telephony: present %s: %w", connectionID, calls.ErrRoutingResourceUnavailable)
	}
	a.conns[connectionID] = &Connection{ID: connectionID, DisplayName: displayName, State: ConnPresenting}
	a.log.Info("presenting incoming call", "connection_id", connectionID, "display_name", displayName)
	return nil
}

func (a *HeadlessAdapter) MarkActive(_ context.Context, connectionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return fmt.Errorf("telephony: mark active %s: unknown connection", connectionID)
	}
	c.State = ConnActive
	a.log.Info("connection active", "connection_id", connectionID)
	return nil
}

func (a *HeadlessAdapter) MarkDisconnected(_ context.Context, connectionID string, cause DisconnectCause) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[connectionID]
	if !ok {
		return nil
	}
	c.State = ConnDisconnected
	c.Cause = cause
	a.log.Info("connection disconnected", "connection_id", connectionID, "cause", cause)
	return nil
}

func (a *HeadlessAdapter) ReleaseConnection(_ context.Context, connectionID string) error {
	a.mu.Lock()
	delete(a.conns, connectionID)
	a.mu.Unlock()
	return nil
}

// Registered reports whether the routing resource is enabled.
func (a *HeadlessAdapter) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// Connections returns every held connection ordered by id.
func (a *HeadlessAdapter) Connections() []Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Connection, 0, len(a.conns))
	for _, c := range a.conns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
