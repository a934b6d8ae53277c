package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"callkit-voip/internal/blob"
	"callkit-voip/internal/calls"
)

// Namespace holds the connectionId -> call record object.
const Namespace = "active_calls"

var ErrInvalidCall = errors.New("callstate: invalid call")

// Store is the durable mirror of the engine's live calls, used only for crash
// recovery. The whole map is rewritten on every mutation.
//
// Corrupt entries are skipped one by one; a single bad record never fails a
// restore.
type Store struct {
	blobs blob.Store
	log   *slog.Logger

	// mu serializes read-modify-write cycles on the blob.
	mu sync.Mutex
}

func NewStore(blobs blob.Store, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{blobs: blobs, log: log}
}

// Save inserts or replaces the record for c.ConnectionID.
func (s *Store) Save(ctx context.Context, c calls.Call) error {
	if c.ConnectionID == "" {
		return ErrInvalidCall
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("callstate: encode %s: %w", c.ConnectionID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	entries[c.ConnectionID] = raw
	return s.write(ctx, entries)
}

// Remove deletes the record. Removing an unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.load(ctx)
	if err != nil {
		return err
	}
	if _, ok := entries[connectionID]; !ok {
		return nil
	}
	delete(entries, connectionID)
	return s.write(ctx, entries)
}

// RestoreAll decodes every record that parses.
func (s *Store) RestoreAll(ctx context.Context) (map[string]calls.Call, error) {
	s.mu.Lock()
	entries, err := s.load(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make(map[string]calls.Call, len(entries))
	for id, raw := range entries {
		c, err := decodeRecord(id, raw)
		if err != nil {
			s.log.Warn("skipping corrupt call record", "connection_id", id, "err", err)
			continue
		}
		out[id] = c
	}
	s.log.Debug("restored call states", "count", len(out), "skipped", len(entries)-len(out))
	return out, nil
}

// Clear drops every record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, map[string]json.RawMessage{})
}

func decodeRecord(id string, raw json.RawMessage) (calls.Call, error) {
	var c calls.Call
	if err := json.Unmarshal(raw, &c); err != nil {
		return calls.Call{}, fmt.Errorf("%w: %v", calls.ErrPersistenceCorruption, err)
	}
	if c.ConnectionID == "" {
		c.ConnectionID = id
	}
	if c.ConnectionID != id {
		return calls.Call{}, fmt.Errorf("%w: key %q holds record for %q", calls.ErrPersistenceCorruption, id, c.ConnectionID)
	}
	if c.State == "" {
		c.State = calls.StateRinging
	}
	return c, nil
}

// load reads the raw map. A blob that is not a JSON object is treated as empty
// so the next write heals it.
func (s *Store) load(ctx context.Context) (map[string]json.RawMessage, error) {
	b, err := s.blobs.Get(ctx, Namespace)
	if err != nil {
		return nil, fmt.Errorf("callstate: load: %w", err)
	}
	entries := make(map[string]json.RawMessage)
	if len(b) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(b, &entries); err != nil {
		s.log.Error("call state blob corrupt, starting empty", "err", err)
		return make(map[string]json.RawMessage), nil
	}
	return entries, nil
}

func (s *Store) write(ctx context.Context, entries map[string]json.RawMessage) error {
	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("callstate: encode: %w", err)
	}
	if err := s.blobs.Put(ctx, Namespace, b); err != nil {
		return fmt.Errorf("callstate: write: %w", err)
	}
	return nil
}
