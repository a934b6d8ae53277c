package blob

import (
	"context"
	"errors"
	"regexp"
	"sync"
)

// Store persists one opaque blob per namespace. Every Put replaces the whole
// blob; there are no partial updates.
type Store interface {
	// Get returns nil, nil when the namespace has never been written.
	Get(ctx context.Context, ns string) ([]byte, error)
	Put(ctx context.Context, ns string, data []byte) error
}

var ErrInvalidNamespace = errors.New("blob: invalid namespace")

var nsPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

func checkNamespace(ns string) error {
	if !nsPattern.MatchString(ns) {
		return ErrInvalidNamespace
	}
	return nil
}

// MemoryStore keeps blobs in memory. Useful for tests and ephemeral runs.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, ns string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[ns]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Put(_ context.Context, ns string, data []byte) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	s.mu.Lock()
	s.blobs[ns] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}
