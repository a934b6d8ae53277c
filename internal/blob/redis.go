package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "callkit:blob:"

// RedisStore keeps each namespace under one string key. SET replaces the whole
// value atomically.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("blob: redis client is nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) Get(ctx context.Context, ns string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}
	b, err := s.rdb.Get(ctx, s.prefix+ns).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blob: redis get %s: %w", ns, err)
	}
	return b, nil
}

func (s *RedisStore) Put(ctx context.Context, ns string, data []byte) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.prefix+ns, data, 0).Err(); err != nil {
		return fmt.Errorf("blob: redis set %s: %w", ns, err)
	}
	return nil
}
