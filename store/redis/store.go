// Package redis stores chainhook state in Redis. Entities are JSON values
// written through Grove KV; indexes, the stream cursor and rate-limit
// windows use native Redis structures on the underlying client.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/grove/kv"
	"github.com/xraph/grove/kv/drivers/redisdriver"

	"github.com/xraph/chainhook/store"
)

var _ store.Store = (*Store)(nil)

// Store is a store.Store over a Grove KV handle opened with the redis driver.
type Store struct {
	kv  *kv.Store
	rdb goredis.UniversalClient
}

// New wraps kvs. The raw client is taken from the redis driver for
// scripts and sorted sets.
func New(kvs *kv.Store) *Store {
	return &Store{kv: kvs, rdb: redisdriver.UnwrapClient(kvs)}
}

// Migrate has nothing to do: keys are created on first write.
func (s *Store) Migrate(context.Context) error { return nil }

// Ping checks Redis connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.kv.Ping(ctx) }

// Close closes the KV handle.
func (s *Store) Close() error { return s.kv.Close() }

func utcNow() time.Time { return time.Now().UTC() }

// unixScore orders sorted-set members by t with sub-second precision.
func unixScore(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// isMissing reports a key absent from either the KV layer or the raw client.
func isMissing(err error) bool {
	return errors.Is(err, kv.ErrNotFound) || errors.Is(err, goredis.Nil)
}

func (s *Store) loadJSON(ctx context.Context, key string, dest any) error {
	raw, err := s.kv.GetRaw(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (s *Store) saveJSON(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("chainhook/redis: encode %s: %w", key, err)
	}
	return s.kv.SetRaw(ctx, key, raw)
}

// page slices items by offset and limit. A non-positive limit keeps the rest.
func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
