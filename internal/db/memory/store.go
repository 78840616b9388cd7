// Package memory is an in-process implementation of db.KVStore backed by a
// bounded LRU.
package memory

import (
	"context"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kailas-cloud/streamdex/internal/db"
)

// DefaultSize is the default number of entries kept.
const DefaultSize = 100_000

var _ db.KVStore = (*Store)(nil)

// Store keeps at most size entries, evicting the least recently used.
// A positive ttl expires entries regardless of use; per-call TTLs are not supported,
// SetWithTTL applies the store-wide ttl.
type Store struct {
	cache *expirable.LRU[string, []byte]
}

// NewStore creates an LRU store. size <= 0 selects DefaultSize, ttl <= 0 disables expiry.
func NewStore(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	return &Store{cache: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get returns a copy of the value stored at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return slices.Clone(v), nil
}

// MGet returns one value per key, nil for missing keys.
func (s *Store) MGet(_ context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([][]byte, len(keys))
	for i, k := range keys {
		if v, ok := s.cache.Get(k); ok {
			out[i] = slices.Clone(v)
		}
	}
	return out, nil
}

// Set stores a copy of value.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.cache.Add(key, slices.Clone(value))
	return nil
}

// SetWithTTL stores a copy of value under the store-wide ttl.
func (s *Store) SetWithTTL(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return s.Set(ctx, key, value)
}

// Len returns the number of live entries.
func (s *Store) Len() int { return s.cache.Len() }
