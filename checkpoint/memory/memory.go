// Package memory provides an in-process checkpoint store backed by
// github.com/hashicorp/golang-lru/v2.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/airlock-go/checkpoint"
	lru "github.com/hashicorp/golang-lru/v2"
)

var _ checkpoint.Store = (*Store)(nil)

type item struct {
	cp        checkpoint.Checkpoint
	expiresAt *time.Time
}

func (i *item) expired(now time.Time) bool {
	return i.expiresAt != nil && now.After(*i.expiresAt)
}

// Store keeps at most maxItems checkpoints, evicting the least recently used.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *item]
}

// New creates a store bounded to maxItems entries.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, key string) (*checkpoint.Checkpoint, error) {
	if key == "" {
		return nil, checkpoint.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if it.expired(time.Now()) {
		s.cache.Remove(key)
		return nil, nil
	}
	cp := it.cp
	return &cp, nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, key string, cp checkpoint.Checkpoint, opts ...checkpoint.Option) error {
	if key == "" {
		return checkpoint.ErrInvalidKey
	}
	o := checkpoint.Apply(opts...)
	now := time.Now()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	it := &item{cp: cp}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		it.expiresAt = &exp
	}
	s.mu.Lock()
	s.cache.Add(key, it)
	s.mu.Unlock()
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return checkpoint.ErrInvalidKey
	}
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

// Close implements checkpoint.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}
