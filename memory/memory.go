// Package memory is a Store that keeps everything in process. Values are
// held as immutable snapshots, so neither the caller's input nor a returned
// entity can change what is stored.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fgrzl/graphstore"
)

// Store implements graphstore.Store in memory.
type Store struct {
	mu        sync.RWMutex
	data      map[string]graphstore.Snapshot
	lifecycle *graphstore.Lifecycle
	now       func() time.Time
}

var _ graphstore.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		data:      make(map[string]graphstore.Snapshot),
		lifecycle: graphstore.NewLifecycle(true, nil, nil),
		now:       time.Now,
	}
}

// Get returns a fresh copy of the entity stored under key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	if err := graphstore.ValidateKey("get", key); err != nil {
		return graphstore.Entity{}, false, err
	}
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return graphstore.Entity{}, false, err
	}

	s.mu.RLock()
	snap, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return graphstore.Entity{}, false, nil
	}
	e, err := snap.Entity()
	if err != nil {
		return graphstore.Entity{}, false, err
	}
	return e, true, nil
}

// GetMany returns copies of the entities found for keys.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]graphstore.Entity, error) {
	out := make(map[string]graphstore.Entity, len(keys))
	for _, key := range keys {
		e, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = e
		}
	}
	return out, nil
}

// Set stores a snapshot of entity under key.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	if err := graphstore.ValidateValue("set", key, entity); err != nil {
		return err
	}
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return err
	}
	if err := s.put(key, entity); err != nil {
		return err
	}
	return s.lifecycle.AfterWrite(ctx)
}

func (s *Store) put(key string, entity graphstore.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *graphstore.Metadata
	if old, ok := s.data[key]; ok {
		prev = old.Metadata()
	}
	snap, err := graphstore.NewSnapshot(graphstore.Stamp(entity, prev, s.now()))
	if err != nil {
		return err
	}
	s.data[key] = snap
	return nil
}

// SetMany stores every entry. Entries are validated up front, so a bad entry
// leaves the store unchanged.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	for key, e := range entries {
		if err := graphstore.ValidateValue("set_many", key, e); err != nil {
			return err
		}
	}
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return err
	}
	for key, e := range entries {
		if err := s.put(key, e); err != nil {
			return err
		}
	}
	return s.lifecycle.AfterWrite(ctx)
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := graphstore.ValidateKey("delete", key); err != nil {
		return false, err
	}
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, s.lifecycle.AfterWrite(ctx)
}

// Clear removes everything.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = make(map[string]graphstore.Snapshot)
	s.mu.Unlock()
	return s.lifecycle.AfterWrite(ctx)
}

// Size returns the number of keys.
func (s *Store) Size(ctx context.Context) (int, error) {
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
