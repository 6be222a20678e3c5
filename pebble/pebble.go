// Package pebble is a Store on a local Pebble database.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/fgrzl/graphstore"
	"go.uber.org/zap"
)

var entityPrefix = []byte("entity:")

// Config for the Pebble store.
type Config struct {
	Path  string `yaml:"path" validate:"required"`
	Debug bool   `yaml:"debug"`
}

// Store implements graphstore.Store. Each entry is the JSON form of a
// snapshot under entity:<key>.
type Store struct {
	// mu serializes read-modify-write cycles so creation timestamps survive
	// concurrent updates.
	mu     sync.Mutex
	db     *pebble.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ graphstore.Store = (*Store)(nil)

// Open opens or creates the database at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, graphstore.ValidationError("open", "", "pebble path is required")
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, graphstore.IOError("open", "", fmt.Errorf("could not open Pebble database: %w", err))
	}
	return &Store{db: db, logger: graphstore.Logger(logger, cfg.Debug), now: time.Now}, nil
}

func entityKey(key string) []byte {
	return append(append([]byte{}, entityPrefix...), key...)
}

// prefixEnd returns the first key after every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Store) read(key string) (graphstore.Snapshot, bool, error) {
	data, closer, err := s.db.Get(entityKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return graphstore.Snapshot{}, false, nil
	}
	if err != nil {
		return graphstore.Snapshot{}, false, fmt.Errorf("failed to retrieve %s: %w", key, err)
	}
	defer closer.Close()

	var snap graphstore.Snapshot
	if err := snap.UnmarshalJSON(data); err != nil {
		return graphstore.Snapshot{}, false, fmt.Errorf("failed to deserialize %s: %w", key, err)
	}
	return snap, true, nil
}

// Get returns the entity stored under key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	const op = "get"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return graphstore.Entity{}, false, err
	}
	snap, ok, err := s.read(key)
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	if !ok {
		return graphstore.Entity{}, false, nil
	}
	e, err := snap.Entity()
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	return e, true, nil
}

// GetMany returns the entities found for keys.
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

func (s *Store) encode(key string, e graphstore.Entity, now time.Time) ([]byte, error) {
	var prev *graphstore.Metadata
	old, ok, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if ok {
		prev = old.Metadata()
	}
	snap, err := graphstore.NewSnapshot(graphstore.Stamp(e, prev, now))
	if err != nil {
		return nil, err
	}
	return snap.MarshalJSON()
}

// Set stores entity under key with a synced write.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	const op = "set"
	if err := graphstore.ValidateValue(op, key, entity); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.encode(key, entity, s.now())
	if err != nil {
		return graphstore.WriteFailed(op, key, err)
	}
	if err := s.db.Set(entityKey(key), data, pebble.Sync); err != nil {
		return graphstore.WriteFailed(op, key, err)
	}
	s.logger.Debug("entity stored", zap.String("key", key))
	return nil
}

// SetMany commits every entry in one batch.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	const op = "set_many"
	for key, e := range entries {
		if err := graphstore.ValidateValue(op, key, e); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	batch := s.db.NewBatch()
	defer batch.Close()
	for key, e := range entries {
		data, err := s.encode(key, e, now)
		if err != nil {
			return graphstore.WriteFailed(op, key, err)
		}
		if err := batch.Set(entityKey(key), data, nil); err != nil {
			return graphstore.WriteFailed(op, key, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return graphstore.WriteFailed(op, "", err)
	}
	return nil
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "delete"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok, err := s.read(key)
	if err != nil {
		return false, graphstore.DeleteFailed(op, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.db.Delete(entityKey(key), pebble.Sync); err != nil {
		return false, graphstore.DeleteFailed(op, key, err)
	}
	return true, nil
}

// Clear drops the whole entity key range.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteRange(entityPrefix, prefixEnd(entityPrefix), pebble.Sync); err != nil {
		return graphstore.IOError("clear", "", err)
	}
	return nil
}

// Size counts the keys in the entity range.
func (s *Store) Size(ctx context.Context) (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: entityPrefix,
		UpperBound: prefixEnd(entityPrefix),
	})
	if err != nil {
		return 0, graphstore.IOError("size", "", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), entityPrefix) {
			break
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, graphstore.IOError("size", "", err)
	}
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil // Already closed, no action needed
	}
	err := s.db.Close()
	s.db = nil
	return err
}
