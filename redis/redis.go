// Package redis is a Store on a Redis server. Every entity is one string key
// holding the JSON form of its snapshot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fgrzl/graphstore"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// scanCount is the COUNT hint passed to SCAN.
const scanCount = 500

// Config for the Redis store.
type Config struct {
	Addr     string `yaml:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix" validate:"required"`
	Debug    bool   `yaml:"debug"`
}

// Store implements graphstore.Store.
type Store struct {
	// mu serializes read-modify-write cycles within this process.
	mu     sync.Mutex
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

var _ graphstore.Store = (*Store)(nil)

// Open connects to cfg.Addr and checks the connection.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := checkPrefix(cfg.Prefix); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, graphstore.IOError("open", "", fmt.Errorf("failed to connect to Redis: %w", err))
	}
	return New(client, cfg.Prefix, graphstore.Logger(logger, cfg.Debug))
}

// New wraps an existing client. Close closes it. The prefix must be
// non-empty: Size and Clear act on every key under it.
func New(client *redis.Client, prefix string, logger *zap.Logger) (*Store, error) {
	if err := checkPrefix(prefix); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, logger: logger, now: time.Now}, nil
}

func checkPrefix(prefix string) error {
	if prefix == "" {
		return graphstore.ValidationError("open", "", "redis key prefix must be non-empty")
	}
	return nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + key
}

// matchAll is a SCAN pattern matching every key under the prefix.
func (s *Store) matchAll() string {
	var b strings.Builder
	for _, r := range s.prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('*')
	return b.String()
}

func decode(key, raw string) (graphstore.Snapshot, error) {
	var snap graphstore.Snapshot
	if err := snap.UnmarshalJSON([]byte(raw)); err != nil {
		return graphstore.Snapshot{}, fmt.Errorf("failed to deserialize %s: %w", key, err)
	}
	return snap, nil
}

// Get returns the entity stored under key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	const op = "get"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return graphstore.Entity{}, false, err
	}
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return graphstore.Entity{}, false, nil
	}
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	snap, err := decode(key, raw)
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	e, err := snap.Entity()
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	return e, true, nil
}

// mget reads keys in one round trip. Missing keys are absent from the map.
func (s *Store) mget(ctx context.Context, keys []string) (map[string]graphstore.Snapshot, error) {
	out := make(map[string]graphstore.Snapshot, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rkeys := make([]string, len(keys))
	for i, key := range keys {
		rkeys[i] = s.redisKey(key)
	}
	vals, err := s.client.MGet(ctx, rkeys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		snap, err := decode(keys[i], raw)
		if err != nil {
			return nil, err
		}
		out[keys[i]] = snap
	}
	return out, nil
}

// GetMany fetches every key with a single MGET.
func (s *Store) GetMany(ctx context.Context, keys []string) (map[string]graphstore.Entity, error) {
	const op = "get_many"
	for _, key := range keys {
		if err := graphstore.ValidateKey(op, key); err != nil {
			return nil, err
		}
	}
	snaps, err := s.mget(ctx, keys)
	if err != nil {
		return nil, graphstore.IOError(op, "", err)
	}
	out := make(map[string]graphstore.Entity, len(snaps))
	for key, snap := range snaps {
		e, err := snap.Entity()
		if err != nil {
			return nil, graphstore.IOError(op, key, err)
		}
		out[key] = e
	}
	return out, nil
}

// Set stores entity under key.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	return s.setMany(ctx, "set", map[string]graphstore.Entity{key: entity})
}

// SetMany writes every entry in one pipeline.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	return s.setMany(ctx, "set_many", entries)
}

func (s *Store) setMany(ctx context.Context, op string, entries map[string]graphstore.Entity) error {
	keys := make([]string, 0, len(entries))
	for key, e := range entries {
		if err := graphstore.ValidateValue(op, key, e); err != nil {
			return err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.mget(ctx, keys)
	if err != nil {
		return graphstore.WriteFailed(op, "", err)
	}
	now := s.now()
	pipe := s.client.Pipeline()
	for key, e := range entries {
		var meta *graphstore.Metadata
		if old, ok := prev[key]; ok {
			meta = old.Metadata()
		}
		snap, err := graphstore.NewSnapshot(graphstore.Stamp(e, meta, now))
		if err != nil {
			return err
		}
		data, err := snap.MarshalJSON()
		if err != nil {
			return graphstore.WriteFailed(op, key, err)
		}
		pipe.Set(ctx, s.redisKey(key), data, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return graphstore.WriteFailed(op, "", err)
	}
	s.logger.Debug("entities stored", zap.Int("count", len(keys)))
	return nil
}

// Delete removes key and reports whether DEL removed anything.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "delete"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return false, err
	}
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, graphstore.DeleteFailed(op, key, err)
	}
	return n > 0, nil
}

// scan calls fn with each page of keys under the prefix.
func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	match := s.matchAll()
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, scanCount).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Clear deletes every key under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	err := s.scan(ctx, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return graphstore.IOError("clear", "", err)
	}
	return nil
}

// Size counts the keys under the prefix. SCAN may report a key more than
// once while the keyspace is rehashing, so keys are deduplicated.
func (s *Store) Size(ctx context.Context) (int, error) {
	seen := make(map[string]struct{})
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			seen[k] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, graphstore.IOError("size", "", err)
	}
	return len(seen), nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
