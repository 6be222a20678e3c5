// Package filestore keeps a Store in a single JSON document on disk. The file
// is read on first access and rewritten after each write, or on Save when
// auto-persist is off.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fgrzl/graphstore"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// Config for the file-backed store.
type Config struct {
	Path string `yaml:"path" validate:"required"`
	// Encoding is a WHATWG encoding label such as "utf-8" or "windows-1252".
	Encoding    string `yaml:"encoding"`
	Pretty      bool   `yaml:"pretty"`
	AtomicWrite bool   `yaml:"atomic_write"`
	AutoPersist bool   `yaml:"auto_persist"`
	Debug       bool   `yaml:"debug"`
}

// DefaultConfig returns the defaults for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		Encoding:    "utf-8",
		AtomicWrite: true,
		AutoPersist: true,
	}
}

// Store implements graphstore.Store on a JSON file. All operations share one
// mutex, which the lifecycle hooks rely on being held.
type Store struct {
	mu        sync.Mutex
	cfg       Config
	enc       encoding.Encoding
	data      map[string]graphstore.Snapshot
	lifecycle *graphstore.Lifecycle
	logger    *zap.Logger
	now       func() time.Time
}

var (
	_ graphstore.Store = (*Store)(nil)
	_ graphstore.Saver = (*Store)(nil)
)

// New returns a store for cfg. Nothing is read until the first operation.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, graphstore.ValidationError("open", "", "file path is required")
	}
	s := &Store{
		cfg:    cfg,
		data:   make(map[string]graphstore.Snapshot),
		logger: graphstore.Logger(logger, cfg.Debug),
		now:    time.Now,
	}
	if !isUTF8(cfg.Encoding) {
		enc, err := htmlindex.Get(cfg.Encoding)
		if err != nil {
			return nil, graphstore.ValidationError("open", "", "unknown encoding %q", cfg.Encoding)
		}
		s.enc = enc
	}
	s.lifecycle = graphstore.NewLifecycle(cfg.AutoPersist, s.loadLocked, s.persistLocked)
	return s, nil
}

func isUTF8(label string) bool {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "utf-8", "utf8", "unicode-1-1-utf-8":
		return true
	}
	return false
}

// loadLocked reads the file into memory. A missing or corrupted file leaves
// the store empty.
func (s *Store) loadLocked(ctx context.Context) error {
	doc, err := s.readStructured()
	if err != nil {
		return graphstore.IOError("load", "", err)
	}
	if doc == nil {
		doc = make(map[string]graphstore.Snapshot)
	}
	s.data = doc
	s.logger.Debug("file store loaded", zap.String("path", s.cfg.Path), zap.Int("entries", len(doc)))
	return nil
}

func (s *Store) readStructured() (map[string]graphstore.Snapshot, error) {
	raw, err := os.ReadFile(s.cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.cfg.Path, err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	if s.enc != nil {
		raw, err = s.enc.NewDecoder().Bytes(raw)
		if err != nil {
			s.logger.Warn("file store is not valid in its encoding, starting empty",
				zap.String("path", s.cfg.Path), zap.String("encoding", s.cfg.Encoding), zap.Error(err))
			return nil, nil
		}
	}
	var doc map[string]graphstore.Snapshot
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.logger.Warn("file store is corrupted, starting empty", zap.String("path", s.cfg.Path), zap.Error(err))
		return nil, nil
	}
	return doc, nil
}

func (s *Store) persistLocked(ctx context.Context) error {
	return s.writeStructured(s.data)
}

func (s *Store) writeStructured(doc map[string]graphstore.Snapshot) error {
	var (
		data []byte
		err  error
	)
	if s.cfg.Pretty {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.cfg.Path, err)
	}
	if s.enc != nil {
		data, err = s.enc.NewEncoder().Bytes(data)
		if err != nil {
			return fmt.Errorf("encode %s as %s: %w", s.cfg.Path, s.cfg.Encoding, err)
		}
	}

	dir := filepath.Dir(s.cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory for %q: %w", s.cfg.Path, err)
	}
	if !s.cfg.AtomicWrite {
		if err := os.WriteFile(s.cfg.Path, data, 0o644); err != nil {
			return fmt.Errorf("write %q: %w", s.cfg.Path, err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.cfg.Path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %q: %w", s.cfg.Path, err)
	}
	tmpName := tmp.Name()

	writeErr := error(nil)
	if _, err := tmp.Write(data); err != nil {
		writeErr = fmt.Errorf("write temp file %q: %w", tmpName, err)
	}
	if writeErr == nil {
		if err := tmp.Sync(); err != nil {
			writeErr = fmt.Errorf("sync temp file %q: %w", tmpName, err)
		}
	}
	if err := tmp.Close(); err != nil && writeErr == nil {
		writeErr = fmt.Errorf("close temp file %q: %w", tmpName, err)
	}
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return writeErr
	}

	if err := os.Rename(tmpName, s.cfg.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %q: %w", s.cfg.Path, err)
	}
	return nil
}

// Get returns a fresh copy of the entity stored under key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	if err := graphstore.ValidateKey("get", key); err != nil {
		return graphstore.Entity{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return graphstore.Entity{}, false, err
	}
	snap, ok := s.data[key]
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

// Set stores entity under key. With auto-persist on, a failed flush restores
// the previous value and reports WriteFailed.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	return s.SetMany(ctx, map[string]graphstore.Entity{key: entity})
}

// SetMany stores every entry with a single flush.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	const op = "set"
	for key, e := range entries {
		if err := graphstore.ValidateValue(op, key, e); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return err
	}

	now := s.now()
	next := make(map[string]graphstore.Snapshot, len(entries))
	for key, e := range entries {
		var prev *graphstore.Metadata
		if old, ok := s.data[key]; ok {
			prev = old.Metadata()
		}
		snap, err := graphstore.NewSnapshot(graphstore.Stamp(e, prev, now))
		if err != nil {
			return err
		}
		next[key] = snap
	}

	undo := s.apply(next, nil)
	if err := s.lifecycle.AfterWrite(ctx); err != nil {
		undo()
		return graphstore.WriteFailed(op, firstKey(entries), err)
	}
	return nil
}

// apply writes set and removes del, returning a func that restores the
// previous state.
func (s *Store) apply(set map[string]graphstore.Snapshot, del []string) func() {
	type old struct {
		snap graphstore.Snapshot
		ok   bool
	}
	saved := make(map[string]old, len(set)+len(del))
	for key := range set {
		snap, ok := s.data[key]
		saved[key] = old{snap, ok}
	}
	for _, key := range del {
		snap, ok := s.data[key]
		saved[key] = old{snap, ok}
	}
	for key, snap := range set {
		s.data[key] = snap
	}
	for _, key := range del {
		delete(s.data, key)
	}
	return func() {
		for key, o := range saved {
			if o.ok {
				s.data[key] = o.snap
			} else {
				delete(s.data, key)
			}
		}
	}
}

func firstKey(entries map[string]graphstore.Entity) string {
	if len(entries) != 1 {
		return ""
	}
	for key := range entries {
		return key
	}
	return ""
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "delete"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return false, err
	}
	if _, ok := s.data[key]; !ok {
		return false, nil
	}
	undo := s.apply(nil, []string{key})
	if err := s.lifecycle.AfterWrite(ctx); err != nil {
		undo()
		return false, graphstore.DeleteFailed(op, key, err)
	}
	return true, nil
}

// Clear removes everything.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return err
	}
	prev := s.data
	s.data = make(map[string]graphstore.Snapshot)
	if err := s.lifecycle.AfterWrite(ctx); err != nil {
		s.data = prev
		return graphstore.IOError("clear", "", err)
	}
	return nil
}

// Size returns the number of keys.
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return 0, err
	}
	return len(s.data), nil
}

// Save flushes writes buffered while auto-persist is off.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lifecycle.Save(ctx); err != nil {
		return graphstore.IOError("save", "", err)
	}
	return nil
}

// State returns the load state.
func (s *Store) State() graphstore.State {
	return s.lifecycle.State()
}

// Close flushes pending writes.
func (s *Store) Close() error {
	return s.Save(context.Background())
}
