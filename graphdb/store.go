// Package graphdb is the graph-backed store. Every call runs validation,
// builds a secure query, executes it, and only then touches the cache, so a
// failed write never reaches the cache.
//
// The cache is filled from the backend on first access. Reads are answered
// from it; writes go to the backend first.
package graphdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fgrzl/graphstore"
	"github.com/fgrzl/graphstore/query"
	"github.com/fgrzl/graphstore/sqlite"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SetManyConcurrency bounds the writes SetMany keeps in flight.
const SetManyConcurrency = 8

// Store implements graphstore.GraphStore.
type Store struct {
	builder   query.Builder
	exec      *query.Executor
	cache     *cache
	lifecycle *graphstore.Lifecycle
	logger    *zap.Logger
	now       func() time.Time
	closer    io.Closer
}

var _ graphstore.GraphStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now for write timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a store on backend. If backend implements io.Closer, Close
// closes it.
func New(backend query.Backend, opts ...Option) *Store {
	s := &Store{
		cache:  newCache(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.exec = query.NewExecutor(backend, s.logger)
	s.lifecycle = graphstore.NewLifecycle(true, s.load, nil)
	if c, ok := backend.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Open opens a SQLite graph backend and builds a store on it.
func Open(ctx context.Context, cfg sqlite.Config, logger *zap.Logger, opts ...Option) (*Store, error) {
	logger = graphstore.Logger(logger, cfg.Debug)
	backend, err := sqlite.Open(ctx, cfg, logger)
	if err != nil {
		return nil, graphstore.IOError("open", "", err)
	}
	return New(backend, append([]Option{WithLogger(logger)}, opts...)...), nil
}

// State returns the load state.
func (s *Store) State() graphstore.State {
	return s.lifecycle.State()
}

// load rebuilds the cache from the backend.
func (s *Store) load(ctx context.Context) error {
	res, err := s.exec.ExecuteSecureQuery(ctx, s.builder.LoadEntities())
	if err != nil {
		return err
	}
	s.cache.reset()
	for _, row := range res.Rows {
		snap, key, err := snapshotFromRow(row)
		if err != nil {
			return err
		}
		s.cache.put(key, snap)
	}
	s.logger.Debug("cache loaded from backend", zap.Int("entries", res.Len()))
	return nil
}

func (s *Store) ensureLoaded(ctx context.Context, op string) error {
	if err := s.lifecycle.EnsureLoaded(ctx); err != nil {
		return graphstore.IOError(op, "", fmt.Errorf("loading cache: %w", err))
	}
	return nil
}

// Get returns the cached entity for key.
func (s *Store) Get(ctx context.Context, key string) (graphstore.Entity, bool, error) {
	const op = "get"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return graphstore.Entity{}, false, err
	}
	if err := s.ensureLoaded(ctx, op); err != nil {
		return graphstore.Entity{}, false, err
	}
	snap, ok := s.cache.get(key)
	if !ok {
		return graphstore.Entity{}, false, nil
	}
	e, err := snap.Entity()
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, key, err)
	}
	return e, true, nil
}

// GetMany returns the entities found for keys. Missing keys are absent from
// the result.
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

// Set persists entity under key and then caches the persisted form.
func (s *Store) Set(ctx context.Context, key string, entity graphstore.Entity) error {
	const op = "set"
	if err := graphstore.ValidateEntity(op, key, entity); err != nil {
		return err
	}
	if err := s.ensureLoaded(ctx, op); err != nil {
		return err
	}

	var prev *graphstore.Metadata
	if cached, ok := s.cache.get(key); ok && cached.ID() == entity.ID {
		prev = cached.Metadata()
	}
	stamped := graphstore.Stamp(entity, prev, s.now())
	snap, err := graphstore.NewSnapshot(stamped)
	if err != nil {
		return err
	}

	q, err := s.builder.StoreEntity(key, stamped, snap.Payload())
	if err != nil {
		return err
	}
	res, err := s.exec.ExecuteSecureQuery(ctx, q)
	if err != nil {
		return graphstore.WriteFailed(op, key, err)
	}
	if res.Len() != 1 {
		return graphstore.WriteFailed(op, key, fmt.Errorf("store returned %d rows", res.Len()))
	}
	row := res.Rows[0]
	id := row.String("id")
	if id == "" {
		return graphstore.WriteFailed(op, key, errors.New("store returned no id"))
	}
	meta, err := metadataFromRow(row)
	if err != nil {
		return graphstore.WriteFailed(op, key, err)
	}

	s.cache.put(key, graphstore.SnapshotFromPayload(id, entity.Type, []byte(snap.Payload()), meta))
	s.logger.Debug("entity stored", zap.String("key", key), zap.Duration("elapsed", res.Elapsed))
	return s.lifecycle.AfterWrite(ctx)
}

// SetMany writes entries concurrently. Each successful write is cached on
// its own; the first failure is returned.
func (s *Store) SetMany(ctx context.Context, entries map[string]graphstore.Entity) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(SetManyConcurrency)
	for key, e := range entries {
		g.Go(func() error {
			return s.Set(gctx, key, e)
		})
	}
	return g.Wait()
}

// Delete removes key. It reports false without touching the backend when
// key is not cached. When the backend delete fails the entry stays cached.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	const op = "delete"
	if err := graphstore.ValidateKey(op, key); err != nil {
		return false, err
	}
	if err := s.ensureLoaded(ctx, op); err != nil {
		return false, err
	}

	snap, ok := s.cache.get(key)
	if !ok {
		return false, nil
	}
	q, err := s.builder.DeleteEntity(snap.ID())
	if err != nil {
		return false, err
	}
	if _, err := s.exec.ExecuteSecureQuery(ctx, q); err != nil {
		return false, graphstore.DeleteFailed(op, key, err)
	}

	s.cache.remove(key)
	s.logger.Debug("entity deleted", zap.String("key", key))
	return true, s.lifecycle.AfterWrite(ctx)
}

// Clear deletes every entity and edge, then empties the cache. The two steps
// are not atomic and a failed delete is not rolled back: callers must assume
// some entities may be gone.
func (s *Store) Clear(ctx context.Context) error {
	const op = "clear"
	if err := s.ensureLoaded(ctx, op); err != nil {
		return err
	}
	if _, err := s.exec.ExecuteSecureQuery(ctx, s.builder.DeleteAll()); err != nil {
		return graphstore.IOError(op, "", err)
	}
	s.cache.reset()
	return s.lifecycle.AfterWrite(ctx)
}

// Size returns the number of cached entries.
func (s *Store) Size(ctx context.Context) (int, error) {
	if err := s.ensureLoaded(ctx, "size"); err != nil {
		return 0, err
	}
	return s.cache.len(), nil
}

// Lookup reads an entity straight from the backend by entity id, bypassing
// the cache.
func (s *Store) Lookup(ctx context.Context, id string) (graphstore.Entity, bool, error) {
	const op = "lookup"
	q, err := s.builder.GetEntity(id)
	if err != nil {
		return graphstore.Entity{}, false, err
	}
	res, err := s.exec.ExecuteSecureQuery(ctx, q)
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, "", err)
	}
	if res.Len() == 0 {
		return graphstore.Entity{}, false, nil
	}
	e, err := entityFromRow(res.Rows[0])
	if err != nil {
		return graphstore.Entity{}, false, graphstore.IOError(op, "", err)
	}
	return e, true, nil
}

// AddEdge creates or updates an edge. Both endpoints must already exist; the
// backend's foreign keys reject the write otherwise.
func (s *Store) AddEdge(ctx context.Context, edge graphstore.Edge) error {
	const op = "add_edge"
	if err := graphstore.ValidateEdge(op, edge); err != nil {
		return err
	}
	payload, err := encodeProperties(edge.Properties)
	if err != nil {
		return &graphstore.Error{Code: graphstore.CodeValidation, Op: op, Message: "edge properties are not JSON encodable", Err: err}
	}
	q, err := s.builder.CreateEdge(edge, payload)
	if err != nil {
		return err
	}
	if _, err := s.exec.ExecuteSecureQuery(ctx, q); err != nil {
		return graphstore.WriteFailed(op, edge.From+"->"+edge.To, err)
	}
	return s.lifecycle.AfterWrite(ctx)
}

// GetEdges returns every edge that starts or ends at nodeID.
func (s *Store) GetEdges(ctx context.Context, nodeID string) ([]graphstore.Edge, error) {
	const op = "get_edges"
	if nodeID == "" {
		return nil, graphstore.ValidationError(op, "", "node id must be a non-empty string")
	}
	q, err := s.builder.GetEdges(nodeID)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.ExecuteSecureQuery(ctx, q)
	if err != nil {
		return nil, graphstore.IOError(op, "", err)
	}
	edges := make([]graphstore.Edge, 0, res.Len())
	for _, row := range res.Rows {
		e, err := edgeFromRow(row)
		if err != nil {
			return nil, graphstore.IOError(op, "", err)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// Traverse returns up to query.MaxTraversalPaths paths matching pattern.
func (s *Store) Traverse(ctx context.Context, pattern graphstore.TraversalPattern) ([]graphstore.Path, error) {
	const op = "traverse"
	if err := graphstore.ValidatePattern(op, pattern); err != nil {
		return nil, err
	}
	q, err := s.builder.Traverse(pattern)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.ExecuteSecureQuery(ctx, q)
	if err != nil {
		return nil, graphstore.IOError(op, "", err)
	}
	paths := make([]graphstore.Path, 0, res.Len())
	for _, row := range res.Rows {
		p, err := pathFromRow(row)
		if err != nil {
			return nil, graphstore.IOError(op, "", err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// FindConnected returns up to query.MaxConnectedNodes entities within depth
// hops of nodeID in either direction.
func (s *Store) FindConnected(ctx context.Context, nodeID string, depth int) ([]graphstore.Entity, error) {
	const op = "find_connected"
	if nodeID == "" {
		return nil, graphstore.ValidationError(op, "", "node id must be a non-empty string")
	}
	q, err := s.builder.FindConnected(nodeID, depth)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.ExecuteSecureQuery(ctx, q)
	if err != nil {
		return nil, graphstore.IOError(op, "", err)
	}
	out := make([]graphstore.Entity, 0, res.Len())
	for _, row := range res.Rows {
		e, err := entityFromRow(row)
		if err != nil {
			return nil, graphstore.IOError(op, "", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ShortestPath returns the shortest path between two entities within
// maxDepth hops, ignoring direction, or nil when there is none.
func (s *Store) ShortestPath(ctx context.Context, fromID, toID string, maxDepth int) (*graphstore.Path, error) {
	const op = "shortest_path"
	if fromID == "" || toID == "" {
		return nil, graphstore.ValidationError(op, "", "both endpoints must be non-empty strings")
	}
	q, err := s.builder.ShortestPath(fromID, toID, maxDepth)
	if err != nil {
		return nil, err
	}
	res, err := s.exec.ExecuteSecureQuery(ctx, q)
	if err != nil {
		return nil, graphstore.IOError(op, "", err)
	}
	if res.Len() == 0 {
		return nil, nil
	}
	p, err := pathFromRow(res.Rows[0])
	if err != nil {
		return nil, graphstore.IOError(op, "", err)
	}
	return &p, nil
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.closer == nil {
		return nil // Already closed, no action needed
	}
	err := s.closer.Close()
	s.closer = nil
	if err != nil {
		return fmt.Errorf("failed to close the database: %w", err)
	}
	return nil
}
