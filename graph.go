package graphstore

import (
	"context"
	"time"
)

// Store is the key/value surface shared by every adapter.
type Store interface {
	Get(ctx context.Context, key string) (Entity, bool, error)
	Set(ctx context.Context, key string, entity Entity) error
	GetMany(ctx context.Context, keys []string) (map[string]Entity, error)
	SetMany(ctx context.Context, entries map[string]Entity) error
	Delete(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context) error
	Size(ctx context.Context) (int, error)
	Close() error
}

// GraphStore adds edges and bounded traversals on top of Store.
type GraphStore interface {
	Store
	AddEdge(ctx context.Context, edge Edge) error
	GetEdges(ctx context.Context, nodeID string) ([]Edge, error)
	Traverse(ctx context.Context, pattern TraversalPattern) ([]Path, error)
	FindConnected(ctx context.Context, nodeID string, depth int) ([]Entity, error)
	ShortestPath(ctx context.Context, fromID, toID string, maxDepth int) (*Path, error)
}

// Saver is implemented by stores that can buffer writes until an explicit flush.
type Saver interface {
	Save(ctx context.Context) error
}

// Entity structure
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Metadata   *Metadata      `json:"metadata,omitempty"`
}

// Metadata is attached by the store at write time.
type Metadata struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Edge structure
type Edge struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
}

// Direction selects which way edges are followed during a traversal.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	switch d {
	case Outgoing, Incoming, Both:
		return true
	}
	return false
}

// TraversalPattern describes a depth-bounded walk from StartNode. An empty
// Direction means Outgoing. When EdgeTypes is non-empty every edge on a
// returned path has one of those types.
type TraversalPattern struct {
	StartNode string
	MaxDepth  int
	Direction Direction
	EdgeTypes []string
}

// Path is an ordered walk: Edges[i] connects Nodes[i] and Nodes[i+1].
type Path struct {
	Nodes []Entity `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Len returns the number of edges on the path.
func (p Path) Len() int {
	return len(p.Edges)
}

// Stamp returns a copy of e with metadata for a write at now. createdAt is
// kept from prev when the entity was written before.
func Stamp(e Entity, prev *Metadata, now time.Time) Entity {
	created := now
	if prev != nil && !prev.CreatedAt.IsZero() {
		created = prev.CreatedAt
	}
	e.Metadata = &Metadata{CreatedAt: created, UpdatedAt: now}
	return e
}
