// Package query turns store and traversal intents into parameterized
// statements and runs them against a Backend.
//
// Every value that comes from a caller (ids, types, payloads, endpoints,
// edge type filters) is bound as a named parameter. The only literal text
// that varies between statements is structural: a depth that has passed
// ValidateDepth, the fixed result caps below, and direction fragments picked
// from a closed set.
package query

import (
	"strconv"
	"strings"

	"github.com/fgrzl/graphstore"
)

const (
	MinDepth = 1
	MaxDepth = 50

	// MaxTraversalPaths caps the paths returned by Traverse.
	MaxTraversalPaths = 100
	// MaxConnectedNodes caps the entities returned by FindConnected.
	MaxConnectedNodes = 1000
	// ShortestPathBudget caps the partial paths explored by ShortestPath.
	ShortestPathBudget = 10_000
)

// Operation names, used for metrics, spans and error context.
const (
	OpStoreEntity   = "store_entity"
	OpDeleteEntity  = "delete_entity"
	OpDeleteAll     = "delete_all"
	OpGetEntity     = "get_entity"
	OpLoadEntities  = "load_entities"
	OpCreateEdge    = "create_edge"
	OpGetEdges      = "get_edges"
	OpTraverse      = "traverse"
	OpFindConnected = "find_connected"
	OpShortestPath  = "shortest_path"
)

// TimeFormat is the encoding of timestamps bound as parameters. It is fixed
// width so stored timestamps sort as text.
const TimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SecureQuery is a statement template and the values bound to its
// placeholders.
type SecureQuery struct {
	Op         string
	Statement  string
	Parameters map[string]any
}

// Builder builds one SecureQuery per operation kind. It holds no state.
type Builder struct{}

// ValidateDepth accepts depths in [MinDepth, MaxDepth].
func ValidateDepth(op string, depth int) error {
	if depth < MinDepth || depth > MaxDepth {
		return graphstore.QueryBuildError(op, "depth must be an integer between %d and %d, got %d", MinDepth, MaxDepth, depth)
	}
	return nil
}

const entityColumns = "id, type, data, storage_key, created_at, updated_at"

// StoreEntity upserts e by id under the storage key. e must carry metadata.
// The persisted timestamps come back as created_at and updated_at.
func (Builder) StoreEntity(key string, e graphstore.Entity, payload string) (SecureQuery, error) {
	if e.ID == "" || e.Type == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpStoreEntity, "entity id and type are required")
	}
	if e.Metadata == nil {
		return SecureQuery{}, graphstore.QueryBuildError(OpStoreEntity, "entity metadata is required")
	}
	return SecureQuery{
		Op: OpStoreEntity,
		Statement: `INSERT INTO entities (` + entityColumns + `)
VALUES (:id, :type, :data, :storage_key, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET
	type = excluded.type,
	data = excluded.data,
	storage_key = excluded.storage_key,
	updated_at = excluded.updated_at
RETURNING id, created_at, updated_at`,
		Parameters: map[string]any{
			"id":          e.ID,
			"type":        e.Type,
			"data":        payload,
			"storage_key": key,
			"created_at":  e.Metadata.CreatedAt.UTC().Format(TimeFormat),
			"updated_at":  e.Metadata.UpdatedAt.UTC().Format(TimeFormat),
		},
	}, nil
}

// DeleteEntity removes an entity and, through the schema's cascade, its edges.
func (Builder) DeleteEntity(id string) (SecureQuery, error) {
	if id == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpDeleteEntity, "entity id is required")
	}
	return SecureQuery{
		Op:         OpDeleteEntity,
		Statement:  `DELETE FROM entities WHERE id = :id RETURNING id`,
		Parameters: map[string]any{"id": id},
	}, nil
}

// DeleteAll removes every entity and every edge.
func (Builder) DeleteAll() SecureQuery {
	return SecureQuery{
		Op:         OpDeleteAll,
		Statement:  `DELETE FROM entities`,
		Parameters: map[string]any{},
	}
}

// GetEntity looks an entity up by id.
func (Builder) GetEntity(id string) (SecureQuery, error) {
	if id == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpGetEntity, "entity id is required")
	}
	return SecureQuery{
		Op:         OpGetEntity,
		Statement:  `SELECT ` + entityColumns + ` FROM entities WHERE id = :id`,
		Parameters: map[string]any{"id": id},
	}, nil
}

// LoadEntities lists every keyed entity, oldest write first, so replaying
// the rows leaves the newest entity bound to each key.
func (Builder) LoadEntities() SecureQuery {
	return SecureQuery{
		Op: OpLoadEntities,
		Statement: `SELECT ` + entityColumns + ` FROM entities
WHERE storage_key IS NOT NULL
ORDER BY updated_at, id`,
		Parameters: map[string]any{},
	}
}

// CreateEdge upserts an edge on (from, to, type).
func (Builder) CreateEdge(e graphstore.Edge, payload string) (SecureQuery, error) {
	if e.From == "" || e.To == "" || e.Type == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpCreateEdge, "edge from, to and type are required")
	}
	return SecureQuery{
		Op: OpCreateEdge,
		Statement: `INSERT INTO relations (from_id, to_id, type, data)
VALUES (:from_id, :to_id, :type, :data)
ON CONFLICT(from_id, to_id, type) DO UPDATE SET data = excluded.data
RETURNING from_id, to_id, type, data`,
		Parameters: map[string]any{
			"from_id": e.From,
			"to_id":   e.To,
			"type":    e.Type,
			"data":    payload,
		},
	}, nil
}

// GetEdges lists the edges touching nodeID in either direction.
func (Builder) GetEdges(nodeID string) (SecureQuery, error) {
	if nodeID == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpGetEdges, "node id is required")
	}
	return SecureQuery{
		Op: OpGetEdges,
		Statement: `SELECT from_id, to_id, type, data FROM relations
WHERE from_id = :node_id OR to_id = :node_id
ORDER BY from_id, to_id, type`,
		Parameters: map[string]any{"node_id": nodeID},
	}, nil
}

// Traverse returns at most MaxTraversalPaths simple paths of length 1 to
// p.MaxDepth from p.StartNode, breadth first. Columns: nodes, edges (JSON).
func (Builder) Traverse(p graphstore.TraversalPattern) (SecureQuery, error) {
	if err := ValidateDepth(OpTraverse, p.MaxDepth); err != nil {
		return SecureQuery{}, err
	}
	if p.StartNode == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpTraverse, "start node is required")
	}
	dir := p.Direction
	if dir == "" {
		dir = graphstore.Outgoing
	}
	if !dir.Valid() {
		return SecureQuery{}, graphstore.QueryBuildError(OpTraverse, "unknown direction %q", dir)
	}

	params := map[string]any{"start_id": p.StartNode}
	filter := len(p.EdgeTypes) > 0
	if filter {
		types := make([]string, len(p.EdgeTypes))
		copy(types, p.EdgeTypes)
		params["edge_types"] = types
	}

	stmt := walk(dir, p.MaxDepth, MaxTraversalPaths+1, filter, false) +
		`SELECT nodes, edges FROM walk WHERE depth > 0 LIMIT ` + strconv.Itoa(MaxTraversalPaths)

	return SecureQuery{Op: OpTraverse, Statement: stmt, Parameters: params}, nil
}

// FindConnected returns at most MaxConnectedNodes distinct entities within
// depth hops of nodeID, ignoring edge direction and excluding nodeID itself.
func (Builder) FindConnected(nodeID string, depth int) (SecureQuery, error) {
	if err := ValidateDepth(OpFindConnected, depth); err != nil {
		return SecureQuery{}, err
	}
	if nodeID == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpFindConnected, "node id is required")
	}
	budget := MaxConnectedNodes * (depth + 1)
	stmt := `WITH RECURSIVE reach(node_id, depth) AS (
	SELECT :start_id, 0
	UNION
	SELECT CASE WHEN r.from_id = c.node_id THEN r.to_id ELSE r.from_id END, c.depth + 1
	FROM reach c
	JOIN relations r ON r.from_id = c.node_id OR r.to_id = c.node_id
	WHERE c.depth < ` + strconv.Itoa(depth) + `
	LIMIT ` + strconv.Itoa(budget) + `
)
SELECT ` + entityColumns + ` FROM entities
WHERE id IN (SELECT node_id FROM reach WHERE depth > 0) AND id <> :start_id
ORDER BY id
LIMIT ` + strconv.Itoa(MaxConnectedNodes)

	return SecureQuery{
		Op:         OpFindConnected,
		Statement:  stmt,
		Parameters: map[string]any{"start_id": nodeID},
	}, nil
}

// ShortestPath returns at most one path, the shortest from fromID to toID
// ignoring edge direction, found within ShortestPathBudget explored paths.
func (Builder) ShortestPath(fromID, toID string, maxDepth int) (SecureQuery, error) {
	if err := ValidateDepth(OpShortestPath, maxDepth); err != nil {
		return SecureQuery{}, err
	}
	if fromID == "" || toID == "" {
		return SecureQuery{}, graphstore.QueryBuildError(OpShortestPath, "both endpoints are required")
	}
	stmt := walk(graphstore.Both, maxDepth, ShortestPathBudget, false, true) +
		`SELECT nodes, edges FROM walk WHERE node_id = :target_id ORDER BY depth LIMIT 1`

	return SecureQuery{
		Op:         OpShortestPath,
		Statement:  stmt,
		Parameters: map[string]any{"start_id": fromID, "target_id": toID},
	}, nil
}

// walk renders the shared breadth-first path CTE. Each row carries the
// visited ids and the nodes and edges of its path as JSON arrays; no node
// repeats on a path. budget bounds the rows the recursion may produce,
// including the anchor.
func walk(dir graphstore.Direction, depth, budget int, filter, stopAtTarget bool) string {
	var join, next string
	switch dir {
	case graphstore.Incoming:
		join, next = "r.to_id = w.node_id", "r.from_id"
	case graphstore.Both:
		join = "(r.from_id = w.node_id OR r.to_id = w.node_id)"
		next = "CASE WHEN r.from_id = w.node_id THEN r.to_id ELSE r.from_id END"
	default:
		join, next = "r.from_id = w.node_id", "r.to_id"
	}

	var b strings.Builder
	b.WriteString(`WITH RECURSIVE walk(node_id, depth, visited, nodes, edges) AS (
	SELECT s.id, 0, json_array(s.id),
		json_array(json_object('id', s.id, 'type', s.type, 'properties', json(s.data))),
		json_array()
	FROM entities s
	WHERE s.id = :start_id
	UNION ALL
	SELECT n.id, w.depth + 1,
		json_insert(w.visited, '$[#]', n.id),
		json_insert(w.nodes, '$[#]', json_object('id', n.id, 'type', n.type, 'properties', json(n.data))),
		json_insert(w.edges, '$[#]', json_object('from', r.from_id, 'to', r.to_id, 'type', r.type, 'properties', json(r.data)))
	FROM walk w
	JOIN relations r ON `)
	b.WriteString(join)
	b.WriteString(`
	JOIN entities n ON n.id = `)
	b.WriteString(next)
	b.WriteString(`
	WHERE w.depth < `)
	b.WriteString(strconv.Itoa(depth))
	b.WriteString(`
		AND NOT EXISTS (SELECT 1 FROM json_each(w.visited) WHERE json_each.value = n.id)`)
	if filter {
		b.WriteString(`
		AND r.type IN (SELECT value FROM json_each(:edge_types))`)
	}
	if stopAtTarget {
		b.WriteString(`
		AND w.node_id <> :target_id`)
	}
	b.WriteString(`
	LIMIT `)
	b.WriteString(strconv.Itoa(budget))
	b.WriteString(`
)
`)
	return b.String()
}
