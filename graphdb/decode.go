package graphdb

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fgrzl/graphstore"
	"github.com/fgrzl/graphstore/query"
)

func parseTime(row query.Row, col string) (time.Time, error) {
	raw := row.String(col)
	t, err := time.Parse(query.TimeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("column %s: %w", col, err)
	}
	return t, nil
}

func metadataFromRow(row query.Row) (*graphstore.Metadata, error) {
	created, err := parseTime(row, "created_at")
	if err != nil {
		return nil, err
	}
	updated, err := parseTime(row, "updated_at")
	if err != nil {
		return nil, err
	}
	return &graphstore.Metadata{CreatedAt: created, UpdatedAt: updated}, nil
}

// snapshotFromRow reads an entities row into a snapshot and its storage key.
func snapshotFromRow(row query.Row) (graphstore.Snapshot, string, error) {
	meta, err := metadataFromRow(row)
	if err != nil {
		return graphstore.Snapshot{}, "", err
	}
	data := row.String("data")
	if data == "" {
		data = "{}"
	}
	snap := graphstore.SnapshotFromPayload(row.String("id"), row.String("type"), []byte(data), meta)
	return snap, row.String("storage_key"), nil
}

func entityFromRow(row query.Row) (graphstore.Entity, error) {
	snap, _, err := snapshotFromRow(row)
	if err != nil {
		return graphstore.Entity{}, err
	}
	return snap.Entity()
}

func edgeFromRow(row query.Row) (graphstore.Edge, error) {
	e := graphstore.Edge{
		From: row.String("from_id"),
		To:   row.String("to_id"),
		Type: row.String("type"),
	}
	if data := row.String("data"); data != "" {
		if err := json.Unmarshal([]byte(data), &e.Properties); err != nil {
			return graphstore.Edge{}, fmt.Errorf("edge properties: %w", err)
		}
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	return e, nil
}

func pathFromRow(row query.Row) (graphstore.Path, error) {
	var p graphstore.Path
	if err := json.Unmarshal([]byte(row.String("nodes")), &p.Nodes); err != nil {
		return graphstore.Path{}, fmt.Errorf("path nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(row.String("edges")), &p.Edges); err != nil {
		return graphstore.Path{}, fmt.Errorf("path edges: %w", err)
	}
	for i := range p.Nodes {
		if p.Nodes[i].Properties == nil {
			p.Nodes[i].Properties = map[string]any{}
		}
	}
	for i := range p.Edges {
		if p.Edges[i].Properties == nil {
			p.Edges[i].Properties = map[string]any{}
		}
	}
	return p, nil
}

func encodeProperties(props map[string]any) (string, error) {
	if props == nil {
		return "{}", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
