package graphstore

import (
	"encoding/json"
)

// Snapshot is an immutable encoded copy of an entity. Every call to Entity
// decodes a fresh value, so callers never share maps with the store.
type Snapshot struct {
	id    string
	typ   string
	props []byte
	meta  *Metadata
}

// NewSnapshot encodes e. Properties that cannot be represented as JSON are
// rejected as a validation error.
func NewSnapshot(e Entity) (Snapshot, error) {
	props := e.Properties
	if props == nil {
		props = map[string]any{}
	}
	data, err := json.Marshal(props)
	if err != nil {
		return Snapshot{}, &Error{Code: CodeValidation, Op: "snapshot", Message: "properties are not JSON encodable", Err: err}
	}
	s := Snapshot{id: e.ID, typ: e.Type, props: data}
	if e.Metadata != nil {
		m := *e.Metadata
		s.meta = &m
	}
	return s, nil
}

// SnapshotFromPayload builds a snapshot from already encoded properties.
func SnapshotFromPayload(id, typ string, payload []byte, meta *Metadata) Snapshot {
	s := Snapshot{id: id, typ: typ, props: append([]byte(nil), payload...)}
	if meta != nil {
		m := *meta
		s.meta = &m
	}
	return s
}

// ID returns the entity id without decoding.
func (s Snapshot) ID() string { return s.id }

// Metadata returns a copy of the stored metadata, or nil.
func (s Snapshot) Metadata() *Metadata {
	if s.meta == nil {
		return nil
	}
	m := *s.meta
	return &m
}

// Payload returns the encoded properties.
func (s Snapshot) Payload() string { return string(s.props) }

// Entity decodes a fresh copy.
func (s Snapshot) Entity() (Entity, error) {
	e := Entity{ID: s.id, Type: s.typ, Metadata: s.Metadata()}
	if err := json.Unmarshal(s.props, &e.Properties); err != nil {
		return Entity{}, IOError("snapshot", "", err)
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	return e, nil
}

// Normalize round-trips e through its JSON form so the returned value has
// exactly the shape every adapter hands back on read.
func Normalize(e Entity) (Entity, error) {
	s, err := NewSnapshot(e)
	if err != nil {
		return Entity{}, err
	}
	return s.Entity()
}

// MarshalJSON encodes the snapshot in the same shape as Entity.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
		Metadata   *Metadata       `json:"metadata,omitempty"`
	}{s.id, s.typ, s.props, s.meta})
}

// UnmarshalJSON decodes an entity document into the snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var doc struct {
		ID         string          `json:"id"`
		Type       string          `json:"type"`
		Properties json.RawMessage `json:"properties"`
		Metadata   *Metadata       `json:"metadata,omitempty"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	props := []byte(doc.Properties)
	if len(props) == 0 || string(props) == "null" {
		props = []byte("{}")
	}
	*s = Snapshot{id: doc.ID, typ: doc.Type, props: props, meta: doc.Metadata}
	return nil
}
