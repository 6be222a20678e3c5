package graphstore

import (
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

// MaxEdgeTypeFilters bounds the size of a traversal's edge type filter.
const MaxEdgeTypeFilters = 64

// ValidateKey checks a storage key.
func ValidateKey(op, key string) error {
	if key == "" {
		return ValidationError(op, "", "key must be a non-empty string")
	}
	if !utf8.ValidString(key) {
		return ValidationError(op, "", "key is not valid UTF-8")
	}
	return nil
}

// ValidateValue checks the parts of an entity every adapter depends on.
func ValidateValue(op, key string, e Entity) error {
	if err := ValidateKey(op, key); err != nil {
		return err
	}
	if e.Properties == nil {
		return ValidationError(op, key, "properties must be an object")
	}
	if !utf8.ValidString(e.ID) {
		return ValidationError(op, key, "entity id is not valid UTF-8")
	}
	if !utf8.ValidString(e.Type) {
		return ValidationError(op, key, "entity type is not valid UTF-8")
	}
	if path, ok := invalidUTF8(reflect.ValueOf(e.Properties), "properties", 0); ok {
		return ValidationError(op, key, "%s is not valid UTF-8", path)
	}
	return nil
}

// maxPropertyDepth bounds the walk over nested property values. Deeper
// values are left to the JSON encoder, which rejects cycles.
const maxPropertyDepth = 256

// invalidUTF8 returns the path of the first string, at any depth, that JSON
// encoding would rewrite with U+FFFD.
func invalidUTF8(v reflect.Value, path string, depth int) (string, bool) {
	if depth > maxPropertyDepth {
		return "", false
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return path, true
		}
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			return invalidUTF8(v.Elem(), path, depth+1)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			k := iter.Key()
			name := fmt.Sprint(k.Interface())
			if k.Kind() == reflect.String && !utf8.ValidString(k.String()) {
				return path + ".<key>", true
			}
			if p, ok := invalidUTF8(iter.Value(), path+"."+name, depth+1); ok {
				return p, true
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return "", false
		}
		for i := 0; i < v.Len(); i++ {
			if p, ok := invalidUTF8(v.Index(i), fmt.Sprintf("%s[%d]", path, i), depth+1); ok {
				return p, true
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if p, ok := invalidUTF8(v.Field(i), path+"."+v.Type().Field(i).Name, depth+1); ok {
				return p, true
			}
		}
	}
	return "", false
}

// ValidateEntity checks a graph entity: id and type are required on top of
// ValidateValue.
func ValidateEntity(op, key string, e Entity) error {
	if err := ValidateValue(op, key, e); err != nil {
		return err
	}
	if e.ID == "" {
		return ValidationError(op, key, "entity id must be a non-empty string")
	}
	if e.Type == "" {
		return ValidationError(op, key, "entity type must be a non-empty string")
	}
	return nil
}

// ValidateEdge requires both endpoints and a type.
func ValidateEdge(op string, e Edge) error {
	var missing []string
	if e.From == "" {
		missing = append(missing, "from")
	}
	if e.To == "" {
		missing = append(missing, "to")
	}
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return ValidationError(op, "", "edge is missing %s", strings.Join(missing, ", "))
	}
	if !utf8.ValidString(e.From) || !utf8.ValidString(e.To) || !utf8.ValidString(e.Type) {
		return ValidationError(op, "", "edge endpoints and type must be valid UTF-8")
	}
	if path, ok := invalidUTF8(reflect.ValueOf(e.Properties), "properties", 0); ok {
		return ValidationError(op, "", "edge %s is not valid UTF-8", path)
	}
	return nil
}

// ValidatePattern checks everything in a traversal pattern except the depth,
// which the query builder owns.
func ValidatePattern(op string, p TraversalPattern) error {
	if p.StartNode == "" {
		return ValidationError(op, "", "start node must be a non-empty string")
	}
	if p.Direction != "" && !p.Direction.Valid() {
		return ValidationError(op, "", "unknown direction %q", p.Direction)
	}
	if len(p.EdgeTypes) > MaxEdgeTypeFilters {
		return ValidationError(op, "", "at most %d edge types may be filtered, got %d", MaxEdgeTypeFilters, len(p.EdgeTypes))
	}
	for i, t := range p.EdgeTypes {
		if t == "" {
			return ValidationError(op, "", "edge type filter %d is empty", i)
		}
		if !utf8.ValidString(t) {
			return ValidationError(op, "", "edge type filter %d is not valid UTF-8", i)
		}
	}
	return nil
}
