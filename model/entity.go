package model

import "strconv"

// Entity is the structural accessor a record exposes to trigger rules. Lookup
// returns false when any segment of the path is missing.
type Entity interface {
	Lookup(path FieldPath) (any, bool)
}

// Record is a generic entity backed by decoded JSON or YAML. Nested objects
// are traversed by key and arrays by decimal index.
type Record map[string]any

// Lookup implements Entity.
func (r Record) Lookup(path FieldPath) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var current any = map[string]any(r)
	for _, part := range path {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case Record:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}
