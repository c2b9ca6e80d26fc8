package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Kind is the structural tag of a schema node.
type Kind string

const (
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
)

// Schema is a recursive structural descriptor for the response a caller
// expects: an object with named fields, an array of a single item type, an
// enum of string literals, or a primitive. It mirrors the subset of the
// provider schema dialect that agent frameworks actually send.
type Schema struct {
	Type       string             `json:"type"`
	Title      string             `json:"title,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []string           `json:"enum,omitempty"`
}

// Kind normalizes the type tag; provider dialects use upper- and lower-case
// spellings interchangeably.
func (s *Schema) Kind() Kind {
	return Kind(strings.ToLower(s.Type))
}

// Validate reports whether v structurally satisfies the schema. It is used
// by tests and by the generator's own sanity checks.
func (s *Schema) Validate(v interface{}) error {
	if s == nil {
		return nil
	}
	switch s.Kind() {
	case KindObject:
		m, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		for name, prop := range s.Properties {
			fv, present := m[name]
			if !present {
				return fmt.Errorf("missing field %q", name)
			}
			if err := prop.Validate(fv); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		return nil
	case KindArray:
		list, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		if len(list) == 0 {
			return fmt.Errorf("array must not be empty")
		}
		for i, item := range list {
			if err := s.Items.Validate(item); err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
		}
		return nil
	case KindString:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if len(s.Enum) > 0 {
			for _, lit := range s.Enum {
				if str == lit {
					return nil
				}
			}
			return fmt.Errorf("value %q not in enum %v", str, s.Enum)
		}
		if str == "" {
			return fmt.Errorf("string must not be empty")
		}
		return nil
	case KindNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return nil
		}
		return fmt.Errorf("expected number, got %T", v)
	case KindInteger:
		switch n := v.(type) {
		case int, int64:
			return nil
		case float64:
			if n == float64(int64(n)) {
				return nil
			}
			return fmt.Errorf("expected integer, got fractional %v", n)
		}
		return fmt.Errorf("expected integer, got %T", v)
	case KindBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		return nil
	}
	return fmt.Errorf("unsupported schema type %q", s.Type)
}

// sortedPropertyNames gives deterministic field iteration for synthesis.
func (s *Schema) sortedPropertyNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
