// Package stateops applies typed, schema-constrained operations to a scene
// state document. The operation vocabulary and the field kinds are both
// closed sets: anything outside them is rejected before it can touch
// persisted state.
package stateops

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FieldType is the closed set of scene-state field kinds.
type FieldType string

const (
	FieldNumber  FieldType = "number"
	FieldString  FieldType = "string"
	FieldBoolean FieldType = "boolean"
	FieldList    FieldType = "list"
	FieldEnum    FieldType = "enum"
	FieldObject  FieldType = "object"
)

// FieldSpec constrains a single top-level scene-state field.
type FieldSpec struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Min      *float64  `json:"min,omitempty"`
	Max      *float64  `json:"max,omitempty"`
	Values   []string  `json:"values,omitempty"`
}

// Schema is a parsed ruleset scene-state schema.
type Schema struct {
	Fields map[string]FieldSpec `json:"fields"`
}

// Ruleset versions below this carry numeric bounds written before bounds
// were enforced; they are relaxed at read time instead of rewriting rows.
const boundedSchemaVersion = 2

// ParseSchema decodes a stored scene-state schema. For legacy ruleset
// versions the numeric bounds are dropped (read-time normalization).
func ParseSchema(raw json.RawMessage, rulesetVersion int) (*Schema, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty scene schema", ErrSchema)
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: unparseable scene schema: %v", ErrSchema, err)
	}
	if len(s.Fields) == 0 {
		return nil, fmt.Errorf("%w: scene schema defines no fields", ErrSchema)
	}
	for name, spec := range s.Fields {
		switch spec.Type {
		case FieldNumber, FieldString, FieldBoolean, FieldList, FieldObject:
		case FieldEnum:
			if len(spec.Values) == 0 {
				return nil, fmt.Errorf("%w: enum field %q has no values", ErrSchema, name)
			}
		default:
			return nil, fmt.Errorf("%w: field %q has unknown type %q", ErrSchema, name, spec.Type)
		}
		if rulesetVersion < boundedSchemaVersion {
			spec.Min = nil
			spec.Max = nil
			s.Fields[name] = spec
		}
	}
	return &s, nil
}

// HasPath reports whether a dot-separated operation path is addressable in
// this schema. Nested segments are only legal under object fields.
func (s *Schema) HasPath(path string) bool {
	if path == "" {
		return false
	}
	segments := strings.Split(path, ".")
	spec, ok := s.Fields[segments[0]]
	if !ok {
		return false
	}
	if len(segments) == 1 {
		return true
	}
	return spec.Type == FieldObject
}

// Validate checks a full state document against the schema: required fields,
// field types, numeric bounds, enum membership. Keys outside the schema are
// rejected.
func (s *Schema) Validate(state map[string]any) error {
	for name, spec := range s.Fields {
		value, present := state[name]
		if !present || value == nil {
			if spec.Required {
				return fmt.Errorf("%w: required field %q missing", ErrRejected, name)
			}
			continue
		}
		if err := spec.check(name, value); err != nil {
			return err
		}
	}
	for key := range state {
		if _, ok := s.Fields[key]; !ok {
			return fmt.Errorf("%w: field %q not in scene schema", ErrRejected, key)
		}
	}
	return nil
}

func (spec FieldSpec) check(name string, value any) error {
	switch spec.Type {
	case FieldNumber:
		n, ok := asNumber(value)
		if !ok {
			return fmt.Errorf("%w: field %q expects a number", ErrRejected, name)
		}
		if spec.Min != nil && n < *spec.Min {
			return fmt.Errorf("%w: field %q value %v below minimum %v", ErrRejected, name, n, *spec.Min)
		}
		if spec.Max != nil && n > *spec.Max {
			return fmt.Errorf("%w: field %q value %v above maximum %v", ErrRejected, name, n, *spec.Max)
		}
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%w: field %q expects a string", ErrRejected, name)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%w: field %q expects a boolean", ErrRejected, name)
		}
	case FieldList:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("%w: field %q expects a list", ErrRejected, name)
		}
	case FieldEnum:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: field %q expects an enum string", ErrRejected, name)
		}
		for _, allowed := range spec.Values {
			if str == allowed {
				return nil
			}
		}
		return fmt.Errorf("%w: field %q value %q not in enum %v", ErrRejected, name, str, spec.Values)
	case FieldObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("%w: field %q expects an object", ErrRejected, name)
		}
	}
	return nil
}

func asNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
