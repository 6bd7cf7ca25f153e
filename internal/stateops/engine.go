package stateops

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// OpKind is the closed operation vocabulary.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpInc    OpKind = "inc"
	OpDec    OpKind = "dec"
	OpAppend OpKind = "append"
	OpRemove OpKind = "remove"
)

// KnownOp reports membership in the operation vocabulary.
func KnownOp(kind OpKind) bool {
	switch kind {
	case OpSet, OpInc, OpDec, OpAppend, OpRemove:
		return true
	}
	return false
}

// Operation is one typed mutation of the scene state emitted by a model step.
type Operation struct {
	Op    OpKind `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Apply runs the full batch against a copy of current and validates the
// result against schema. All-or-nothing: any rejected operation or a failed
// post-apply validation returns an error and current is left untouched.
func Apply(current json.RawMessage, ops []Operation, schema *Schema) (json.RawMessage, error) {
	state := map[string]any{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &state); err != nil {
			return nil, fmt.Errorf("%w: current scene state unreadable: %v", ErrSchema, err)
		}
	}

	for i, op := range ops {
		if err := applyOne(state, op, schema); err != nil {
			return nil, fmt.Errorf("operation %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}

	if err := schema.Validate(state); err != nil {
		return nil, err
	}

	next, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal scene state: %w", err)
	}
	return next, nil
}

func applyOne(state map[string]any, op Operation, schema *Schema) error {
	if !KnownOp(op.Op) {
		return fmt.Errorf("%w: unknown operation kind %q", ErrRejected, op.Op)
	}
	if !schema.HasPath(op.Path) {
		return fmt.Errorf("%w: path %q not in scene schema", ErrRejected, op.Path)
	}

	segments := strings.Split(op.Path, ".")
	parent, key, err := descend(state, segments)
	if err != nil {
		return err
	}

	switch op.Op {
	case OpSet:
		parent[key] = op.Value
	case OpInc, OpDec:
		delta, ok := asNumber(op.Value)
		if !ok {
			return fmt.Errorf("%w: %s requires a numeric value", ErrRejected, op.Op)
		}
		currentVal := 0.0
		if existing, present := parent[key]; present && existing != nil {
			currentVal, ok = asNumber(existing)
			if !ok {
				return fmt.Errorf("%w: %s target %q is not numeric", ErrRejected, op.Op, op.Path)
			}
		}
		if op.Op == OpDec {
			delta = -delta
		}
		parent[key] = currentVal + delta
	case OpAppend:
		list, err := asList(parent[key], op.Path)
		if err != nil {
			return err
		}
		parent[key] = append(list, op.Value)
	case OpRemove:
		list, err := asList(parent[key], op.Path)
		if err != nil {
			return err
		}
		kept := make([]any, 0, len(list))
		removed := false
		for _, item := range list {
			if !removed && reflect.DeepEqual(item, op.Value) {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		if !removed {
			return fmt.Errorf("%w: value not present in list at %q", ErrRejected, op.Path)
		}
		parent[key] = kept
	}
	return nil
}

// descend walks to the parent map of the final path segment, creating
// intermediate maps under object fields as needed.
func descend(state map[string]any, segments []string) (map[string]any, string, error) {
	parent := state
	for _, seg := range segments[:len(segments)-1] {
		child, present := parent[seg]
		if !present || child == nil {
			next := map[string]any{}
			parent[seg] = next
			parent = next
			continue
		}
		m, ok := child.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("%w: path segment %q is not an object", ErrRejected, seg)
		}
		parent = m
	}
	return parent, segments[len(segments)-1], nil
}

func asList(value any, path string) ([]any, error) {
	if value == nil {
		return []any{}, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: target %q is not a list", ErrRejected, path)
	}
	return list, nil
}
