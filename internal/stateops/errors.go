package stateops

import "errors"

var (
	// ErrRejected marks an operation outside the allowed vocabulary/paths or
	// a post-apply state that fails schema validation.
	ErrRejected = errors.New("state operation rejected")
	// ErrSchema marks stored schema/state data that cannot be interpreted.
	ErrSchema = errors.New("scene schema mismatch")
)
