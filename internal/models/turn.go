package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TurnResult is returned to the caller after a committed turn and is also the
// payload stored for idempotent replay of (session_id, user_action_id).
type TurnResult struct {
	SessionID        uuid.UUID       `json:"sessionId"`
	SceneID          uuid.UUID       `json:"sceneId"`
	SceneIndex       int             `json:"sceneIndex"`
	Narration        string          `json:"narration"`
	SuggestedActions []string        `json:"suggestedActions,omitempty"`
	SceneState       json.RawMessage `json:"sceneState"`
}

// FailureKind classifies terminal turn failures per the error taxonomy.
type FailureKind string

const (
	FailureTransport   FailureKind = "transport"
	FailureValidation  FailureKind = "validation"
	FailureConcurrency FailureKind = "concurrency_conflict"
	FailureOperation   FailureKind = "operation"
	FailureSchema      FailureKind = "schema_mismatch"
	FailureInternal    FailureKind = "internal"
)

// TurnFailure is the only error type that crosses the turn boundary. The
// scene does not advance and no partial entities are persisted; the caller
// may retry the same user action with the same user_action_id.
type TurnFailure struct {
	Kind    FailureKind `json:"kind"`
	Step    string      `json:"step,omitempty"`
	Message string      `json:"message"`
	cause   error
}

func (f *TurnFailure) Error() string {
	if f.Step != "" {
		return fmt.Sprintf("turn failed (%s) at step %s: %s", f.Kind, f.Step, f.Message)
	}
	return fmt.Sprintf("turn failed (%s): %s", f.Kind, f.Message)
}

func (f *TurnFailure) Unwrap() error { return f.cause }

// NewTurnFailure wraps err into a terminal TurnFailure.
func NewTurnFailure(kind FailureKind, step string, err error) *TurnFailure {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TurnFailure{Kind: kind, Step: step, Message: msg, cause: err}
}
