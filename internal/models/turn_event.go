package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TurnEventType tags entries in the append-only per-turn log.
type TurnEventType string

const (
	EventUserAction  TurnEventType = "user_action"
	EventModelOutput TurnEventType = "model_output"
	EventToolCall    TurnEventType = "tool_call"
	EventStateApply  TurnEventType = "state_apply"
	EventError       TurnEventType = "error"
)

// Step names recorded on turn events.
const (
	StepResolution = "ruleset_resolution"
	StepReflection = "reflection"
	StepNarrator   = "narrator"
	StepDice       = "dice"
	StepStateApply = "state_apply"
	StepTurn       = "turn"
)

// TurnEvent is one immutable log entry for a turn. The full sequence keyed by
// (session_id, turn_index, step_name) allows replaying a committed turn.
type TurnEvent struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	SessionID uuid.UUID       `db:"session_id" json:"sessionId"`
	TurnIndex int             `db:"turn_index" json:"turnIndex"`
	EventType TurnEventType   `db:"event_type" json:"eventType"`
	StepName  string          `db:"step_name" json:"stepName"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	// ModelKey and PromptVersion are set on model_output events only.
	ModelKey      string    `db:"model_key" json:"modelKey,omitempty"`
	PromptVersion string    `db:"prompt_version" json:"promptVersion,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}
