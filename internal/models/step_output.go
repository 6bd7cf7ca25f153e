package models

import (
	"github.com/google/uuid"

	"fable-server/internal/dice"
	"fable-server/internal/stateops"
)

// Prompt/schema contract version recorded on model_output turn events.
const PromptVersion = "v3"

// NewObservation is a memory item emitted by a model step, tagged to one
// present character.
type NewObservation struct {
	CharacterID uuid.UUID `json:"character_id"`
	Content     string    `json:"content"`
	Importance  int       `json:"importance"`
}

// DiceRequest asks the dice service to evaluate one expression against a
// character's stat block.
type DiceRequest struct {
	Expression  string    `json:"expression"`
	CharacterID uuid.UUID `json:"character_id"`
}

// ResolutionOutput is the validated contract of the ruleset resolution step.
type ResolutionOutput struct {
	DiceRequests    []DiceRequest        `json:"dice_requests,omitempty"`
	ResolvedOutcome string               `json:"resolved_outcome"`
	UserActionText  string               `json:"user_action_text"`
	Observations    []NewObservation     `json:"observations,omitempty"`
	StateOps        []stateops.Operation `json:"state_ops,omitempty"`
}

// RollRecord pairs a dice request with its evaluated result; recorded as a
// tool_call turn event and fed into the narrator payload.
type RollRecord struct {
	Request DiceRequest `json:"request"`
	Result  dice.Result `json:"result"`
}

// ReflectionOutput is one non-user character's action for the turn.
type ReflectionOutput struct {
	CharacterID uuid.UUID `json:"character_id"`
	ActionText  string    `json:"action_text"`
	IntentTags  []string  `json:"intent_tags,omitempty"`
}

// NarratorOutput is the validated contract of the narrator continuation step.
type NarratorOutput struct {
	Narration        string               `json:"narration"`
	Observations     []NewObservation     `json:"observations,omitempty"`
	StateOps         []stateops.Operation `json:"state_ops,omitempty"`
	SuggestedActions []string             `json:"suggested_actions,omitempty"`
}
