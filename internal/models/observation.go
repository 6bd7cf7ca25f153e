package models

import (
	"time"

	"github.com/google/uuid"
)

// Observation importance bounds enforced by step output validation.
const (
	ObservationImportanceMin = 1
	ObservationImportanceMax = 5
)

// Observation is a per-character memory item owned by (session, character).
// Rows are append-only; decay is computed at read time and never persisted.
type Observation struct {
	ID                 uuid.UUID `db:"id" json:"id"`
	SessionID          uuid.UUID `db:"session_id" json:"sessionId"`
	CharacterID        uuid.UUID `db:"character_id" json:"characterId"`
	Content            string    `db:"content" json:"content"`
	Importance         int       `db:"importance" json:"importance"`
	ReinforcementCount int       `db:"reinforcement_count" json:"reinforcementCount"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
}

// Action is one character's resolved action for a turn, including the
// user-attributed entry produced by ruleset resolution. Append-only.
type Action struct {
	ID          uuid.UUID `db:"id" json:"id"`
	SessionID   uuid.UUID `db:"session_id" json:"sessionId"`
	SceneID     uuid.UUID `db:"scene_id" json:"sceneId"`
	CharacterID uuid.UUID `db:"character_id" json:"characterId"`
	Text        string    `db:"action_text" json:"text"`
	Outcome     string    `db:"outcome" json:"outcome"`
	IntentTags  []string  `db:"intent_tags" json:"intentTags,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}
