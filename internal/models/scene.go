package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Scene is a full, self-contained snapshot of a session at one turn.
// Immutable once written; a turn always inserts a new scene at index+1.
type Scene struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SessionID  uuid.UUID `db:"session_id" json:"sessionId"`
	SceneIndex int       `db:"scene_index" json:"sceneIndex"`
	// State is an arbitrary document constrained by the ruleset's scene schema.
	State               json.RawMessage `db:"state" json:"state"`
	PresentCharacterIDs []uuid.UUID     `db:"present_character_ids" json:"presentCharacterIds"`
	Narration           string          `db:"narration" json:"narration"`
	CreatedAt           time.Time       `db:"created_at" json:"createdAt"`
}

// Relation is an undirected edge between two characters within a scene.
// Storage normalizes the pair so CharLowID < CharHighID lexicographically,
// guaranteeing one row per pair per scene regardless of submission order.
type Relation struct {
	ID         uuid.UUID `db:"id" json:"id"`
	SceneID    uuid.UUID `db:"scene_id" json:"sceneId"`
	CharLowID  uuid.UUID `db:"char_low_id" json:"charLowId"`
	CharHighID uuid.UUID `db:"char_high_id" json:"charHighId"`
	Trust      int       `db:"trust" json:"trust"`
	Tension    int       `db:"tension" json:"tension"`
	Closeness  int       `db:"closeness" json:"closeness"`
}

// NormalizeRelationPair returns the unordered pair (a, b) in canonical
// (low, high) storage order.
func NormalizeRelationPair(a, b uuid.UUID) (low, high uuid.UUID) {
	if a.String() <= b.String() {
		return a, b
	}
	return b, a
}
