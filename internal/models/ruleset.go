package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Ruleset is a versioned mechanics package: rulebook text plus the JSON
// schemas constraining character stats and scene state. Immutable once a
// session references it; edits create a new version row.
type Ruleset struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	Rulebook          string          `db:"rulebook" json:"rulebook"`
	StatSchema        json.RawMessage `db:"stat_schema" json:"statSchema"`
	SceneSchema       json.RawMessage `db:"scene_schema" json:"sceneSchema"`
	MechanicsGuidance string          `db:"mechanics_guidance" json:"mechanicsGuidance,omitempty"`
	// DecayLambda overrides the global observation decay constant when > 0.
	DecayLambda float64   `db:"decay_lambda" json:"decayLambda,omitempty"`
	Version     int       `db:"version" json:"version"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// Scenario binds a ruleset and world lore to a cast and a seed scene.
// Read-only at turn time.
type Scenario struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	RulesetID    uuid.UUID       `db:"ruleset_id" json:"rulesetId"`
	WorldLoreID  uuid.UUID       `db:"world_lore_id" json:"worldLoreId"`
	CharacterIDs []uuid.UUID     `db:"character_ids" json:"characterIds"`
	SceneSeed    json.RawMessage `db:"scene_seed" json:"sceneSeed"`
	Tone         string          `db:"tone" json:"tone"`
	Stakes       string          `db:"stakes" json:"stakes"`
	Goals        string          `db:"goals" json:"goals"`
	IntroText    string          `db:"intro_text" json:"introText"`
	CreatedAt    time.Time       `db:"created_at" json:"createdAt"`
}

// WorldLore is free-form setting text shared by scenarios.
type WorldLore struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Character is the persona + stat block read at turn time. Stats are
// constrained by the ruleset's stat schema.
type Character struct {
	ID        uuid.UUID      `db:"id" json:"id"`
	Name      string         `db:"name" json:"name"`
	Profile   string         `db:"profile" json:"profile"`
	Stats     map[string]int `db:"stats" json:"stats"`
	IsUser    bool           `db:"is_user" json:"isUser"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
}
