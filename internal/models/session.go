package models

import (
	"time"

	"github.com/google/uuid"
)

// Session is a runtime instance of a scenario. CurrentSceneID doubles as the
// optimistic-concurrency token for turn commits: it is only ever advanced by
// the turn orchestrator, guarded by the value read at turn start.
type Session struct {
	ID             uuid.UUID   `db:"id" json:"id"`
	ScenarioID     uuid.UUID   `db:"scenario_id" json:"scenarioId"`
	RulesetID      uuid.UUID   `db:"ruleset_id" json:"rulesetId"`
	WorldLoreID    uuid.UUID   `db:"world_lore_id" json:"worldLoreId"`
	CharacterIDs   []uuid.UUID `db:"character_ids" json:"characterIds"`
	CurrentSceneID uuid.UUID   `db:"current_scene_id" json:"currentSceneId"`
	// Model tier aliases resolved per turn; never read from global config.
	SmallModelKey string    `db:"small_model_key" json:"smallModelKey"`
	LargeModelKey string    `db:"large_model_key" json:"largeModelKey"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}
