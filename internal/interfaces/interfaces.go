// Package interfaces declares the boundaries the turn orchestrator depends
// on: the persistence gateway, the model step invokers, and the post-commit
// notification publisher. Implementations live in internal/repository,
// internal/ai and internal/messaging.
package interfaces

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fable-server/internal/memory"
	"fable-server/internal/models"
	"fable-server/internal/stateops"
)

// DBTX accepts either a pgxpool.Pool or a pgx.Tx, so repositories can run
// inside or outside the turn transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxManager runs fn inside one transaction, rolling back on error or panic.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
}

// SessionRepository reads the session row and advances its scene pointer.
type SessionRepository interface {
	GetByID(ctx context.Context, q DBTX, id uuid.UUID) (*models.Session, error)
	// AdvanceScene moves current_scene_id from expectedSceneID to newSceneID.
	// Returns models.ErrConcurrencyConflict when the stored pointer no longer
	// matches expectedSceneID (the optimistic-concurrency check).
	AdvanceScene(ctx context.Context, q DBTX, sessionID, newSceneID, expectedSceneID uuid.UUID) error
	Create(ctx context.Context, q DBTX, session *models.Session) error
}

// SceneRepository stores immutable scene snapshots.
type SceneRepository interface {
	GetByID(ctx context.Context, q DBTX, id uuid.UUID) (*models.Scene, error)
	Create(ctx context.Context, q DBTX, scene *models.Scene) error
	// ListRecentBySession returns up to limit scenes ordered by descending
	// scene_index (newest first), for narrative-context assembly.
	ListRecentBySession(ctx context.Context, q DBTX, sessionID uuid.UUID, limit int) ([]*models.Scene, error)
}

// ObservationRepository stores append-only character memory.
type ObservationRepository interface {
	ListBySessionAndCharacter(ctx context.Context, q DBTX, sessionID, characterID uuid.UUID, limit int) ([]*models.Observation, error)
	Create(ctx context.Context, q DBTX, obs *models.Observation) error
	// Reinforce bumps reinforcement_count for an existing identical
	// observation; returns models.ErrNotFound when no row matches.
	Reinforce(ctx context.Context, q DBTX, sessionID, characterID uuid.UUID, content string) error
}

// ActionRepository stores per-character action records.
type ActionRepository interface {
	Create(ctx context.Context, q DBTX, action *models.Action) error
}

// RelationRepository stores normalized relation edges per scene.
type RelationRepository interface {
	ListByScene(ctx context.Context, q DBTX, sceneID uuid.UUID) ([]*models.Relation, error)
	// Upsert writes the edge for the normalized (low, high) pair.
	Upsert(ctx context.Context, q DBTX, rel *models.Relation) error
}

// TurnEventRepository appends to the immutable per-turn log.
type TurnEventRepository interface {
	Create(ctx context.Context, q DBTX, event *models.TurnEvent) error
	ListByTurn(ctx context.Context, q DBTX, sessionID uuid.UUID, turnIndex int) ([]*models.TurnEvent, error)
}

// TurnResultRepository stores committed turn results keyed by
// (session_id, user_action_id) for idempotent replay.
type TurnResultRepository interface {
	Get(ctx context.Context, q DBTX, sessionID uuid.UUID, userActionID string) (*models.TurnResult, error)
	Create(ctx context.Context, q DBTX, sessionID uuid.UUID, userActionID string, result *models.TurnResult) error
}

// TurnResultCache fronts TurnResultRepository for replay lookups; misses and
// cache failures fall through to the authoritative store.
type TurnResultCache interface {
	Get(ctx context.Context, sessionID uuid.UUID, userActionID string) (*models.TurnResult, error)
	Set(ctx context.Context, sessionID uuid.UUID, userActionID string, result *models.TurnResult, ttl time.Duration) error
}

// ContentRepository is the read-only ruleset/scenario/lore/character store.
type ContentRepository interface {
	GetRuleset(ctx context.Context, q DBTX, id uuid.UUID) (*models.Ruleset, error)
	GetScenario(ctx context.Context, q DBTX, id uuid.UUID) (*models.Scenario, error)
	GetWorldLore(ctx context.Context, q DBTX, id uuid.UUID) (*models.WorldLore, error)
	GetCharacters(ctx context.Context, q DBTX, ids []uuid.UUID) ([]*models.Character, error)
}

// CharacterMemory is one present character's decayed observation window,
// assembled for prompt input.
type CharacterMemory struct {
	Character    *models.Character
	Observations []memory.Scored
}

// ResolutionInput feeds the ruleset resolution step.
type ResolutionInput struct {
	Rulebook          string
	MechanicsGuidance string
	SceneState        json.RawMessage
	UserAction        string
	Characters        []CharacterMemory
	ModelKey          string
}

// ResolutionResult is the validated output plus the rolls the step executed.
type ResolutionResult struct {
	Output *models.ResolutionOutput
	Rolls  []models.RollRecord
	RawDoc json.RawMessage
}

// ReflectionInput feeds one character's reflection step.
type ReflectionInput struct {
	Character       *models.Character
	Memory          []memory.Scored
	ResolvedOutcome string
	SceneState      json.RawMessage
	UserAction      string
	ModelKey        string
}

// ReflectionResult carries the character action and the accepted document.
type ReflectionResult struct {
	Output *models.ReflectionOutput
	RawDoc json.RawMessage
}

// NarratorInput feeds the narrator continuation step.
type NarratorInput struct {
	SceneState       json.RawMessage
	UserAction       string
	ResolvedOutcome  string
	CharacterActions []*models.ReflectionOutput
	Rolls            []models.RollRecord
	RulebookSummary  string
	WorldLore        string
	Tone             string
	RecentNarration  []string
	Characters       []CharacterMemory
	ModelKey         string
}

// NarratorResult carries the narration output and the accepted document.
type NarratorResult struct {
	Output *models.NarratorOutput
	RawDoc json.RawMessage
}

// StepInvoker runs the three model-backed reasoning steps. Each call owns
// its transport retries and the repair/retry validation policy.
type StepInvoker interface {
	Resolution(ctx context.Context, in ResolutionInput, vctx ValidationContext) (*ResolutionResult, error)
	Reflection(ctx context.Context, in ReflectionInput) (*ReflectionResult, error)
	Narrator(ctx context.Context, in NarratorInput, vctx ValidationContext) (*NarratorResult, error)
}

// ValidationContext carries the per-turn facts step validation needs.
type ValidationContext struct {
	PresentCharacterIDs map[uuid.UUID]bool
	Schema              *stateops.Schema
}

// TurnNotifier publishes a committed-turn notification after the
// transaction; failures must not affect the turn result.
type TurnNotifier interface {
	TurnCommitted(ctx context.Context, sessionID uuid.UUID, sceneIndex int, narration string) error
}
