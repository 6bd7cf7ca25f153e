package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.SessionRepository = (*pgSessionRepository)(nil)

type pgSessionRepository struct {
	logger *zap.Logger
}

func NewPgSessionRepository(logger *zap.Logger) interfaces.SessionRepository {
	return &pgSessionRepository{logger: logger.Named("PgSessionRepo")}
}

const getSessionByIDQuery = `
SELECT id, scenario_id, ruleset_id, world_lore_id, character_ids, current_scene_id,
       small_model_key, large_model_key, created_at, updated_at
FROM sessions
WHERE id = $1`

const createSessionQuery = `
INSERT INTO sessions (id, scenario_id, ruleset_id, world_lore_id, character_ids,
                      current_scene_id, small_model_key, large_model_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

// advanceSceneQuery only matches when the stored pointer still equals the
// token captured at turn start; zero rows affected means another turn won.
const advanceSceneQuery = `
UPDATE sessions
SET current_scene_id = $2, updated_at = $3
WHERE id = $1 AND current_scene_id = $4`

func (r *pgSessionRepository) GetByID(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.Session, error) {
	session := &models.Session{}
	var charIDs []byte
	err := q.QueryRow(ctx, getSessionByIDQuery, id).Scan(
		&session.ID,
		&session.ScenarioID,
		&session.RulesetID,
		&session.WorldLoreID,
		&charIDs,
		&session.CurrentSceneID,
		&session.SmallModelKey,
		&session.LargeModelKey,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		r.logger.Error("Failed to get session by ID", zap.String("sessionID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if err := json.Unmarshal(charIDs, &session.CharacterIDs); err != nil {
		return nil, fmt.Errorf("%w: session %s character_ids unreadable: %v", models.ErrSchemaMismatch, id, err)
	}
	return session, nil
}

func (r *pgSessionRepository) Create(ctx context.Context, q interfaces.DBTX, session *models.Session) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	now := time.Now().UTC()
	charIDs, err := json.Marshal(session.CharacterIDs)
	if err != nil {
		return fmt.Errorf("marshal session character_ids: %w", err)
	}
	_, err = q.Exec(ctx, createSessionQuery,
		session.ID, session.ScenarioID, session.RulesetID, session.WorldLoreID,
		charIDs, session.CurrentSceneID, session.SmallModelKey, session.LargeModelKey, now)
	if err != nil {
		r.logger.Error("Failed to create session", zap.String("sessionID", session.ID.String()), zap.Error(err))
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *pgSessionRepository) AdvanceScene(ctx context.Context, q interfaces.DBTX, sessionID, newSceneID, expectedSceneID uuid.UUID) error {
	tag, err := q.Exec(ctx, advanceSceneQuery, sessionID, newSceneID, time.Now().UTC(), expectedSceneID)
	if err != nil {
		r.logger.Error("Failed to advance session scene pointer",
			zap.String("sessionID", sessionID.String()), zap.Error(err))
		return fmt.Errorf("advance session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("Session scene pointer moved since turn start",
			zap.String("sessionID", sessionID.String()),
			zap.String("expectedSceneID", expectedSceneID.String()))
		return models.ErrConcurrencyConflict
	}
	return nil
}
