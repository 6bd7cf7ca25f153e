package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.ObservationRepository = (*pgObservationRepository)(nil)

type pgObservationRepository struct {
	logger *zap.Logger
}

func NewPgObservationRepository(logger *zap.Logger) interfaces.ObservationRepository {
	return &pgObservationRepository{logger: logger.Named("PgObservationRepo")}
}

const listObservationsQuery = `
SELECT id, session_id, character_id, content, importance, reinforcement_count, created_at
FROM observations
WHERE session_id = $1 AND character_id = $2
ORDER BY created_at DESC
LIMIT $3`

const createObservationQuery = `
INSERT INTO observations (id, session_id, character_id, content, importance, reinforcement_count, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const reinforceObservationQuery = `
UPDATE observations
SET reinforcement_count = reinforcement_count + 1
WHERE id = (
	SELECT id FROM observations
	WHERE session_id = $1 AND character_id = $2 AND content = $3
	ORDER BY created_at DESC
	LIMIT 1
)`

func (r *pgObservationRepository) ListBySessionAndCharacter(ctx context.Context, q interfaces.DBTX, sessionID, characterID uuid.UUID, limit int) ([]*models.Observation, error) {
	var observations []*models.Observation
	err := pgxscan.Select(ctx, q, &observations, listObservationsQuery, sessionID, characterID, limit)
	if err != nil {
		r.logger.Error("Failed to list observations",
			zap.String("sessionID", sessionID.String()),
			zap.String("characterID", characterID.String()),
			zap.Error(err))
		return nil, fmt.Errorf("list observations: %w", err)
	}
	return observations, nil
}

func (r *pgObservationRepository) Create(ctx context.Context, q interfaces.DBTX, obs *models.Observation) error {
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.CreatedAt.IsZero() {
		obs.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, createObservationQuery,
		obs.ID, obs.SessionID, obs.CharacterID, obs.Content, obs.Importance, obs.ReinforcementCount, obs.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create observation",
			zap.String("sessionID", obs.SessionID.String()),
			zap.String("characterID", obs.CharacterID.String()),
			zap.Error(err))
		return fmt.Errorf("create observation: %w", err)
	}
	return nil
}

func (r *pgObservationRepository) Reinforce(ctx context.Context, q interfaces.DBTX, sessionID, characterID uuid.UUID, content string) error {
	tag, err := q.Exec(ctx, reinforceObservationQuery, sessionID, characterID, content)
	if err != nil {
		return fmt.Errorf("reinforce observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
