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

var _ interfaces.TurnResultRepository = (*pgTurnResultRepository)(nil)

type pgTurnResultRepository struct {
	logger *zap.Logger
}

func NewPgTurnResultRepository(logger *zap.Logger) interfaces.TurnResultRepository {
	return &pgTurnResultRepository{logger: logger.Named("PgTurnResultRepo")}
}

const getTurnResultQuery = `
SELECT result
FROM turn_results
WHERE session_id = $1 AND user_action_id = $2`

// The primary key on (session_id, user_action_id) makes the insert the
// idempotency anchor: a duplicate user_action_id can never produce a second
// committed result.
const createTurnResultQuery = `
INSERT INTO turn_results (session_id, user_action_id, result, created_at)
VALUES ($1, $2, $3, $4)`

func (r *pgTurnResultRepository) Get(ctx context.Context, q interfaces.DBTX, sessionID uuid.UUID, userActionID string) (*models.TurnResult, error) {
	var payload []byte
	err := q.QueryRow(ctx, getTurnResultQuery, sessionID, userActionID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get turn result",
			zap.String("sessionID", sessionID.String()),
			zap.String("userActionID", userActionID),
			zap.Error(err))
		return nil, fmt.Errorf("get turn result: %w", err)
	}
	result := &models.TurnResult{}
	if err := json.Unmarshal(payload, result); err != nil {
		return nil, fmt.Errorf("%w: stored turn result unreadable: %v", models.ErrSchemaMismatch, err)
	}
	return result, nil
}

func (r *pgTurnResultRepository) Create(ctx context.Context, q interfaces.DBTX, sessionID uuid.UUID, userActionID string, result *models.TurnResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal turn result: %w", err)
	}
	_, err = q.Exec(ctx, createTurnResultQuery, sessionID, userActionID, payload, time.Now().UTC())
	if err != nil {
		r.logger.Error("Failed to create turn result",
			zap.String("sessionID", sessionID.String()),
			zap.String("userActionID", userActionID),
			zap.Error(err))
		return fmt.Errorf("create turn result: %w", err)
	}
	return nil
}
