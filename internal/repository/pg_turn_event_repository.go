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

var _ interfaces.TurnEventRepository = (*pgTurnEventRepository)(nil)

type pgTurnEventRepository struct {
	logger *zap.Logger
}

func NewPgTurnEventRepository(logger *zap.Logger) interfaces.TurnEventRepository {
	return &pgTurnEventRepository{logger: logger.Named("PgTurnEventRepo")}
}

const createTurnEventQuery = `
INSERT INTO turn_events (id, session_id, turn_index, event_type, step_name, payload, model_key, prompt_version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const listTurnEventsQuery = `
SELECT id, session_id, turn_index, event_type, step_name, payload, model_key, prompt_version, created_at
FROM turn_events
WHERE session_id = $1 AND turn_index = $2
ORDER BY created_at ASC`

func (r *pgTurnEventRepository) Create(ctx context.Context, q interfaces.DBTX, event *models.TurnEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(ctx, createTurnEventQuery,
		event.ID, event.SessionID, event.TurnIndex, event.EventType, event.StepName,
		event.Payload, event.ModelKey, event.PromptVersion, event.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create turn event",
			zap.String("sessionID", event.SessionID.String()),
			zap.Int("turnIndex", event.TurnIndex),
			zap.String("eventType", string(event.EventType)),
			zap.Error(err))
		return fmt.Errorf("create turn event: %w", err)
	}
	return nil
}

func (r *pgTurnEventRepository) ListByTurn(ctx context.Context, q interfaces.DBTX, sessionID uuid.UUID, turnIndex int) ([]*models.TurnEvent, error) {
	var events []*models.TurnEvent
	err := pgxscan.Select(ctx, q, &events, listTurnEventsQuery, sessionID, turnIndex)
	if err != nil {
		r.logger.Error("Failed to list turn events",
			zap.String("sessionID", sessionID.String()),
			zap.Int("turnIndex", turnIndex),
			zap.Error(err))
		return nil, fmt.Errorf("list turn events: %w", err)
	}
	return events, nil
}
