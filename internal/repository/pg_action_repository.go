package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.ActionRepository = (*pgActionRepository)(nil)

type pgActionRepository struct {
	logger *zap.Logger
}

func NewPgActionRepository(logger *zap.Logger) interfaces.ActionRepository {
	return &pgActionRepository{logger: logger.Named("PgActionRepo")}
}

const createActionQuery = `
INSERT INTO actions (id, session_id, scene_id, character_id, action_text, outcome, intent_tags, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *pgActionRepository) Create(ctx context.Context, q interfaces.DBTX, action *models.Action) error {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	tags, err := json.Marshal(action.IntentTags)
	if err != nil {
		return fmt.Errorf("marshal action intent_tags: %w", err)
	}
	_, err = q.Exec(ctx, createActionQuery,
		action.ID, action.SessionID, action.SceneID, action.CharacterID,
		action.Text, action.Outcome, tags, action.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create action",
			zap.String("sessionID", action.SessionID.String()),
			zap.String("characterID", action.CharacterID.String()),
			zap.Error(err))
		return fmt.Errorf("create action: %w", err)
	}
	return nil
}
