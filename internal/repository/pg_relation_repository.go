package repository

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.RelationRepository = (*pgRelationRepository)(nil)

type pgRelationRepository struct {
	logger *zap.Logger
}

func NewPgRelationRepository(logger *zap.Logger) interfaces.RelationRepository {
	return &pgRelationRepository{logger: logger.Named("PgRelationRepo")}
}

const listRelationsBySceneQuery = `
SELECT id, scene_id, char_low_id, char_high_id, trust, tension, closeness
FROM relations
WHERE scene_id = $1`

// upsertRelationQuery relies on the unique index on
// (scene_id, char_low_id, char_high_id); callers must store pairs in
// canonical order via models.NormalizeRelationPair.
const upsertRelationQuery = `
INSERT INTO relations (id, scene_id, char_low_id, char_high_id, trust, tension, closeness)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (scene_id, char_low_id, char_high_id)
DO UPDATE SET trust = EXCLUDED.trust, tension = EXCLUDED.tension, closeness = EXCLUDED.closeness`

func (r *pgRelationRepository) ListByScene(ctx context.Context, q interfaces.DBTX, sceneID uuid.UUID) ([]*models.Relation, error) {
	var relations []*models.Relation
	err := pgxscan.Select(ctx, q, &relations, listRelationsBySceneQuery, sceneID)
	if err != nil {
		r.logger.Error("Failed to list relations", zap.String("sceneID", sceneID.String()), zap.Error(err))
		return nil, fmt.Errorf("list relations for scene %s: %w", sceneID, err)
	}
	return relations, nil
}

func (r *pgRelationRepository) Upsert(ctx context.Context, q interfaces.DBTX, rel *models.Relation) error {
	if rel.ID == uuid.Nil {
		rel.ID = uuid.New()
	}
	low, high := models.NormalizeRelationPair(rel.CharLowID, rel.CharHighID)
	rel.CharLowID, rel.CharHighID = low, high
	_, err := q.Exec(ctx, upsertRelationQuery,
		rel.ID, rel.SceneID, rel.CharLowID, rel.CharHighID, rel.Trust, rel.Tension, rel.Closeness)
	if err != nil {
		r.logger.Error("Failed to upsert relation",
			zap.String("sceneID", rel.SceneID.String()),
			zap.String("charLowID", rel.CharLowID.String()),
			zap.String("charHighID", rel.CharHighID.String()),
			zap.Error(err))
		return fmt.Errorf("upsert relation: %w", err)
	}
	return nil
}
