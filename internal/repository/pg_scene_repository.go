package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.SceneRepository = (*pgSceneRepository)(nil)

type pgSceneRepository struct {
	logger *zap.Logger
}

func NewPgSceneRepository(logger *zap.Logger) interfaces.SceneRepository {
	return &pgSceneRepository{logger: logger.Named("PgSceneRepo")}
}

const getSceneByIDQuery = `
SELECT id, session_id, scene_index, state, present_character_ids, narration, created_at
FROM scenes
WHERE id = $1`

const createSceneQuery = `
INSERT INTO scenes (id, session_id, scene_index, state, present_character_ids, narration, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const listRecentScenesQuery = `
SELECT id, session_id, scene_index, state, present_character_ids, narration, created_at
FROM scenes
WHERE session_id = $1
ORDER BY scene_index DESC
LIMIT $2`

func (r *pgSceneRepository) GetByID(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.Scene, error) {
	scene := &models.Scene{}
	var present []byte
	err := q.QueryRow(ctx, getSceneByIDQuery, id).Scan(
		&scene.ID,
		&scene.SessionID,
		&scene.SceneIndex,
		&scene.State,
		&present,
		&scene.Narration,
		&scene.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSceneNotFound
		}
		r.logger.Error("Failed to get scene by ID", zap.String("sceneID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get scene %s: %w", id, err)
	}
	if err := json.Unmarshal(present, &scene.PresentCharacterIDs); err != nil {
		return nil, fmt.Errorf("%w: scene %s present_character_ids unreadable: %v", models.ErrSchemaMismatch, id, err)
	}
	return scene, nil
}

func (r *pgSceneRepository) ListRecentBySession(ctx context.Context, q interfaces.DBTX, sessionID uuid.UUID, limit int) ([]*models.Scene, error) {
	rows, err := q.Query(ctx, listRecentScenesQuery, sessionID, limit)
	if err != nil {
		r.logger.Error("Failed to list recent scenes", zap.String("sessionID", sessionID.String()), zap.Error(err))
		return nil, fmt.Errorf("list recent scenes: %w", err)
	}
	defer rows.Close()

	var scenes []*models.Scene
	for rows.Next() {
		scene := &models.Scene{}
		var present []byte
		if err := rows.Scan(&scene.ID, &scene.SessionID, &scene.SceneIndex, &scene.State,
			&present, &scene.Narration, &scene.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent scene: %w", err)
		}
		if err := json.Unmarshal(present, &scene.PresentCharacterIDs); err != nil {
			return nil, fmt.Errorf("%w: scene %s present_character_ids unreadable: %v", models.ErrSchemaMismatch, scene.ID, err)
		}
		scenes = append(scenes, scene)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent scenes: %w", err)
	}
	return scenes, nil
}

// Postgres error code for unique constraint violations.
const uniqueViolationCode = "23505"

// Create inserts a new immutable scene snapshot. The unique index on
// (session_id, scene_index) backs the gap-free monotonicity invariant; a
// violation means another turn already committed this index, so it maps to
// the concurrency sentinel and drives a restart instead of a terminal error.
func (r *pgSceneRepository) Create(ctx context.Context, q interfaces.DBTX, scene *models.Scene) error {
	if scene.ID == uuid.Nil {
		scene.ID = uuid.New()
	}
	if scene.CreatedAt.IsZero() {
		scene.CreatedAt = time.Now().UTC()
	}
	present, err := json.Marshal(scene.PresentCharacterIDs)
	if err != nil {
		return fmt.Errorf("marshal scene present_character_ids: %w", err)
	}
	_, err = q.Exec(ctx, createSceneQuery,
		scene.ID, scene.SessionID, scene.SceneIndex, scene.State, present, scene.Narration, scene.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			r.logger.Info("Scene index already committed by a concurrent turn",
				zap.String("sessionID", scene.SessionID.String()),
				zap.Int("sceneIndex", scene.SceneIndex))
			return fmt.Errorf("create scene at index %d: %w", scene.SceneIndex, models.ErrConcurrencyConflict)
		}
		r.logger.Error("Failed to create scene",
			zap.String("sessionID", scene.SessionID.String()),
			zap.Int("sceneIndex", scene.SceneIndex),
			zap.Error(err))
		return fmt.Errorf("create scene: %w", err)
	}
	return nil
}
