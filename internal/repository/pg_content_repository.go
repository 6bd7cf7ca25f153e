package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.ContentRepository = (*pgContentRepository)(nil)

// pgContentRepository reads the immutable authoring entities referenced by a
// session: ruleset, scenario, world lore and the cast.
type pgContentRepository struct {
	logger *zap.Logger
}

func NewPgContentRepository(logger *zap.Logger) interfaces.ContentRepository {
	return &pgContentRepository{logger: logger.Named("PgContentRepo")}
}

const getRulesetQuery = `
SELECT id, name, rulebook, stat_schema, scene_schema, mechanics_guidance, decay_lambda, version, created_at
FROM rulesets
WHERE id = $1`

const getScenarioQuery = `
SELECT id, ruleset_id, world_lore_id, character_ids, scene_seed, tone, stakes, goals, intro_text, created_at
FROM scenarios
WHERE id = $1`

const getWorldLoreQuery = `
SELECT id, title, content, created_at
FROM world_lore
WHERE id = $1`

const getCharactersQuery = `
SELECT id, name, profile, stats, is_user, created_at
FROM characters
WHERE id = ANY($1)`

func (r *pgContentRepository) GetRuleset(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.Ruleset, error) {
	ruleset := &models.Ruleset{}
	err := pgxscan.Get(ctx, q, ruleset, getRulesetQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRulesetNotFound
		}
		r.logger.Error("Failed to get ruleset", zap.String("rulesetID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get ruleset %s: %w", id, err)
	}
	return ruleset, nil
}

func (r *pgContentRepository) GetScenario(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.Scenario, error) {
	scenario := &models.Scenario{}
	err := pgxscan.Get(ctx, q, scenario, getScenarioQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrScenarioNotFound
		}
		r.logger.Error("Failed to get scenario", zap.String("scenarioID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get scenario %s: %w", id, err)
	}
	return scenario, nil
}

func (r *pgContentRepository) GetWorldLore(ctx context.Context, q interfaces.DBTX, id uuid.UUID) (*models.WorldLore, error) {
	lore := &models.WorldLore{}
	err := pgxscan.Get(ctx, q, lore, getWorldLoreQuery, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get world lore", zap.String("worldLoreID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("get world lore %s: %w", id, err)
	}
	return lore, nil
}

func (r *pgContentRepository) GetCharacters(ctx context.Context, q interfaces.DBTX, ids []uuid.UUID) ([]*models.Character, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var characters []*models.Character
	err := pgxscan.Select(ctx, q, &characters, getCharactersQuery, ids)
	if err != nil {
		r.logger.Error("Failed to get characters", zap.Int("count", len(ids)), zap.Error(err))
		return nil, fmt.Errorf("get characters: %w", err)
	}
	if len(characters) != len(ids) {
		return nil, fmt.Errorf("%w: expected %d characters, found %d", models.ErrNotFound, len(ids), len(characters))
	}
	return characters, nil
}
