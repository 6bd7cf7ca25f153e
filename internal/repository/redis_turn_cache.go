package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
	"fable-server/internal/models"
)

var _ interfaces.TurnResultCache = (*redisTurnCache)(nil)

// redisTurnCache fronts the turn_results table for replay lookups. It is an
// optimization only: every failure degrades to a miss and the authoritative
// row in PostgreSQL answers instead.
type redisTurnCache struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisTurnCache(client *redis.Client, logger *zap.Logger) interfaces.TurnResultCache {
	return &redisTurnCache{client: client, logger: logger.Named("RedisTurnCache")}
}

func turnResultKey(sessionID uuid.UUID, userActionID string) string {
	return fmt.Sprintf("turn_result:%s:%s", sessionID, userActionID)
}

func (c *redisTurnCache) Get(ctx context.Context, sessionID uuid.UUID, userActionID string) (*models.TurnResult, error) {
	payload, err := c.client.Get(ctx, turnResultKey(sessionID, userActionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrNotFound
		}
		c.logger.Warn("Turn result cache read failed",
			zap.String("sessionID", sessionID.String()), zap.Error(err))
		return nil, models.ErrNotFound
	}
	result := &models.TurnResult{}
	if err := json.Unmarshal(payload, result); err != nil {
		c.logger.Warn("Cached turn result unreadable, treating as miss",
			zap.String("sessionID", sessionID.String()), zap.Error(err))
		return nil, models.ErrNotFound
	}
	return result, nil
}

func (c *redisTurnCache) Set(ctx context.Context, sessionID uuid.UUID, userActionID string, result *models.TurnResult, ttl time.Duration) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal turn result for cache: %w", err)
	}
	if err := c.client.Set(ctx, turnResultKey(sessionID, userActionID), payload, ttl).Err(); err != nil {
		c.logger.Warn("Turn result cache write failed",
			zap.String("sessionID", sessionID.String()), zap.Error(err))
		return err
	}
	return nil
}
