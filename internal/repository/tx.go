// Package repository implements the persistence gateway on PostgreSQL (pgx)
// with a redis read-through cache for idempotent turn-result replay.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"fable-server/internal/interfaces"
)

// TransactionHelper runs functions inside a pgx transaction with automatic
// rollback on error or panic.
type TransactionHelper struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ interfaces.TxManager = (*TransactionHelper)(nil)

func NewTransactionHelper(db *pgxpool.Pool, logger *zap.Logger) *TransactionHelper {
	return &TransactionHelper{db: db, logger: logger.Named("Tx")}
}

func (h *TransactionHelper) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx interfaces.DBTX) error) error {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
				h.logger.Error("Failed to rollback transaction after panic",
					zap.Error(rollbackErr), zap.Any("panic", p))
			}
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			h.logger.Error("Failed to rollback transaction",
				zap.Error(rollbackErr), zap.NamedError("original_error", err))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
