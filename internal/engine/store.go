package engine

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"crowdcast/internal/db"
	"crowdcast/internal/types"
)

// TxBeginner is the slice of pgxpool.Pool the store needs.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxForecastStore publishes a run's records inside a single transaction.
// A failure anywhere in the batch rolls the whole run back, so readers never
// observe a partially written day.
type TxForecastStore struct {
	pool TxBeginner
}

// NewTxForecastStore creates a TxForecastStore over the given pool.
func NewTxForecastStore(pool TxBeginner) *TxForecastStore {
	return &TxForecastStore{pool: pool}
}

// UpsertAll implements ForecastStore.
func (s *TxForecastStore) UpsertAll(ctx context.Context, records []types.ForecastRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin forecast transaction: %w", err)
	}

	repo := db.NewForecastRepository(tx)
	if err := repo.UpsertBatch(ctx, records); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			return fmt.Errorf("upsert forecasts: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("upsert forecasts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit forecast transaction: %w", err)
	}
	return nil
}
