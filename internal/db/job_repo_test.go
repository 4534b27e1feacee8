package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crowdcast/internal/types"
)

func TestJobRepository_Start_Success(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewJobRepository(dbx)
	ctx := context.Background()

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int64) = 42
		return nil
	}}
	dbx.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	now := time.Date(2025, 1, 15, 4, 0, 0, 0, time.UTC)
	id, err := repo.Start(ctx, types.JobTypeBatchForecast,
		now.AddDate(0, 0, 1), now.AddDate(0, 0, 2), now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	dbx.AssertExpectations(t)
}

func TestJobRepository_Start_DBError(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewJobRepository(dbx)
	ctx := context.Background()

	dbx.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.Start(ctx, types.JobTypeBatchForecast, time.Now(), time.Now(), time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	dbx.AssertExpectations(t)
}

func TestJobRepository_Finish_Success(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewJobRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		// Metadata must be marshaled to JSON bytes.
		meta, ok := args[5].([]byte)
		return ok && len(meta) > 0
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.Finish(ctx, 42, types.JobStatusSuccess, 43200, nil,
		map[string]any{"weather_fallback": true}, time.Now())
	require.NoError(t, err)
	dbx.AssertExpectations(t)
}

func TestJobRepository_Finish_NotFound(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewJobRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.Finish(ctx, 999, types.JobStatusFailed, 0, nil, nil, time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundJob, appErr.Code)
	dbx.AssertExpectations(t)
}

func TestJobRepository_RecoverStale(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewJobRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 2"), nil)

	now := time.Now().UTC()
	n, err := repo.RecoverStale(ctx, now.Add(-2*time.Hour), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	dbx.AssertExpectations(t)
}

func TestJobRepository_HasRunning(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewJobRepository(dbx)
	ctx := context.Background()

	row := &mockRow{scanFn: func(dest ...any) error {
		*dest[0].(*int) = 1
		return nil
	}}
	dbx.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(row)

	running, err := repo.HasRunning(ctx, types.JobTypeBatchForecast)
	require.NoError(t, err)
	assert.True(t, running)
	dbx.AssertExpectations(t)
}
