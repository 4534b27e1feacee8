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

func sampleRecord(hour int) types.ForecastRecord {
	pred := 300.0
	occ := 50
	level := types.CrowdMedium
	return types.ForecastRecord{
		LineID:          "500T",
		Date:            time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
		Hour:            hour,
		PredictedValue:  &pred,
		OccupancyPct:    &occ,
		CrowdLevel:      &level,
		MaxCapacity:     600,
		TripsPerHour:    5,
		VehicleCapacity: 120,
		InService:       true,
	}
}

func TestForecastRepository_UpsertBatch_OneExecPerRecord(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewForecastRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Times(3)

	records := []types.ForecastRecord{sampleRecord(7), sampleRecord(8), sampleRecord(9)}
	err := repo.UpsertBatch(ctx, records)
	require.NoError(t, err)
	dbx.AssertExpectations(t)
}

func TestForecastRepository_UpsertBatch_StopsOnFirstError(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewForecastRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil).Once()
	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("deadlock detected")).Once()

	records := []types.ForecastRecord{sampleRecord(7), sampleRecord(8), sampleRecord(9)}
	err := repo.UpsertBatch(ctx, records)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
	// The third record is never attempted; the surrounding transaction
	// rolls back the first.
	dbx.AssertNumberOfCalls(t, "Exec", 2)
}

func TestForecastRepository_UpsertBatch_NullsForOutOfService(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewForecastRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		// predicted_value, occupancy_pct, crowd_level nil; capacity kept.
		return args[3] == (*float64)(nil) &&
			args[4] == (*int)(nil) &&
			args[5] == (*types.CrowdLevel)(nil) &&
			args[6] == 600
	})).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	rec := sampleRecord(2)
	rec.PredictedValue = nil
	rec.OccupancyPct = nil
	rec.CrowdLevel = nil
	rec.InService = false

	err := repo.UpsertBatch(ctx, []types.ForecastRecord{rec})
	require.NoError(t, err)
	dbx.AssertExpectations(t)
}

func TestForecastRepository_LineRowCounts(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewForecastRepository(dbx)
	ctx := context.Background()

	rows := newMockRows([][]any{
		{"500T", 24},
		{"34AS", 20},
	})
	dbx.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).Return(rows, nil)

	counts, err := repo.LineRowCounts(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 24, counts["500T"])
	assert.Equal(t, 20, counts["34AS"])
	dbx.AssertExpectations(t)
}

func TestForecastRepository_DeleteForDate(t *testing.T) {
	dbx := new(mockDBTX)
	repo := NewForecastRepository(dbx)
	ctx := context.Background()

	dbx.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("DELETE 21600"), nil)

	n, err := repo.DeleteForDate(ctx, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(21600), n)
	dbx.AssertExpectations(t)
}
