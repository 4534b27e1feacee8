package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"crowdcast/internal/types"
)

type mockLagRepo struct {
	mock.Mock
}

func (m *mockLagRepo) SeasonalMatch(ctx context.Context, lineID string, hour int, target, earliest time.Time) (*types.LagFeatureRecord, error) {
	args := m.Called(ctx, lineID, hour, target, earliest)
	if r := args.Get(0); r != nil {
		return r.(*types.LagFeatureRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLagRepo) LatestForHour(ctx context.Context, lineID string, hour int) (*types.LagFeatureRecord, error) {
	args := m.Called(ctx, lineID, hour)
	if r := args.Get(0); r != nil {
		return r.(*types.LagFeatureRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func fullRecord(lineID string, hour int, date time.Time) *types.LagFeatureRecord {
	f := func(v float64) *float64 { return &v }
	return &types.LagFeatureRecord{
		LineID:       lineID,
		CalendarDate: date,
		Hour:         hour,
		Lag24h:       f(620),
		Lag48h:       f(590),
		Lag168h:      f(640),
		RollMean24:   f(605.5),
		RollStd24:    f(40.2),
	}
}

func TestStore_Get_SeasonalWinsOverHour(t *testing.T) {
	repo := new(mockLagRepo)
	store := NewStore(Config{Repo: repo})
	ctx := context.Background()
	target := time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)

	repo.On("SeasonalMatch", ctx, "500T", 8, target, target.AddDate(-3, 0, 0)).
		Return(fullRecord("500T", 8, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC)), nil)

	vec, tier := store.Get(ctx, "500T", 8, target)
	assert.Equal(t, types.LagTierSeasonal, tier)
	assert.Equal(t, 620.0, vec.Lag24h)
	// The hour tier must not even be consulted.
	repo.AssertNotCalled(t, "LatestForHour", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestStore_Get_HourFallbackWhenNoSeasonal(t *testing.T) {
	repo := new(mockLagRepo)
	store := NewStore(Config{Repo: repo})
	ctx := context.Background()
	target := time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)

	repo.On("SeasonalMatch", ctx, "500T", 8, target, mock.Anything).Return(nil, nil)
	repo.On("LatestForHour", ctx, "500T", 8).
		Return(fullRecord("500T", 8, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)), nil)

	vec, tier := store.Get(ctx, "500T", 8, target)
	assert.Equal(t, types.LagTierHour, tier)
	assert.Equal(t, 620.0, vec.Lag24h)
	repo.AssertExpectations(t)
}

func TestStore_Get_ZeroFallbackWhenNoHistory(t *testing.T) {
	repo := new(mockLagRepo)
	store := NewStore(Config{Repo: repo})
	ctx := context.Background()

	repo.On("SeasonalMatch", ctx, "NEW1", 8, mock.Anything, mock.Anything).Return(nil, nil)
	repo.On("LatestForHour", ctx, "NEW1", 8).Return(nil, nil)

	vec, tier := store.Get(ctx, "NEW1", 8, time.Now())
	assert.Equal(t, types.LagTierZero, tier)
	assert.Equal(t, types.LagVector{}, vec)
	repo.AssertExpectations(t)
}

func TestStore_Get_RepoErrorDegradesNotAborts(t *testing.T) {
	repo := new(mockLagRepo)
	store := NewStore(Config{Repo: repo})
	ctx := context.Background()

	repo.On("SeasonalMatch", ctx, "500T", 8, mock.Anything, mock.Anything).
		Return(nil, errors.New("query timeout"))
	repo.On("LatestForHour", ctx, "500T", 8).
		Return(nil, errors.New("query timeout"))

	vec, tier := store.Get(ctx, "500T", 8, time.Now())
	assert.Equal(t, types.LagTierZero, tier)
	assert.Equal(t, types.LagVector{}, vec)
	repo.AssertExpectations(t)
}

func TestStore_TierCounts(t *testing.T) {
	repo := new(mockLagRepo)
	store := NewStore(Config{Repo: repo})
	ctx := context.Background()
	target := time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)

	repo.On("SeasonalMatch", ctx, "500T", 8, target, mock.Anything).
		Return(fullRecord("500T", 8, target.AddDate(-1, 0, 0)), nil).Once()
	repo.On("SeasonalMatch", ctx, "34AS", 8, target, mock.Anything).Return(nil, nil).Once()
	repo.On("LatestForHour", ctx, "34AS", 8).Return(nil, nil).Once()

	store.Get(ctx, "500T", 8, target)
	store.Get(ctx, "34AS", 8, target)

	counts := store.TierCounts()
	require.Equal(t, int64(1), counts[types.LagTierSeasonal])
	require.Equal(t, int64(0), counts[types.LagTierHour])
	require.Equal(t, int64(1), counts[types.LagTierZero])
}
