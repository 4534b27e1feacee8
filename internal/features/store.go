// Package features implements the lag feature store: historical model inputs
// resolved through a strict three-tier fallback chain. Missing history
// degrades quality but never blocks forecast generation, so every lookup
// succeeds; the tier tells the caller how degraded the answer is.
package features

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"crowdcast/internal/metrics"
	"crowdcast/internal/types"
)

// DefaultLookbackYears bounds the seasonal tier's scan into the past.
const DefaultLookbackYears = 3

// LagRepo is the read-only slice of the lag feature repository the store
// needs.
type LagRepo interface {
	SeasonalMatch(ctx context.Context, lineID string, hour int, target, earliest time.Time) (*types.LagFeatureRecord, error)
	LatestForHour(ctx context.Context, lineID string, hour int) (*types.LagFeatureRecord, error)
}

// Config carries the store's dependencies.
type Config struct {
	Repo          LagRepo
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	LookbackYears int
}

// Store resolves lag feature vectors with seasonal -> hour -> zero fallback.
// Safe for concurrent use; lookups have no side effects beyond tier counters.
type Store struct {
	repo          LagRepo
	metrics       *metrics.Metrics
	logger        *slog.Logger
	lookbackYears int

	seasonalHits atomic.Int64
	hourHits     atomic.Int64
	zeroHits     atomic.Int64
}

// NewStore creates a Store from the given config, applying defaults for
// Logger and LookbackYears.
func NewStore(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookback := cfg.LookbackYears
	if lookback <= 0 {
		lookback = DefaultLookbackYears
	}
	return &Store{
		repo:          cfg.Repo,
		metrics:       cfg.Metrics,
		logger:        logger,
		lookbackYears: lookback,
	}
}

// strategy is one fallback tier. It returns (vector, true) when it can
// produce an answer; a repo error counts as "cannot answer" and falls
// through, it never aborts the lookup.
type strategy struct {
	tier    types.LagTier
	resolve func(ctx context.Context, lineID string, hour int, target time.Time) (types.LagVector, bool)
}

// Get resolves the feature vector for (line, hour, target date) and reports
// which tier produced it. The tiers are tried strictly in order: a seasonal
// match always wins over an hour match, and the zero tier always succeeds.
func (s *Store) Get(ctx context.Context, lineID string, hour int, targetDate time.Time) (types.LagVector, types.LagTier) {
	strategies := []strategy{
		{types.LagTierSeasonal, s.seasonal},
		{types.LagTierHour, s.hourFallback},
		{types.LagTierZero, s.zero},
	}

	for _, st := range strategies {
		vec, ok := st.resolve(ctx, lineID, hour, targetDate)
		if !ok {
			continue
		}
		s.count(st.tier)
		if st.tier != types.LagTierSeasonal {
			s.logger.WarnContext(ctx, "lag features degraded",
				"line_id", lineID,
				"hour", hour,
				"tier", string(st.tier),
			)
		}
		return vec, st.tier
	}

	// Unreachable: the zero strategy always succeeds.
	s.count(types.LagTierZero)
	return types.LagVector{}, types.LagTierZero
}

// seasonal looks for a complete record at the same (month, day, hour) within
// the lookback window. The repository breaks year ties by recency.
func (s *Store) seasonal(ctx context.Context, lineID string, hour int, target time.Time) (types.LagVector, bool) {
	earliest := target.AddDate(-s.lookbackYears, 0, 0)
	rec, err := s.repo.SeasonalMatch(ctx, lineID, hour, target, earliest)
	if err != nil {
		s.logger.ErrorContext(ctx, "seasonal lag lookup failed",
			"line_id", lineID,
			"hour", hour,
			"error", err,
		)
		return types.LagVector{}, false
	}
	if rec == nil {
		return types.LagVector{}, false
	}
	return rec.Vector(), true
}

// hourFallback takes the most recent record for (line, hour) regardless of
// how old it is.
func (s *Store) hourFallback(ctx context.Context, lineID string, hour int, _ time.Time) (types.LagVector, bool) {
	rec, err := s.repo.LatestForHour(ctx, lineID, hour)
	if err != nil {
		s.logger.ErrorContext(ctx, "hour lag lookup failed",
			"line_id", lineID,
			"hour", hour,
			"error", err,
		)
		return types.LagVector{}, false
	}
	if rec == nil {
		return types.LagVector{}, false
	}
	return rec.Vector(), true
}

// zero is the last-resort tier: an all-zero vector.
func (s *Store) zero(context.Context, string, int, time.Time) (types.LagVector, bool) {
	return types.LagVector{}, true
}

func (s *Store) count(tier types.LagTier) {
	switch tier {
	case types.LagTierSeasonal:
		s.seasonalHits.Add(1)
	case types.LagTierHour:
		s.hourHits.Add(1)
	case types.LagTierZero:
		s.zeroHits.Add(1)
	}
	if s.metrics != nil {
		s.metrics.LagTierHits.WithLabelValues(string(tier)).Inc()
	}
}

// TierCounts returns a snapshot of cumulative per-tier hit counts since
// process start, for the cache status endpoint.
func (s *Store) TierCounts() map[types.LagTier]int64 {
	return map[types.LagTier]int64{
		types.LagTierSeasonal: s.seasonalHits.Load(),
		types.LagTierHour:     s.hourHits.Load(),
		types.LagTierZero:     s.zeroHits.Load(),
	}
}
