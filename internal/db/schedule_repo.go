package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"crowdcast/internal/types"
)

// ScheduleRepository provides data access for the schedule_cache table. Each
// cache family (bus, metro) stores its entries here keyed by
// (family, entity_key, variant, valid_for); the UNIQUE constraint on that key
// plus upsert semantics guarantee at most one entry per key per date.
type ScheduleRepository struct {
	db DBTX
}

// NewScheduleRepository creates a new ScheduleRepository backed by the given
// database connection (pool or transaction).
func NewScheduleRepository(db DBTX) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Upsert stores a fetch outcome, overwriting any previous entry for the same
// key. A FAILED entry is upgraded by a later SUCCESS and vice versa; the
// payload of a FAILED entry is whatever the fetcher produced, usually NULL.
func (r *ScheduleRepository) Upsert(ctx context.Context, e *types.ScheduleCacheEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO schedule_cache
		 (family, entity_key, variant, valid_for, payload, fetched_at, source_status, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (family, entity_key, variant, valid_for) DO UPDATE SET
		   payload = EXCLUDED.payload,
		   fetched_at = EXCLUDED.fetched_at,
		   source_status = EXCLUDED.source_status,
		   error_message = EXCLUDED.error_message`,
		e.Family,
		e.EntityKey,
		e.Variant,
		types.DateOnly(e.ValidFor),
		e.Payload,
		e.FetchedAt,
		e.SourceStatus,
		nilIfEmpty(e.ErrorMessage),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert schedule cache entry", err)
	}
	return nil
}

const scheduleColumns = `family, entity_key, variant, valid_for, payload,
       fetched_at, source_status, COALESCE(error_message, '')`

func scanScheduleEntry(row pgx.Row) (*types.ScheduleCacheEntry, error) {
	var e types.ScheduleCacheEntry
	err := row.Scan(
		&e.Family,
		&e.EntityKey,
		&e.Variant,
		&e.ValidFor,
		&e.Payload,
		&e.FetchedAt,
		&e.SourceStatus,
		&e.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetForDate returns the entry for the exact key, regardless of its source
// status. Returns (nil, nil) when no entry exists.
func (r *ScheduleRepository) GetForDate(ctx context.Context, family types.ResourceFamily, entityKey, variant string, validFor time.Time) (*types.ScheduleCacheEntry, error) {
	e, err := scanScheduleEntry(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+`
		 FROM schedule_cache
		 WHERE family = $1 AND entity_key = $2 AND variant = $3 AND valid_for = $4`,
		family,
		entityKey,
		variant,
		types.DateOnly(validFor),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query schedule cache entry", err)
	}
	return e, nil
}

// LatestSuccessWithin returns the newest SUCCESS entry for the key with
// valid_for strictly before the requested date and no older than earliest.
// Used to serve STALE reads. Returns (nil, nil) when no usable entry exists
// inside the window.
func (r *ScheduleRepository) LatestSuccessWithin(ctx context.Context, family types.ResourceFamily, entityKey, variant string, validFor, earliest time.Time) (*types.ScheduleCacheEntry, error) {
	e, err := scanScheduleEntry(r.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+`
		 FROM schedule_cache
		 WHERE family = $1 AND entity_key = $2 AND variant = $3
		   AND valid_for < $4 AND valid_for >= $5
		   AND source_status = 'SUCCESS'
		 ORDER BY valid_for DESC
		 LIMIT 1`,
		family,
		entityKey,
		variant,
		types.DateOnly(validFor),
		types.DateOnly(earliest),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query stale schedule entry", err)
	}
	return e, nil
}

// ListFailedForDate returns every FAILED entry for the family and date.
// The retry coordinator rehydrates its pending queue from this after a
// restart.
func (r *ScheduleRepository) ListFailedForDate(ctx context.Context, family types.ResourceFamily, validFor time.Time) ([]types.ScheduleCacheEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+scheduleColumns+`
		 FROM schedule_cache
		 WHERE family = $1 AND valid_for = $2 AND source_status = 'FAILED'
		 ORDER BY entity_key, variant`,
		family,
		types.DateOnly(validFor),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query failed schedule entries", err)
	}
	defer rows.Close()

	var entries []types.ScheduleCacheEntry
	for rows.Next() {
		e, err := scanScheduleEntry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule cache entry", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating schedule cache entries", err)
	}

	return entries, nil
}

// CountByStatus returns entry counts per source status for the family and
// date, for the cache status endpoint.
func (r *ScheduleRepository) CountByStatus(ctx context.Context, family types.ResourceFamily, validFor time.Time) (map[types.SourceStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT source_status, COUNT(*)
		 FROM schedule_cache
		 WHERE family = $1 AND valid_for = $2
		 GROUP BY source_status`,
		family,
		types.DateOnly(validFor),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count schedule cache entries", err)
	}
	defer rows.Close()

	counts := make(map[types.SourceStatus]int)
	for rows.Next() {
		var (
			status types.SourceStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan status count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating status counts", err)
	}

	return counts, nil
}

// nilIfEmpty maps "" to a NULL parameter so empty error messages are stored
// as NULL rather than empty strings.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
