package db

import (
	"context"
	"time"

	"crowdcast/internal/types"
)

// ForecastRepository provides data access for the daily_forecasts table.
// The batch engine is the sole writer; everything else reads.
type ForecastRepository struct {
	db DBTX
}

// NewForecastRepository creates a new ForecastRepository backed by the given
// database connection. Construct it over a pgx.Tx to make UpsertBatch part of
// an atomic transaction.
func NewForecastRepository(db DBTX) *ForecastRepository {
	return &ForecastRepository{db: db}
}

// UpsertBatch writes every record with INSERT ... ON CONFLICT DO UPDATE on
// (line_id, date, hour). It performs no transaction management of its own:
// the engine runs it inside a single transaction so a failure after N of M
// rows rolls back the whole date range.
func (r *ForecastRepository) UpsertBatch(ctx context.Context, records []types.ForecastRecord) error {
	for i := range records {
		rec := &records[i]
		_, err := r.db.Exec(ctx,
			`INSERT INTO daily_forecasts
			 (line_id, date, hour, predicted_value, occupancy_pct, crowd_level,
			  max_capacity, trips_per_hour, vehicle_capacity, in_service)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (line_id, date, hour) DO UPDATE SET
			   predicted_value = EXCLUDED.predicted_value,
			   occupancy_pct = EXCLUDED.occupancy_pct,
			   crowd_level = EXCLUDED.crowd_level,
			   max_capacity = EXCLUDED.max_capacity,
			   trips_per_hour = EXCLUDED.trips_per_hour,
			   vehicle_capacity = EXCLUDED.vehicle_capacity,
			   in_service = EXCLUDED.in_service`,
			rec.LineID,
			types.DateOnly(rec.Date),
			rec.Hour,
			rec.PredictedValue,
			rec.OccupancyPct,
			rec.CrowdLevel,
			rec.MaxCapacity,
			rec.TripsPerHour,
			rec.VehicleCapacity,
			rec.InService,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert forecast record", err)
		}
	}
	return nil
}

const forecastColumns = `line_id, date, hour, predicted_value, occupancy_pct,
       crowd_level, max_capacity, trips_per_hour, vehicle_capacity, in_service`

func (r *ForecastRepository) queryRecords(ctx context.Context, sql string, args ...any) ([]types.ForecastRecord, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query forecasts", err)
	}
	defer rows.Close()

	var records []types.ForecastRecord
	for rows.Next() {
		var rec types.ForecastRecord
		if err := rows.Scan(
			&rec.LineID,
			&rec.Date,
			&rec.Hour,
			&rec.PredictedValue,
			&rec.OccupancyPct,
			&rec.CrowdLevel,
			&rec.MaxCapacity,
			&rec.TripsPerHour,
			&rec.VehicleCapacity,
			&rec.InService,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan forecast record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating forecast records", err)
	}

	return records, nil
}

// ListForLineDate returns the (up to 24) records for one line and date,
// ordered by hour.
func (r *ForecastRepository) ListForLineDate(ctx context.Context, lineID string, date time.Time) ([]types.ForecastRecord, error) {
	return r.queryRecords(ctx,
		`SELECT `+forecastColumns+`
		 FROM daily_forecasts
		 WHERE line_id = $1 AND date = $2
		 ORDER BY hour`,
		lineID,
		types.DateOnly(date),
	)
}

// ListForLinesDate returns records for a set of lines on one date, ordered by
// line then hour. Used for pooled virtual lines.
func (r *ForecastRepository) ListForLinesDate(ctx context.Context, lineIDs []string, date time.Time) ([]types.ForecastRecord, error) {
	return r.queryRecords(ctx,
		`SELECT `+forecastColumns+`
		 FROM daily_forecasts
		 WHERE line_id = ANY($1) AND date = $2
		 ORDER BY line_id, hour`,
		lineIDs,
		types.DateOnly(date),
	)
}

// LineRowCounts returns, per line, how many rows exist for the date. The
// quality check compares these against roster_size x 24.
func (r *ForecastRepository) LineRowCounts(ctx context.Context, date time.Time) (map[string]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT line_id, COUNT(*)
		 FROM daily_forecasts
		 WHERE date = $1
		 GROUP BY line_id`,
		types.DateOnly(date),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count forecast rows", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			lineID string
			n      int
		)
		if err := rows.Scan(&lineID, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan row count", err)
		}
		counts[lineID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating row counts", err)
	}

	return counts, nil
}

// ListDatesBefore returns up to limit distinct forecast dates older than
// cutoff, oldest first. The retention sweep archives and deletes whole days.
func (r *ForecastRepository) ListDatesBefore(ctx context.Context, cutoff time.Time, limit int) ([]time.Time, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT date
		 FROM daily_forecasts
		 WHERE date < $1
		 ORDER BY date
		 LIMIT $2`,
		types.DateOnly(cutoff),
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list forecast dates", err)
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan forecast date", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating forecast dates", err)
	}

	return dates, nil
}

// ListForDate returns every record for a single date, ordered by line and
// hour. Used by the retention archiver before deleting the day.
func (r *ForecastRepository) ListForDate(ctx context.Context, date time.Time) ([]types.ForecastRecord, error) {
	return r.queryRecords(ctx,
		`SELECT `+forecastColumns+`
		 FROM daily_forecasts
		 WHERE date = $1
		 ORDER BY line_id, hour`,
		types.DateOnly(date),
	)
}

// DeleteForDate removes every record for a single date and returns the count.
func (r *ForecastRepository) DeleteForDate(ctx context.Context, date time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM daily_forecasts WHERE date = $1`,
		types.DateOnly(date),
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete forecast rows", err)
	}
	return tag.RowsAffected(), nil
}
