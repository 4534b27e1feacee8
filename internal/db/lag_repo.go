package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"crowdcast/internal/types"
)

// LagFeatureRepository provides read-only access to the lag_features table,
// the offline historical feature store. Serving-time code never writes here.
type LagFeatureRepository struct {
	db DBTX
}

// NewLagFeatureRepository creates a new LagFeatureRepository backed by the
// given database connection (pool or transaction).
func NewLagFeatureRepository(db DBTX) *LagFeatureRepository {
	return &LagFeatureRepository{db: db}
}

// lagColumns is the shared select list for lag feature scans.
const lagColumns = `line_id, calendar_date, hour,
       lag_24h, lag_48h, lag_168h, roll_mean_24h, roll_std_24h`

func scanLagRecord(row pgx.Row) (*types.LagFeatureRecord, error) {
	var rec types.LagFeatureRecord
	err := row.Scan(
		&rec.LineID,
		&rec.CalendarDate,
		&rec.Hour,
		&rec.Lag24h,
		&rec.Lag48h,
		&rec.Lag168h,
		&rec.RollMean24,
		&rec.RollStd24,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SeasonalMatch returns the most recent complete record for the given line at
// the same (month, day, hour) as the target date, looking back no further
// than earliest. Records with any NULL lag column are excluded; ties across
// years resolve to the most recent. Returns (nil, nil) when no match exists.
func (r *LagFeatureRepository) SeasonalMatch(ctx context.Context, lineID string, hour int, target, earliest time.Time) (*types.LagFeatureRecord, error) {
	rec, err := scanLagRecord(r.db.QueryRow(ctx,
		`SELECT `+lagColumns+`
		 FROM lag_features
		 WHERE line_id = $1
		   AND hour = $2
		   AND EXTRACT(MONTH FROM calendar_date) = $3
		   AND EXTRACT(DAY FROM calendar_date) = $4
		   AND calendar_date >= $5
		   AND calendar_date < $6
		   AND lag_24h IS NOT NULL
		   AND lag_48h IS NOT NULL
		   AND lag_168h IS NOT NULL
		   AND roll_mean_24h IS NOT NULL
		   AND roll_std_24h IS NOT NULL
		 ORDER BY calendar_date DESC
		 LIMIT 1`,
		lineID,
		hour,
		int(target.Month()),
		target.Day(),
		types.DateOnly(earliest),
		types.DateOnly(target),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query seasonal lag match", err)
	}
	return rec, nil
}

// LatestForHour returns the most recent record for (line, hour) regardless of
// calendar date. Incomplete records are allowed here; NULL sub-fields map to
// zero in the resulting vector. Returns (nil, nil) when the line has no
// history at that hour at all.
func (r *LagFeatureRepository) LatestForHour(ctx context.Context, lineID string, hour int) (*types.LagFeatureRecord, error) {
	rec, err := scanLagRecord(r.db.QueryRow(ctx,
		`SELECT `+lagColumns+`
		 FROM lag_features
		 WHERE line_id = $1 AND hour = $2
		 ORDER BY calendar_date DESC
		 LIMIT 1`,
		lineID,
		hour,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query latest lag record", err)
	}
	return rec, nil
}
