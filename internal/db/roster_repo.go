package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"crowdcast/internal/types"
)

// ============================================================
// LineRepository
// ============================================================

// LineRepository provides data access for the transport_lines roster table.
type LineRepository struct {
	db DBTX
}

// NewLineRepository creates a new LineRepository backed by the given database
// connection (pool or transaction).
func NewLineRepository(db DBTX) *LineRepository {
	return &LineRepository{db: db}
}

// ListActive returns every line with active = TRUE, ordered by line_id so
// batch runs process lines in a stable order.
func (r *LineRepository) ListActive(ctx context.Context) ([]types.TransportLine, error) {
	rows, err := r.db.Query(ctx,
		`SELECT line_id, name, mode, active
		 FROM transport_lines
		 WHERE active = TRUE
		 ORDER BY line_id`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active lines", err)
	}
	defer rows.Close()

	var lines []types.TransportLine
	for rows.Next() {
		var l types.TransportLine
		if err := rows.Scan(&l.LineID, &l.Name, &l.Mode, &l.Active); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan line", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating lines", err)
	}

	return lines, nil
}

// Get returns a single line by its ID.
func (r *LineRepository) Get(ctx context.Context, lineID string) (*types.TransportLine, error) {
	var l types.TransportLine
	err := r.db.QueryRow(ctx,
		`SELECT line_id, name, mode, active
		 FROM transport_lines
		 WHERE line_id = $1`,
		lineID,
	).Scan(&l.LineID, &l.Name, &l.Mode, &l.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundLine, "line not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query line", err)
	}
	return &l, nil
}

// ============================================================
// CapacityRepository
// ============================================================

// CapacityRepository provides data access for the capacity_meta table, the
// near-static vehicle capacity lookup.
type CapacityRepository struct {
	db DBTX
}

// NewCapacityRepository creates a new CapacityRepository backed by the given
// database connection (pool or transaction).
func NewCapacityRepository(db DBTX) *CapacityRepository {
	return &CapacityRepository{db: db}
}

// GetAll returns the full capacity map keyed by line_id. The batch engine
// loads it once per run instead of querying per line.
func (r *CapacityRepository) GetAll(ctx context.Context) (map[string]types.CapacityMeta, error) {
	rows, err := r.db.Query(ctx,
		`SELECT line_id, vehicle_capacity, confidence FROM capacity_meta`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query capacity meta", err)
	}
	defer rows.Close()

	result := make(map[string]types.CapacityMeta)
	for rows.Next() {
		var c types.CapacityMeta
		if err := rows.Scan(&c.LineID, &c.VehicleCapacity, &c.Confidence); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan capacity meta", err)
		}
		result[c.LineID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating capacity meta", err)
	}

	return result, nil
}

// ============================================================
// CalendarRepository
// ============================================================

// CalendarRepository provides data access for the calendar_dim table.
// Calendar rows are the one hard data dependency of the batch engine.
type CalendarRepository struct {
	db DBTX
}

// NewCalendarRepository creates a new CalendarRepository backed by the given
// database connection (pool or transaction).
func NewCalendarRepository(db DBTX) *CalendarRepository {
	return &CalendarRepository{db: db}
}

// GetRange returns calendar features for every date in [start, end]
// inclusive, keyed by YYYY-MM-DD. The caller is responsible for treating a
// missing date as fatal.
func (r *CalendarRepository) GetRange(ctx context.Context, start, end time.Time) (map[string]types.CalendarDay, error) {
	rows, err := r.db.Query(ctx,
		`SELECT date, day_of_week, is_weekend, month, season, is_school_term,
		        is_holiday, holiday_window_minus1, holiday_window_plus1
		 FROM calendar_dim
		 WHERE date BETWEEN $1 AND $2
		 ORDER BY date`,
		types.DateOnly(start),
		types.DateOnly(end),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query calendar range", err)
	}
	defer rows.Close()

	result := make(map[string]types.CalendarDay)
	for rows.Next() {
		var d types.CalendarDay
		if err := rows.Scan(
			&d.Date,
			&d.DayOfWeek,
			&d.IsWeekend,
			&d.Month,
			&d.Season,
			&d.IsSchoolTerm,
			&d.IsHoliday,
			&d.HolidayWindowMinus1,
			&d.HolidayWindowPlus1,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan calendar day", err)
		}
		result[types.DateKey(d.Date)] = d
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating calendar days", err)
	}

	return result, nil
}
