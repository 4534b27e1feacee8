// Package types defines the shared domain model for the crowdcast platform:
// transit lines, calendar features, lag-feature vectors, schedule cache
// entries, forecast records, and the job execution ledger. It has no
// dependencies on other internal packages so that every layer can share
// these types without import cycles.
package types

import (
	"encoding/json"
	"time"
)

// TransportMode identifies the resource family a line belongs to.
type TransportMode string

const (
	ModeBus      TransportMode = "BUS"
	ModeMetro    TransportMode = "METRO"
	ModeMetrobus TransportMode = "METROBUS"
	ModeFerry    TransportMode = "FERRY"
)

// TransportLine is one row of the active line roster.
type TransportLine struct {
	LineID string        `json:"line_id"`
	Name   string        `json:"name"`
	Mode   TransportMode `json:"mode"`
	Active bool          `json:"active"`
}

// Season labels used by the calendar dimension.
const (
	SeasonWinter = "Winter"
	SeasonSpring = "Spring"
	SeasonSummer = "Summer"
	SeasonFall   = "Fall"
)

// CalendarDay holds the calendar features for one service date. The batch
// engine treats a missing CalendarDay as fatal; there is no fallback.
type CalendarDay struct {
	Date                time.Time `json:"date"`
	DayOfWeek           int       `json:"day_of_week"` // 0=Monday .. 6=Sunday
	IsWeekend           bool      `json:"is_weekend"`
	Month               int       `json:"month"`
	Season              string    `json:"season"`
	IsSchoolTerm        bool      `json:"is_school_term"`
	IsHoliday           bool      `json:"is_holiday"`
	HolidayWindowMinus1 bool      `json:"holiday_window_minus1"`
	HolidayWindowPlus1  bool      `json:"holiday_window_plus1"`
}

// LagVector is the historical feature vector fed to the predictor for one
// (line, hour) cell.
type LagVector struct {
	Lag24h     float64 `json:"lag_24h"`
	Lag48h     float64 `json:"lag_48h"`
	Lag168h    float64 `json:"lag_168h"`
	RollMean24 float64 `json:"roll_mean_24h"`
	RollStd24  float64 `json:"roll_std_24h"`
}

// LagTier identifies which fallback strategy produced a LagVector.
// Ordering is strict: seasonal is preferred over hour, hour over zero.
type LagTier string

const (
	LagTierSeasonal LagTier = "seasonal"
	LagTierHour     LagTier = "hour"
	LagTierZero     LagTier = "zero"
)

// LagFeatureRecord is one immutable historical fact from the offline feature
// table. Lag columns are nullable; a record with any NULL sub-field is not
// eligible for the seasonal tier.
type LagFeatureRecord struct {
	LineID       string
	CalendarDate time.Time
	Hour         int
	Lag24h       *float64
	Lag48h       *float64
	Lag168h      *float64
	RollMean24   *float64
	RollStd24    *float64
}

// Complete reports whether every lag sub-field is populated.
func (r *LagFeatureRecord) Complete() bool {
	return r.Lag24h != nil && r.Lag48h != nil && r.Lag168h != nil &&
		r.RollMean24 != nil && r.RollStd24 != nil
}

// Vector converts the record to a LagVector, substituting zero for any NULL
// sub-field.
func (r *LagFeatureRecord) Vector() LagVector {
	deref := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}
	return LagVector{
		Lag24h:     deref(r.Lag24h),
		Lag48h:     deref(r.Lag48h),
		Lag168h:    deref(r.Lag168h),
		RollMean24: deref(r.RollMean24),
		RollStd24:  deref(r.RollStd24),
	}
}

// ResourceFamily identifies an independently refreshed schedule cache.
type ResourceFamily string

const (
	FamilyBus   ResourceFamily = "bus"
	FamilyMetro ResourceFamily = "metro"
)

// SourceStatus records the outcome of the upstream fetch that produced a
// schedule cache entry.
type SourceStatus string

const (
	SourceSuccess SourceStatus = "SUCCESS"
	SourceFailed  SourceStatus = "FAILED"
)

// Freshness tags a schedule cache read result.
type Freshness string

const (
	FreshnessFresh   Freshness = "FRESH"
	FreshnessStale   Freshness = "STALE"
	FreshnessMissing Freshness = "MISSING"
)

// ScheduleCacheEntry is one cached upstream schedule response, keyed by
// (family, entity_key, variant, valid_for). At most one entry exists per key
// per calendar date; newer fetches overwrite.
type ScheduleCacheEntry struct {
	Family       ResourceFamily  `json:"family"`
	EntityKey    string          `json:"entity_key"`
	Variant      string          `json:"variant"`
	ValidFor     time.Time       `json:"valid_for"`
	Payload      json.RawMessage `json:"payload"`
	FetchedAt    time.Time       `json:"fetched_at"`
	SourceStatus SourceStatus    `json:"source_status"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// PendingRetry is one failed prefetch awaiting re-attempt by the retry
// coordinator. Removed on success or abandoned after the attempt budget.
type PendingRetry struct {
	Family        ResourceFamily
	EntityKey     string
	Variant       string
	ValidFor      time.Time
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
}

// CrowdLevel is the rider-facing label derived from occupancy percentage.
type CrowdLevel string

const (
	CrowdLow          CrowdLevel = "Low"
	CrowdMedium       CrowdLevel = "Medium"
	CrowdHigh         CrowdLevel = "High"
	CrowdVeryHigh     CrowdLevel = "Very High"
	CrowdOutOfService CrowdLevel = "Out of Service"
)

// CrowdLevelFor maps an occupancy percentage to its label. Bounds are
// exclusive on the upper side: 29 is Low, 30 is Medium, 90 is Very High.
func CrowdLevelFor(occupancyPct int) CrowdLevel {
	switch {
	case occupancyPct < 30:
		return CrowdLow
	case occupancyPct < 60:
		return CrowdMedium
	case occupancyPct < 90:
		return CrowdHigh
	default:
		return CrowdVeryHigh
	}
}

// ForecastRecord is the externally visible artifact of a batch run, unique on
// (line_id, date, hour). Prediction fields are nil for out-of-service hours;
// capacity metadata is always populated.
type ForecastRecord struct {
	LineID          string      `json:"line_id"`
	Date            time.Time   `json:"date"`
	Hour            int         `json:"hour"`
	PredictedValue  *float64    `json:"predicted_value"`
	OccupancyPct    *int        `json:"occupancy_pct"`
	CrowdLevel      *CrowdLevel `json:"crowd_level"`
	MaxCapacity     int         `json:"max_capacity"`
	TripsPerHour    int         `json:"trips_per_hour"`
	VehicleCapacity int         `json:"vehicle_capacity"`
	InService       bool        `json:"in_service"`
}

// CapacityMeta describes the vehicle capacity assumption for a line and how
// confident the source data is in it.
type CapacityMeta struct {
	LineID          string  `json:"line_id"`
	VehicleCapacity int     `json:"vehicle_capacity"`
	Confidence      float64 `json:"confidence"`
}

// HourlyWeather is the weather input for one forecast hour.
type HourlyWeather struct {
	Temperature   float64 `json:"temperature"`
	Precipitation float64 `json:"precipitation"`
	WindSpeed     float64 `json:"wind_speed"`
}

// JobStatus is the lifecycle state of a batch job execution.
type JobStatus string

const (
	JobStatusRunning JobStatus = "RUNNING"
	JobStatusSuccess JobStatus = "SUCCESS"
	JobStatusFailed  JobStatus = "FAILED"
)

// Job type identifiers recorded in the execution ledger.
const (
	JobTypeBatchForecast  = "batch_forecast"
	JobTypeQualityCheck   = "quality_check"
	JobTypeRetentionSweep = "retention_sweep"
)

// JobExecution is one row of the batch audit ledger. Created RUNNING at job
// start and finalized exactly once to SUCCESS or FAILED. A RUNNING row older
// than the recovery grace window can be flipped to FAILED by an operator.
type JobExecution struct {
	ID               int64          `json:"id"`
	JobType          string         `json:"job_type"`
	TargetDate       time.Time      `json:"target_date"`
	EndDate          time.Time      `json:"end_date"`
	Status           JobStatus      `json:"status"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	ErrorMessage     *string        `json:"error_message,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}
