// Package engine implements the nightly batch forecast run: it assembles
// feature rows for every active line and hour, calls the prediction service
// once for the whole batch, derives the rider-facing forecast fields, and
// publishes the result atomically. Every run is bracketed by a row in the
// job execution ledger.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crowdcast/internal/external"
	"crowdcast/internal/metrics"
	"crowdcast/internal/schedules"
	"crowdcast/internal/types"
)

// Weather constants substituted when the weather upstream stays down after
// its retry budget. Mild, dry, and lightly windy: neutral inputs for the
// model.
const (
	FallbackTemperature   = 15.0
	FallbackPrecipitation = 0.0
	FallbackWindSpeed     = 10.0
)

// DefaultVehicleCapacity is assumed for lines without capacity metadata.
const DefaultVehicleCapacity = 100

// LineLister yields the active line roster.
type LineLister interface {
	ListActive(ctx context.Context) ([]types.TransportLine, error)
}

// CapacitySource yields vehicle capacity metadata keyed by line id.
type CapacitySource interface {
	GetAll(ctx context.Context) (map[string]types.CapacityMeta, error)
}

// CalendarSource yields calendar features keyed by DateKey.
type CalendarSource interface {
	GetRange(ctx context.Context, start, end time.Time) (map[string]types.CalendarDay, error)
}

// LagSource yields the historical feature vector for one (line, hour) cell.
type LagSource interface {
	Get(ctx context.Context, lineID string, hour int, targetDate time.Time) (types.LagVector, types.LagTier)
}

// TripSource yields the per-hour service profile for a line and date.
type TripSource interface {
	Resolve(ctx context.Context, line types.TransportLine, validFor time.Time) schedules.LineSchedule
}

// WeatherSource yields hourly weather keyed by DateKey.
type WeatherSource interface {
	GetForecast(ctx context.Context, startDate, endDate time.Time) (map[string][24]types.HourlyWeather, error)
}

// Predictor runs the model over a feature batch.
type Predictor interface {
	PredictBatch(ctx context.Context, rows []external.PredictRow) ([]float64, error)
}

// JobLedger brackets a run in the execution ledger.
type JobLedger interface {
	Start(ctx context.Context, jobType string, targetDate, endDate, now time.Time) (int64, error)
	Finish(ctx context.Context, id int64, status types.JobStatus, records int, errMsg *string, metadata map[string]any, now time.Time) error
}

// ForecastStore publishes a run's records. Implementations must be atomic:
// either every record lands or none do.
type ForecastStore interface {
	UpsertAll(ctx context.Context, records []types.ForecastRecord) error
}

// Config carries the engine's dependencies and tuning.
type Config struct {
	Roster     LineLister
	Capacities CapacitySource
	Calendar   CalendarSource
	Lags       LagSource
	Trips      TripSource
	Weather    WeatherSource
	Predictor  Predictor
	Jobs       JobLedger
	Store      ForecastStore

	Clock   types.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	NumDays          int
	WeatherRetries   int
	WeatherRetryBase time.Duration
	SleepFn          func(time.Duration) // for testability; defaults to time.Sleep
}

// Engine orchestrates one batch forecast run.
type Engine struct {
	cfg Config
}

// NewEngine creates an Engine, applying defaults for any zero tuning field.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.NumDays <= 0 {
		cfg.NumDays = 2
	}
	if cfg.WeatherRetries <= 0 {
		cfg.WeatherRetries = 3
	}
	if cfg.WeatherRetryBase <= 0 {
		cfg.WeatherRetryBase = 2 * time.Second
	}
	if cfg.SleepFn == nil {
		cfg.SleepFn = time.Sleep
	}
	return &Engine{cfg: cfg}
}

// RunSummary reports the outcome of a completed run.
type RunSummary struct {
	JobID             int64
	RecordsWritten    int
	WeatherFallback   bool
	LagTiers          map[types.LagTier]int
	ScheduleFreshness map[types.Freshness]int
}

// Run executes one batch forecast for [targetDate, targetDate+NumDays-1].
// The job ledger row is created before any work and finalized exactly once,
// SUCCESS or FAILED, before Run returns.
func (e *Engine) Run(ctx context.Context, targetDate time.Time) (*RunSummary, error) {
	start := types.DateOnly(targetDate)
	end := start.AddDate(0, 0, e.cfg.NumDays-1)
	now := e.cfg.Clock.Now()

	jobID, err := e.cfg.Jobs.Start(ctx, types.JobTypeBatchForecast, start, end, now)
	if err != nil {
		return nil, fmt.Errorf("start job execution: %w", err)
	}

	logger := e.cfg.Logger.With("job_id", jobID, "target_date", types.DateKey(start), "end_date", types.DateKey(end))
	logger.InfoContext(ctx, "batch forecast run starting")

	timer := time.Now()
	summary, runErr := e.run(ctx, logger, start, end)

	status := types.JobStatusSuccess
	records := 0
	var errMsg *string
	metadata := map[string]any{}
	if runErr != nil {
		status = types.JobStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	} else {
		records = summary.RecordsWritten
		metadata["weather_fallback"] = summary.WeatherFallback
		for tier, n := range summary.LagTiers {
			metadata["lag_tier_"+string(tier)] = n
		}
		for freshness, n := range summary.ScheduleFreshness {
			metadata["schedule_"+strings.ToLower(string(freshness))] = n
		}
	}

	if finErr := e.cfg.Jobs.Finish(ctx, jobID, status, records, errMsg, metadata, e.cfg.Clock.Now()); finErr != nil {
		logger.ErrorContext(ctx, "failed to finalize job execution", "error", finErr)
		if runErr == nil {
			runErr = finErr
		}
	}

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.JobDuration.WithLabelValues(types.JobTypeBatchForecast, string(status)).
			Observe(time.Since(timer).Seconds())
	}

	if runErr != nil {
		logger.ErrorContext(ctx, "batch forecast run failed", "error", runErr)
		return nil, runErr
	}

	summary.JobID = jobID
	logger.InfoContext(ctx, "batch forecast run complete",
		"records", summary.RecordsWritten,
		"weather_fallback", summary.WeatherFallback,
	)
	return summary, nil
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, start, end time.Time) (*RunSummary, error) {
	lines, err := e.cfg.Roster.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load line roster: %w", err)
	}
	if len(lines) == 0 {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "active line roster is empty", nil)
	}

	calendar, err := e.cfg.Calendar.GetRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("load calendar dimension: %w", err)
	}
	dates := e.dateRange(start, end)
	for _, d := range dates {
		if _, ok := calendar[types.DateKey(d)]; !ok {
			// Calendar features are the one input with no fallback.
			return nil, types.NewAppError(
				types.ErrCodeCalendarMissing,
				fmt.Sprintf("calendar dimension has no row for %s", types.DateKey(d)),
				nil,
			)
		}
	}

	capacities, err := e.cfg.Capacities.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load capacity metadata: %w", err)
	}

	weather, weatherFallback := e.fetchWeather(ctx, logger, start, end)

	// Assemble one feature row per in-service (date, line, hour) cell. Cell
	// indexes map prediction results back to their rows after the single
	// batch call.
	type cellRef struct {
		dateKey string
		lineIdx int
		hour    int
	}
	var (
		rows      []external.PredictRow
		refs      []cellRef
		profiles  = make(map[string]schedules.LineSchedule)
		lagTiers  = map[types.LagTier]int{}
		freshness = map[types.Freshness]int{}
	)

	for _, date := range dates {
		dateKey := types.DateKey(date)
		day := calendar[dateKey]
		dayWeather := weather[dateKey]

		for li, line := range lines {
			profile := e.cfg.Trips.Resolve(ctx, line, date)
			profiles[dateKey+"|"+line.LineID] = profile
			freshness[profile.Freshness]++

			for hour := 0; hour < 24; hour++ {
				if !profile.InService[hour] {
					continue
				}
				lag, tier := e.cfg.Lags.Get(ctx, line.LineID, hour, date)
				lagTiers[tier]++

				rows = append(rows, external.PredictRow{
					LineID:              line.LineID,
					Hour:                hour,
					DayOfWeek:           day.DayOfWeek,
					IsWeekend:           day.IsWeekend,
					Month:               day.Month,
					Season:              day.Season,
					IsSchoolTerm:        day.IsSchoolTerm,
					IsHoliday:           day.IsHoliday,
					HolidayWindowMinus1: day.HolidayWindowMinus1,
					HolidayWindowPlus1:  day.HolidayWindowPlus1,
					LagVector:           lag,
					HourlyWeather:       dayWeather[hour],
				})
				refs = append(refs, cellRef{dateKey: dateKey, lineIdx: li, hour: hour})
			}
		}
	}

	predictions, err := e.cfg.Predictor.PredictBatch(ctx, rows)
	if err != nil {
		return nil, fmt.Errorf("batch prediction: %w", err)
	}

	// Index predictions by cell for record assembly.
	predByCell := make(map[string]float64, len(refs))
	for i, ref := range refs {
		predByCell[fmt.Sprintf("%s|%d|%d", ref.dateKey, ref.lineIdx, ref.hour)] = predictions[i]
	}

	var records []types.ForecastRecord
	for _, date := range dates {
		dateKey := types.DateKey(date)
		for li, line := range lines {
			profile := profiles[dateKey+"|"+line.LineID]
			vehicleCap := DefaultVehicleCapacity
			if meta, ok := capacities[line.LineID]; ok && meta.VehicleCapacity > 0 {
				vehicleCap = meta.VehicleCapacity
			}

			for hour := 0; hour < 24; hour++ {
				rec := types.ForecastRecord{
					LineID:          line.LineID,
					Date:            date,
					Hour:            hour,
					TripsPerHour:    profile.Trips[hour],
					VehicleCapacity: vehicleCap,
					InService:       profile.InService[hour],
				}

				if profile.InService[hour] {
					raw := predByCell[fmt.Sprintf("%s|%d|%d", dateKey, li, hour)]
					d := Derive(raw, profile.Trips[hour], vehicleCap)
					rec.PredictedValue = &d.Predicted
					rec.OccupancyPct = &d.OccupancyPct
					rec.CrowdLevel = &d.CrowdLevel
					rec.MaxCapacity = d.MaxCapacity
				} else {
					// Out-of-service hours keep capacity metadata but carry
					// no prediction.
					d := Derive(0, profile.Trips[hour], vehicleCap)
					rec.MaxCapacity = d.MaxCapacity
				}
				records = append(records, rec)
			}
		}
	}

	if err := e.cfg.Store.UpsertAll(ctx, records); err != nil {
		return nil, fmt.Errorf("publish forecasts: %w", err)
	}
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ForecastRowsWritten.Add(float64(len(records)))
	}

	return &RunSummary{
		RecordsWritten:    len(records),
		WeatherFallback:   weatherFallback,
		LagTiers:          lagTiers,
		ScheduleFreshness: freshness,
	}, nil
}

// fetchWeather tries the weather upstream with a small retry budget, then
// substitutes constants. Weather is never fatal to a run.
func (e *Engine) fetchWeather(ctx context.Context, logger *slog.Logger, start, end time.Time) (map[string][24]types.HourlyWeather, bool) {
	var lastErr error
	for attempt := 0; attempt < e.cfg.WeatherRetries; attempt++ {
		if attempt > 0 {
			e.cfg.SleepFn(e.cfg.WeatherRetryBase * time.Duration(1<<(attempt-1)))
		}
		forecast, err := e.cfg.Weather.GetForecast(ctx, start, end)
		if err == nil {
			return forecast, false
		}
		lastErr = err
		logger.WarnContext(ctx, "weather fetch failed",
			"attempt", attempt+1,
			"max_attempts", e.cfg.WeatherRetries,
			"error", err,
		)
	}

	logger.WarnContext(ctx, "weather retries exhausted, using fallback constants", "error", lastErr)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.WeatherFallbacks.Inc()
	}

	fallback := make(map[string][24]types.HourlyWeather)
	for _, d := range e.dateRange(start, end) {
		var day [24]types.HourlyWeather
		for h := 0; h < 24; h++ {
			day[h] = types.HourlyWeather{
				Temperature:   FallbackTemperature,
				Precipitation: FallbackPrecipitation,
				WindSpeed:     FallbackWindSpeed,
			}
		}
		fallback[types.DateKey(d)] = day
	}
	return fallback, true
}

func (e *Engine) dateRange(start, end time.Time) []time.Time {
	var dates []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
	}
	return dates
}
