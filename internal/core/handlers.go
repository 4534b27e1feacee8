package core

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"crowdcast/internal/types"
)

// metrobusCorridorLineID is the trunk line whose forecast rows serve every
// metrobus variant. The variants run the same vehicles over the same
// corridor, so they share one forecast.
const metrobusCorridorLineID = "34"

// HourForecast is the rider-facing rendering of one forecast hour.
type HourForecast struct {
	Hour         int              `json:"hour"`
	Predicted    *float64         `json:"predicted_value"`
	OccupancyPct *int             `json:"occupancy_pct"`
	CrowdLevel   types.CrowdLevel `json:"crowd_level"`
	MaxCapacity  int              `json:"max_capacity"`
	TripsPerHour int              `json:"trips_per_hour"`
	InService    bool             `json:"in_service"`
}

// ForecastResponse is the payload of GET /api/v1/forecast/{lineID}.
type ForecastResponse struct {
	LineID string         `json:"line_id"`
	Name   string         `json:"name"`
	Mode   string         `json:"mode"`
	Date   string         `json:"date"`
	Hours  []HourForecast `json:"hours"`
}

// HandleGetForecast serves the published forecast for one line and date.
func (s *Server) HandleGetForecast(w http.ResponseWriter, r *http.Request) {
	line, err := s.lookupLine(r.Context(), chi.URLParam(r, "lineID"))
	if err != nil {
		Error(w, r, err)
		return
	}
	date, err := s.dateParam(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	lookupID := line.LineID
	if line.Mode == types.ModeMetrobus {
		lookupID = metrobusCorridorLineID
	}

	records, err := s.Forecasts.ListForLineDate(r.Context(), lookupID, date)
	if err != nil {
		Error(w, r, err)
		return
	}
	if len(records) == 0 && lookupID != line.LineID {
		// No pooled corridor rows yet; fall back to the variant's own rows.
		records, err = s.Forecasts.ListForLineDate(r.Context(), line.LineID, date)
		if err != nil {
			Error(w, r, err)
			return
		}
	}
	if len(records) == 0 {
		Error(w, r, types.NewAppError(types.ErrCodeNotFoundForecast,
			"no forecast published for this line and date", nil))
		return
	}

	resp := ForecastResponse{
		LineID: line.LineID,
		Name:   line.Name,
		Mode:   string(line.Mode),
		Date:   types.DateKey(date),
		Hours:  make([]HourForecast, 0, len(records)),
	}
	for _, rec := range records {
		hf := HourForecast{
			Hour:         rec.Hour,
			MaxCapacity:  rec.MaxCapacity,
			TripsPerHour: rec.TripsPerHour,
			InService:    rec.InService,
		}
		if rec.InService && rec.CrowdLevel != nil {
			hf.Predicted = rec.PredictedValue
			hf.OccupancyPct = rec.OccupancyPct
			hf.CrowdLevel = *rec.CrowdLevel
		} else {
			hf.CrowdLevel = types.CrowdOutOfService
		}
		resp.Hours = append(resp.Hours, hf)
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: resp})
}

// ScheduleResponse is the payload of GET /api/v1/schedule/{lineID}.
type ScheduleResponse struct {
	LineID    string   `json:"line_id"`
	Date      string   `json:"date"`
	Freshness string   `json:"freshness"`
	Trips     [24]int  `json:"trips_per_hour"`
	InService [24]bool `json:"in_service"`
}

// HandleGetSchedule serves the resolved service profile for one line and
// date.
func (s *Server) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	line, err := s.lookupLine(r.Context(), chi.URLParam(r, "lineID"))
	if err != nil {
		Error(w, r, err)
		return
	}
	date, err := s.dateParam(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	profile := s.Resolver.Resolve(r.Context(), *line, date)
	JSON(w, r, http.StatusOK, APIResponse{Data: ScheduleResponse{
		LineID:    line.LineID,
		Date:      types.DateKey(date),
		Freshness: string(profile.Freshness),
		Trips:     profile.Trips,
		InService: profile.InService,
	}})
}

// FamilyStatus summarizes one cache family for the status endpoint.
type FamilyStatus struct {
	Success        int                  `json:"success"`
	Failed         int                  `json:"failed"`
	PendingRetries []types.PendingRetry `json:"pending_retries"`
}

// CacheStatusResponse is the status endpoint payload: cache health per
// family plus the most recent batch runs.
type CacheStatusResponse struct {
	Families   map[string]FamilyStatus `json:"families"`
	LatestJobs []types.JobExecution    `json:"latest_jobs"`
}

// HandleCacheStatus reports per-family cache health for one date.
func (s *Server) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	date, err := s.dateParam(r)
	if err != nil {
		Error(w, r, err)
		return
	}

	families := make(map[string]FamilyStatus, 2)
	for family, retry := range map[types.ResourceFamily]PendingLister{
		types.FamilyBus:   s.BusRetry,
		types.FamilyMetro: s.MetroRetry,
	} {
		counts, err := s.CacheStatus.CountByStatus(r.Context(), family, date)
		if err != nil {
			Error(w, r, err)
			return
		}
		status := FamilyStatus{
			Success:        counts[types.SourceSuccess],
			Failed:         counts[types.SourceFailed],
			PendingRetries: []types.PendingRetry{},
		}
		if retry != nil {
			status.PendingRetries = retry.Pending()
		}
		families[string(family)] = status
	}

	jobs, err := s.Jobs.Latest(r.Context(), types.JobTypeBatchForecast, 5)
	if err != nil {
		Error(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []types.JobExecution{}
	}

	JSON(w, r, http.StatusOK, APIResponse{Data: CacheStatusResponse{
		Families:   families,
		LatestJobs: jobs,
	}})
}

// HandleListJobs serves recent job ledger rows, optionally filtered by type.
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidRange,
				"limit must be an integer between 1 and 200", nil))
			return
		}
		limit = n
	}

	jobs, err := s.Jobs.Latest(r.Context(), r.URL.Query().Get("type"), limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: jobs})
}

type runForecastRequest struct {
	TargetDate string `json:"target_date"`
}

// HandleRunForecast triggers a batch forecast run. Refused with 409 while
// another run is in flight; otherwise the run is started in the background
// and acknowledged immediately.
func (s *Server) HandleRunForecast(w http.ResponseWriter, r *http.Request) {
	var req runForecastRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"request body must be valid JSON", err))
			return
		}
	}

	target := types.DateOnly(s.Clock.Now())
	if req.TargetDate != "" {
		parsed, err := types.ParseDate(req.TargetDate)
		if err != nil {
			Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidDate,
				"target_date must be YYYY-MM-DD", err))
			return
		}
		target = parsed
	}

	running, err := s.Jobs.HasRunning(r.Context(), types.JobTypeBatchForecast)
	if err != nil {
		Error(w, r, err)
		return
	}
	if running {
		Error(w, r, types.NewAppError(types.ErrCodeConflictJobRunning,
			"a batch forecast run is already in progress", nil))
		return
	}

	// The run outlives the request; failures land in the job ledger.
	go func() {
		ctx := types.WithRequestID(context.Background(), types.GetRequestID(r.Context()))
		if err := s.Batch.Run(ctx, target); err != nil {
			s.Logger.ErrorContext(ctx, "operator-triggered batch run failed", "error", err)
		}
	}()

	JSON(w, r, http.StatusAccepted, APIResponse{Data: map[string]string{
		"status":      "accepted",
		"target_date": types.DateKey(target),
	}})
}

// HandleRecoverJobs fails stale RUNNING ledger rows on operator request.
func (s *Server) HandleRecoverJobs(w http.ResponseWriter, r *http.Request) {
	n, err := s.Recovery.RecoverStale(r.Context(), s.Clock.Now())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]int64{"recovered": n}})
}

func (s *Server) lookupLine(ctx context.Context, lineID string) (*types.TransportLine, error) {
	if lineID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidLine, "line id is required", nil)
	}
	return s.Lines.Get(ctx, lineID)
}

// dateParam parses the optional ?date=YYYY-MM-DD query, defaulting to today.
func (s *Server) dateParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return types.DateOnly(s.Clock.Now()), nil
	}
	date, err := types.ParseDate(raw)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeValidationInvalidDate,
			"date must be YYYY-MM-DD", err)
	}
	return date, nil
}
