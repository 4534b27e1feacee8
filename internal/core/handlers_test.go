package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdcast/internal/config"
	"crowdcast/internal/schedules"
	"crowdcast/internal/types"
)

type stubForecasts struct {
	rows map[string][]types.ForecastRecord
}

func (s *stubForecasts) ListForLineDate(_ context.Context, lineID string, _ time.Time) ([]types.ForecastRecord, error) {
	return s.rows[lineID], nil
}

type stubLines struct {
	lines map[string]types.TransportLine
}

func (s *stubLines) Get(_ context.Context, lineID string) (*types.TransportLine, error) {
	line, ok := s.lines[lineID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundLine, "line not found", nil)
	}
	return &line, nil
}

type stubJobs struct {
	running bool
	jobs    []types.JobExecution
}

func (s *stubJobs) Latest(_ context.Context, _ string, _ int) ([]types.JobExecution, error) {
	return s.jobs, nil
}

func (s *stubJobs) HasRunning(context.Context, string) (bool, error) {
	return s.running, nil
}

type stubResolver struct {
	profile schedules.LineSchedule
}

func (s *stubResolver) Resolve(context.Context, types.TransportLine, time.Time) schedules.LineSchedule {
	return s.profile
}

type stubCacheStatus struct {
	counts map[types.ResourceFamily]map[types.SourceStatus]int
}

func (s *stubCacheStatus) CountByStatus(_ context.Context, family types.ResourceFamily, _ time.Time) (map[types.SourceStatus]int, error) {
	return s.counts[family], nil
}

type stubPending struct {
	pending []types.PendingRetry
}

func (s *stubPending) Pending() []types.PendingRetry { return s.pending }

type stubBatch struct {
	ran chan time.Time
}

func (s *stubBatch) Run(_ context.Context, target time.Time) error {
	s.ran <- target
	return nil
}

type stubRecovery struct {
	recovered int64
}

func (s *stubRecovery) RecoverStale(context.Context, time.Time) (int64, error) {
	return s.recovered, nil
}

func forecastDay(lineID string, inServiceFrom, inServiceTo int) []types.ForecastRecord {
	date, _ := types.ParseDate("2025-01-16")
	var out []types.ForecastRecord
	for h := 0; h < 24; h++ {
		rec := types.ForecastRecord{
			LineID: lineID, Date: date, Hour: h,
			MaxCapacity: 600, TripsPerHour: 5, VehicleCapacity: 120,
		}
		if h >= inServiceFrom && h <= inServiceTo {
			pred := 300.0
			occ := 50
			level := types.CrowdMedium
			rec.PredictedValue = &pred
			rec.OccupancyPct = &occ
			rec.CrowdLevel = &level
			rec.InService = true
		}
		out = append(out, rec)
	}
	return out
}

type serverFixture struct {
	srv   *Server
	batch *stubBatch
	jobs  *stubJobs
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	batch := &stubBatch{ran: make(chan time.Time, 1)}
	jobs := &stubJobs{}

	srv, err := NewServer(&Server{
		Config: &config.Config{},
		Forecasts: &stubForecasts{rows: map[string][]types.ForecastRecord{
			"500T": forecastDay("500T", 6, 22),
			"34":   forecastDay("34", 0, 23),
		}},
		Lines: &stubLines{lines: map[string]types.TransportLine{
			"500T": {LineID: "500T", Name: "Tuzla - Cevizlibag", Mode: types.ModeBus},
			"34AS": {LineID: "34AS", Name: "Avcilar - Sogutlucesme", Mode: types.ModeMetrobus},
			"M2":   {LineID: "M2", Name: "Yenikapi - Haciosman", Mode: types.ModeMetro},
		}},
		Jobs:     jobs,
		Resolver: &stubResolver{},
		CacheStatus: &stubCacheStatus{counts: map[types.ResourceFamily]map[types.SourceStatus]int{
			types.FamilyBus:   {types.SourceSuccess: 120, types.SourceFailed: 3},
			types.FamilyMetro: {types.SourceSuccess: 22},
		}},
		BusRetry:   &stubPending{pending: []types.PendingRetry{{EntityKey: "500T", Variant: "I", Attempts: 2}}},
		MetroRetry: &stubPending{},
		Batch:      batch,
		Recovery:   &stubRecovery{recovered: 1},
		Clock:      types.FixedClock{T: time.Date(2025, 1, 16, 9, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return &serverFixture{srv: srv, batch: batch, jobs: jobs}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_GetForecast_RendersOutOfServiceHours(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/forecast/500T?date=2025-01-16", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data ForecastResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Len(t, env.Data.Hours, 24)

	assert.Equal(t, "500T", env.Data.LineID)
	assert.Equal(t, types.CrowdOutOfService, env.Data.Hours[3].CrowdLevel)
	assert.Nil(t, env.Data.Hours[3].Predicted)
	assert.Equal(t, 600, env.Data.Hours[3].MaxCapacity)

	assert.Equal(t, types.CrowdMedium, env.Data.Hours[8].CrowdLevel)
	require.NotNil(t, env.Data.Hours[8].OccupancyPct)
	assert.Equal(t, 50, *env.Data.Hours[8].OccupancyPct)
}

func TestServer_GetForecast_MetrobusVariantServedFromCorridor(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/forecast/34AS?date=2025-01-16", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data ForecastResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	// The response keeps the requested variant's identity.
	assert.Equal(t, "34AS", env.Data.LineID)
	assert.True(t, env.Data.Hours[0].InService, "corridor rows are 24h in service")
}

func TestServer_GetForecast_UnknownLineIs404(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/forecast/NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var env APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(types.ErrCodeNotFoundLine), env.Error.Code)
}

func TestServer_GetForecast_NoRowsIs404(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/forecast/M2?date=2025-01-16", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var env APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(types.ErrCodeNotFoundForecast), env.Error.Code)
}

func TestServer_GetForecast_BadDateIs400(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/forecast/500T?date=16-01-2025", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_CacheStatus_ReportsFamilies(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/status/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data CacheStatusResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, 120, env.Data.Families["bus"].Success)
	assert.Equal(t, 3, env.Data.Families["bus"].Failed)
	require.Len(t, env.Data.Families["bus"].PendingRetries, 1)
	assert.Equal(t, "500T", env.Data.Families["bus"].PendingRetries[0].EntityKey)
	assert.Empty(t, env.Data.Families["metro"].PendingRetries)
	assert.Empty(t, env.Data.LatestJobs)
}

func TestServer_RunForecast_ConflictWhileRunning(t *testing.T) {
	f := newServerFixture(t)
	f.jobs.running = true

	rec := f.do(t, http.MethodPost, "/api/v1/admin/forecast/run", `{"target_date":"2025-01-16"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var env APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, string(types.ErrCodeConflictJobRunning), env.Error.Code)
}

func TestServer_RunForecast_AcceptedAndStartsRun(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/forecast/run", `{"target_date":"2025-01-17"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case target := <-f.batch.ran:
		assert.Equal(t, "2025-01-17", types.DateKey(target))
	case <-time.After(time.Second):
		t.Fatal("batch run was not started")
	}
}

func TestServer_RunForecast_DefaultsToToday(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/admin/forecast/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case target := <-f.batch.ran:
		assert.Equal(t, "2025-01-16", types.DateKey(target))
	case <-time.After(time.Second):
		t.Fatal("batch run was not started")
	}
}

func TestServer_RecoverJobs(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/admin/jobs/recover", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"recovered":1}}`, rec.Body.String())
}

func TestServer_Health(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_RequestIDEchoedAndGenerated(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-Id"))

	rec2 := f.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, rec2.Header().Get("X-Request-Id"))
}
