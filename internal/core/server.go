// Package core provides the HTTP chassis for the crowdcast API: a chi router
// with request identification, logging, and panic recovery wired in front of
// the forecast, schedule, cache status, and operator endpoints.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"crowdcast/internal/config"
	"crowdcast/internal/schedules"
	"crowdcast/internal/types"
)

// ForecastReader reads published forecast rows.
type ForecastReader interface {
	ListForLineDate(ctx context.Context, lineID string, date time.Time) ([]types.ForecastRecord, error)
}

// LineReader resolves lines from the roster.
type LineReader interface {
	Get(ctx context.Context, lineID string) (*types.TransportLine, error)
}

// JobReader reads the job execution ledger.
type JobReader interface {
	Latest(ctx context.Context, jobType string, limit int) ([]types.JobExecution, error)
	HasRunning(ctx context.Context, jobType string) (bool, error)
}

// CacheStatusReader summarizes a schedule cache family's persisted state.
type CacheStatusReader interface {
	CountByStatus(ctx context.Context, family types.ResourceFamily, validFor time.Time) (map[types.SourceStatus]int, error)
}

// PendingLister exposes a retry coordinator's queue.
type PendingLister interface {
	Pending() []types.PendingRetry
}

// ScheduleResolver resolves a line's service profile.
type ScheduleResolver interface {
	Resolve(ctx context.Context, line types.TransportLine, validFor time.Time) schedules.LineSchedule
}

// BatchTrigger starts a batch forecast run.
type BatchTrigger interface {
	Run(ctx context.Context, targetDate time.Time) error
}

// JobRecoverer fails stale RUNNING ledger rows.
type JobRecoverer interface {
	RecoverStale(ctx context.Context, now time.Time) (int64, error)
}

// Server bundles the API's dependencies behind a chi router.
type Server struct {
	Config *config.Config
	Logger *slog.Logger

	Forecasts   ForecastReader
	Lines       LineReader
	Jobs        JobReader
	Resolver    ScheduleResolver
	CacheStatus CacheStatusReader
	BusRetry    PendingLister
	MetroRetry  PendingLister
	Batch       BatchTrigger
	Recovery    JobRecoverer
	Clock       types.Clock

	MetricsHandler http.Handler

	router *chi.Mux
}

// NewServer validates the wiring and builds the router. Routes are mounted
// immediately; the returned server is ready to serve.
func NewServer(s *Server) (*Server, error) {
	if s.Config == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Clock == nil {
		s.Clock = types.RealClock{}
	}
	if s.Forecasts == nil || s.Lines == nil || s.Jobs == nil {
		return nil, fmt.Errorf("repositories must not be nil")
	}

	s.router = chi.NewRouter()
	s.mountRoutes()
	return s, nil
}

// Handler returns the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	s.router.Get("/healthz", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/forecast/{lineID}", s.HandleGetForecast)
		r.Get("/schedule/{lineID}", s.HandleGetSchedule)
		r.Get("/status/cache", s.HandleCacheStatus)
		r.Get("/jobs", s.HandleListJobs)

		r.Post("/admin/forecast/run", s.HandleRunForecast)
		r.Post("/admin/jobs/recover", s.HandleRecoverJobs)
	})
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
