package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"crowdcast/internal/config"
	"crowdcast/internal/schedules"
	"crowdcast/internal/types"
)

// BatchRunner triggers one batch forecast run.
type BatchRunner interface {
	Run(ctx context.Context, targetDate time.Time) error
}

// WorkerConfig carries everything the cron worker wires together.
type WorkerConfig struct {
	Scheduler config.SchedulerConfig
	NumDays   int

	Roster     RosterDB
	BusCache   *schedules.Cache
	MetroCache *schedules.Cache
	BusRetry   *schedules.RetryCoordinator
	MetroRetry *schedules.RetryCoordinator
	Topology   *schedules.Topology

	Batch     BatchRunner
	Quality   *QualityService
	Retention *RetentionService
	Recovery  *RecoveryService

	Clock  types.Clock
	Logger *slog.Logger
}

// Worker owns the cron schedule of the background process: schedule
// prefetches before the nightly batch, the batch itself, the morning quality
// check, the weekly retention sweep, and hourly stale-job recovery. The two
// retry coordinators run as long-lived goroutines beside the cron loop.
type Worker struct {
	cfg  WorkerConfig
	cron *cron.Cron

	cancel context.CancelFunc
}

// NewWorker creates a Worker. Jobs are registered but not started.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.NumDays <= 0 {
		cfg.NumDays = 2
	}

	w := &Worker{
		cfg:  cfg,
		cron: cron.New(cron.WithLocation(time.UTC)),
	}

	entries := []struct {
		name string
		spec string
		fn   func(context.Context)
	}{
		{"bus_prefetch", cfg.Scheduler.BusPrefetchCron, w.runBusPrefetch},
		{"metro_prefetch", cfg.Scheduler.MetroPrefetchCron, w.runMetroPrefetch},
		{"batch_forecast", cfg.Scheduler.BatchForecastCron, w.runBatch},
		{"quality_check", cfg.Scheduler.QualityCheckCron, w.runQuality},
		{"retention_sweep", cfg.Scheduler.RetentionCron, w.runRetention},
		{"job_recovery", cfg.Scheduler.JobRecoveryCron, w.runRecovery},
	}
	for _, e := range entries {
		fn := e.fn
		name := e.name
		if _, err := w.cron.AddFunc(e.spec, func() {
			ctx := context.Background()
			start := time.Now()
			fn(ctx)
			w.cfg.Logger.InfoContext(ctx, "scheduled job finished",
				"job", name,
				"duration", time.Since(start),
			)
		}); err != nil {
			return nil, fmt.Errorf("register cron %s (%q): %w", e.name, e.spec, err)
		}
	}
	return w, nil
}

// Start launches the cron loop and the retry coordinators. It returns
// immediately; Stop shuts everything down.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	// Reload any failed fetches persisted before the last shutdown.
	today := types.DateOnly(w.cfg.Clock.Now())
	if err := w.cfg.BusRetry.Rehydrate(ctx, today); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "bus retry rehydration failed", "error", err)
	}
	if err := w.cfg.MetroRetry.Rehydrate(ctx, today); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "metro retry rehydration failed", "error", err)
	}

	go w.cfg.BusRetry.Run(ctx)
	go w.cfg.MetroRetry.Run(ctx)

	w.cron.Start()
	w.cfg.Logger.InfoContext(ctx, "worker started", "jobs", len(w.cron.Entries()))
}

// Stop halts the cron loop and the retry coordinators, waiting for any
// running cron job to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.cron.Stop().Done()
	w.cfg.Logger.Info("worker stopped")
}

// batchDates returns the dates the next batch run will cover, starting at
// tomorrow.
func (w *Worker) batchDates() []time.Time {
	start := types.DateOnly(w.cfg.Clock.Now()).AddDate(0, 0, 1)
	dates := make([]time.Time, 0, w.cfg.NumDays)
	for i := 0; i < w.cfg.NumDays; i++ {
		dates = append(dates, start.AddDate(0, 0, i))
	}
	return dates
}

// runBusPrefetch warms the bus schedule cache for every active bus and
// metrobus line across the batch window. Each cycle starts with a fresh
// retry budget.
func (w *Worker) runBusPrefetch(ctx context.Context) {
	lines, err := w.cfg.Roster.ListActive(ctx)
	if err != nil {
		w.cfg.Logger.ErrorContext(ctx, "bus prefetch: roster load failed", "error", err)
		return
	}

	w.cfg.BusRetry.ResetCycle()
	for _, date := range w.batchDates() {
		variant := schedules.DayTypeFor(date)
		var entities []schedules.Entity
		for _, line := range lines {
			if line.Mode != types.ModeBus && line.Mode != types.ModeMetrobus {
				continue
			}
			entities = append(entities, schedules.Entity{Key: line.LineID, Variant: variant})
		}
		failed := w.cfg.BusCache.PrefetchAll(ctx, entities, date)
		w.cfg.BusRetry.EnqueueAll(failed)
	}
}

// runMetroPrefetch warms the metro schedule cache for every terminus in the
// rail topology across the batch window.
func (w *Worker) runMetroPrefetch(ctx context.Context) {
	w.cfg.MetroRetry.ResetCycle()
	entities := w.cfg.Topology.Entities()
	for _, date := range w.batchDates() {
		failed := w.cfg.MetroCache.PrefetchAll(ctx, entities, date)
		w.cfg.MetroRetry.EnqueueAll(failed)
	}
}

func (w *Worker) runBatch(ctx context.Context) {
	target := types.DateOnly(w.cfg.Clock.Now()).AddDate(0, 0, 1)
	if err := w.cfg.Batch.Run(ctx, target); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "batch forecast run failed", "error", err)
	}
}

func (w *Worker) runQuality(ctx context.Context) {
	now := w.cfg.Clock.Now()
	yesterday := types.DateOnly(now).AddDate(0, 0, -1)
	if err := w.cfg.Quality.CheckDate(ctx, yesterday, now); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "quality check failed", "error", err)
	}
}

func (w *Worker) runRetention(ctx context.Context) {
	if err := w.cfg.Retention.Sweep(ctx, w.cfg.Clock.Now()); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "retention sweep failed", "error", err)
	}
}

func (w *Worker) runRecovery(ctx context.Context) {
	if _, err := w.cfg.Recovery.RecoverStale(ctx, w.cfg.Clock.Now()); err != nil {
		w.cfg.Logger.ErrorContext(ctx, "job recovery failed", "error", err)
	}
}
