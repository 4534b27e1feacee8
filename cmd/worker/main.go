// Package main is the entry point for the crowdcast background worker.
//
// The worker owns every scheduled job: the pre-batch schedule prefetches for
// both cache families, the nightly batch forecast run, the morning quality
// check, the weekly retention sweep and hourly stale-job recovery. The two
// retry coordinators run as long-lived goroutines beside the cron loop and
// re-attempt failed schedule fetches between cycles.
//
// A minimal HTTP listener exposes /healthz and /metrics for probes and
// scraping. Graceful shutdown is handled via OS signal interception (SIGINT,
// SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"crowdcast/internal/config"
	"crowdcast/internal/db"
	"crowdcast/internal/engine"
	"crowdcast/internal/external"
	"crowdcast/internal/features"
	"crowdcast/internal/metrics"
	"crowdcast/internal/scheduler"
	"crowdcast/internal/schedules"
	"crowdcast/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("crowdcast worker starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	mets := metrics.New()
	clock := types.RealClock{}

	lineRepo := db.NewLineRepository(pool)
	forecastRepo := db.NewForecastRepository(pool)
	jobRepo := db.NewJobRepository(pool)
	scheduleRepo := db.NewScheduleRepository(pool)
	capacityRepo := db.NewCapacityRepository(pool)
	calendarRepo := db.NewCalendarRepository(pool)
	lagRepo := db.NewLagFeatureRepository(pool)

	httpClient := &http.Client{Timeout: cfg.Upstream.HTTPTimeout}
	ua := external.WithUserAgent(cfg.Upstream.UserAgent)
	busFetcher := external.NewBusScheduleClient(httpClient, cfg.Upstream.BusScheduleURL, ua)
	metroFetcher := external.NewMetroClient(httpClient, cfg.Upstream.MetroAPIURL, ua)
	weather := external.NewWeatherClient(httpClient, cfg.Upstream.WeatherURL,
		cfg.Upstream.Latitude, cfg.Upstream.Longitude, ua)
	predictor := external.NewPredictorClient(httpClient, cfg.Upstream.PredictorURL,
		cfg.Upstream.PredictorKey, ua)

	busCache := schedules.NewCache(schedules.CacheConfig{
		Family:              types.FamilyBus,
		Repo:                scheduleRepo,
		Fetcher:             busFetcher,
		Clock:               clock,
		Logger:              logger,
		Metrics:             mets,
		MaxStaleDays:        cfg.Cache.MaxStaleDays,
		PrefetchConcurrency: cfg.Cache.PrefetchConcurrency,
		FetchTimeout:        cfg.Cache.FetchTimeout,
		MicroTTL:            cfg.Cache.MicroTTL,
		MicroSize:           cfg.Cache.MicroSize,
	})
	metroCache := schedules.NewCache(schedules.CacheConfig{
		Family:              types.FamilyMetro,
		Repo:                scheduleRepo,
		Fetcher:             metroFetcher,
		Clock:               clock,
		Logger:              logger,
		Metrics:             mets,
		MaxStaleDays:        cfg.Cache.MaxStaleDays,
		PrefetchConcurrency: cfg.Cache.PrefetchConcurrency,
		FetchTimeout:        cfg.Cache.FetchTimeout,
		MicroTTL:            cfg.Cache.MicroTTL,
		MicroSize:           cfg.Cache.MicroSize,
	})

	busRetry := schedules.NewRetryCoordinator(schedules.RetryConfig{
		Cache:       busCache,
		Repo:        scheduleRepo,
		Clock:       clock,
		Logger:      logger,
		Metrics:     mets,
		Interval:    cfg.Retry.Interval,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	})
	metroRetry := schedules.NewRetryCoordinator(schedules.RetryConfig{
		Cache:       metroCache,
		Repo:        scheduleRepo,
		Clock:       clock,
		Logger:      logger,
		Metrics:     mets,
		Interval:    cfg.Retry.Interval,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	})

	topology, err := loadTopology(cfg.Scheduler.TopologyPath)
	if err != nil {
		return fmt.Errorf("loading rail topology: %w", err)
	}

	resolver := schedules.NewTripResolver(schedules.ResolverConfig{
		BusCache:   busCache,
		MetroCache: metroCache,
		Topology:   topology,
		Logger:     logger,
	})

	lags := features.NewStore(features.Config{
		Repo:    lagRepo,
		Metrics: mets,
		Logger:  logger,
	})

	eng := engine.NewEngine(engine.Config{
		Roster:           lineRepo,
		Capacities:       capacityRepo,
		Calendar:         calendarRepo,
		Lags:             lags,
		Trips:            resolver,
		Weather:          weather,
		Predictor:        predictor,
		Jobs:             jobRepo,
		Store:            engine.NewTxForecastStore(pool),
		Clock:            clock,
		Logger:           logger,
		Metrics:          mets,
		NumDays:          cfg.Batch.NumDays,
		WeatherRetries:   cfg.Batch.WeatherRetries,
		WeatherRetryBase: cfg.Batch.WeatherRetryBase,
	})

	retention := scheduler.NewRetentionService(scheduler.RetentionConfig{
		DB:         forecastRepo,
		Jobs:       jobRepo,
		Logger:     logger,
		Retention:  cfg.Scheduler.ForecastRetention,
		BatchDays:  cfg.Scheduler.RetentionDays,
		ArchiveDir: cfg.Scheduler.ArchiveDir,
	})
	quality := scheduler.NewQualityService(forecastRepo, lineRepo, jobRepo, logger)
	recovery := scheduler.NewRecoveryService(jobRepo, cfg.Scheduler.JobRecoveryGrace, logger)

	worker, err := scheduler.NewWorker(scheduler.WorkerConfig{
		Scheduler:  cfg.Scheduler,
		NumDays:    cfg.Batch.NumDays,
		Roster:     lineRepo,
		BusCache:   busCache,
		MetroCache: metroCache,
		BusRetry:   busRetry,
		MetroRetry: metroRetry,
		Topology:   topology,
		Batch:      batchRunner{eng: eng},
		Quality:    quality,
		Retention:  retention,
		Recovery:   recovery,
		Clock:      clock,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("creating worker: %w", err)
	}

	worker.Start(ctx)
	defer worker.Stop()

	return serveOps(cfg, mets, logger)
}

// batchRunner adapts the engine to the runner interface the cron jobs
// consume; the run summary is already logged and persisted by the engine.
type batchRunner struct {
	eng *engine.Engine
}

func (b batchRunner) Run(ctx context.Context, targetDate time.Time) error {
	_, err := b.eng.Run(ctx, targetDate)
	return err
}

// serveOps runs the worker's operational HTTP listener until a shutdown
// signal or a listener error.
func serveOps(cfg *config.Config, mets *metrics.Metrics, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"ok"}`)
	})
	mux.Handle("/metrics", mets.Handler())

	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("worker ops listener up", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("ops listener error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("ops listener shutdown error", "error", err)
	}

	logger.Info("worker stopped cleanly")
	return nil
}

// newPool builds the pgx connection pool from the database configuration and
// verifies connectivity before returning it.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// loadTopology returns the configured rail topology, or the built-in network
// when no file is configured.
func loadTopology(path string) (*schedules.Topology, error) {
	if path == "" {
		return schedules.DefaultTopology(), nil
	}
	return schedules.LoadTopology(path)
}

// newLogger creates a structured slog.Logger configured for the given log
// level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
