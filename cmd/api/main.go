// Package main is the entry point for the crowdcast API server.
//
// It loads configuration from the environment, connects to Postgres, wires
// the schedule caches, the trip resolver and the batch forecast engine, and
// serves the read API plus the admin endpoints. Graceful shutdown is handled
// via OS signal interception (SIGINT, SIGTERM).
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
	"crowdcast/internal/core"
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

// run encapsulates the startup lifecycle so that main() can cleanly exit on
// error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("crowdcast API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
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

	// The coordinators sweep the retries produced by on-demand fetches on
	// this process's read path.
	go busRetry.Run(ctx)
	go metroRetry.Run(ctx)

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

	srv, err := core.NewServer(&core.Server{
		Config:         cfg,
		Logger:         logger,
		Forecasts:      forecastRepo,
		Lines:          lineRepo,
		Jobs:           jobRepo,
		Resolver:       resolver,
		CacheStatus:    scheduleRepo,
		BusRetry:       busRetry,
		MetroRetry:     metroRetry,
		Batch:          batchRunner{eng: eng},
		Recovery:       scheduler.NewRecoveryService(jobRepo, cfg.Scheduler.JobRecoveryGrace, logger),
		Clock:          clock,
		MetricsHandler: mets.Handler(),
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return runHTTPServer(srv, cfg, logger)
}

// batchRunner adapts the engine to the trigger interface the admin endpoint
// consumes; the run summary is already logged and persisted by the engine.
type batchRunner struct {
	eng *engine.Engine
}

func (b batchRunner) Run(ctx context.Context, targetDate time.Time) error {
	_, err := b.eng.Run(ctx, targetDate)
	return err
}

// runHTTPServer starts the server in standard HTTP mode with graceful
// shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
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
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
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
