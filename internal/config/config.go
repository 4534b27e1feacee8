// Package config defines the global configuration structure for the
// crowdcast platform. Configuration is loaded once at process start and is
// immutable thereafter. Values come from the OS environment, optionally
// seeded from a .env file in local runs; any missing required value or
// invalid format fails the process immediately.
package config

import (
	"time"

	"crowdcast/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"crowdcast"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server    ServerConfig
	Database  DatabaseConfig
	Upstream  UpstreamConfig
	Cache     CacheConfig
	Retry     RetryConfig
	Batch     BatchConfig
	Scheduler SchedulerConfig
}

// ServerConfig holds HTTP server settings for the API process.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// UpstreamConfig holds endpoints and credentials for the external
// collaborators: the bus timetable service, the metro departures API, the
// weather provider, and the batch predictor.
type UpstreamConfig struct {
	BusScheduleURL string       `envconfig:"BUS_SCHEDULE_URL" validate:"required,url"`
	MetroAPIURL    string       `envconfig:"METRO_API_URL" validate:"required,url"`
	WeatherURL     string       `envconfig:"WEATHER_URL" validate:"required,url"`
	PredictorURL   string       `envconfig:"PREDICTOR_URL" validate:"required,url"`
	PredictorKey   SecretString `envconfig:"PREDICTOR_API_KEY"`

	// Latitude/Longitude of the served city, passed to the weather provider.
	Latitude  float64 `envconfig:"CITY_LATITUDE" default:"41.0082"`
	Longitude float64 `envconfig:"CITY_LONGITUDE" default:"28.9784"`

	HTTPTimeout time.Duration `envconfig:"UPSTREAM_HTTP_TIMEOUT" default:"10s"`
	UserAgent   string        `envconfig:"UPSTREAM_USER_AGENT" default:"crowdcast/1.0"`
}

// CacheConfig holds schedule cache tuning parameters.
type CacheConfig struct {
	// MaxStaleDays bounds how old a SUCCESS entry may be and still be served
	// as STALE when no entry exists for the requested date.
	MaxStaleDays int `envconfig:"CACHE_MAX_STALE_DAYS" default:"2"`
	// PrefetchConcurrency bounds the upstream fanout during a prefetch cycle.
	PrefetchConcurrency int           `envconfig:"CACHE_PREFETCH_CONCURRENCY" default:"10"`
	FetchTimeout        time.Duration `envconfig:"CACHE_FETCH_TIMEOUT" default:"10s"`
	// MicroTTL is the in-process read cache TTL in front of the database.
	MicroTTL  time.Duration `envconfig:"CACHE_MICRO_TTL" default:"5m"`
	MicroSize int           `envconfig:"CACHE_MICRO_SIZE" default:"2048"`
}

// RetryConfig holds the retry coordinator parameters.
type RetryConfig struct {
	Interval    time.Duration `envconfig:"RETRY_INTERVAL" default:"30m"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1m"`
	MaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"4h"`
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"10"`
}

// BatchConfig holds batch forecast engine parameters.
type BatchConfig struct {
	// NumDays is how many consecutive dates each scheduled run covers,
	// starting at tomorrow.
	NumDays             int           `envconfig:"BATCH_NUM_DAYS" default:"2"`
	WeatherRetries      int           `envconfig:"BATCH_WEATHER_RETRIES" default:"3"`
	WeatherRetryBase    time.Duration `envconfig:"BATCH_WEATHER_RETRY_BASE" default:"2s"`
	DefaultTripsPerHour int           `envconfig:"BATCH_DEFAULT_TRIPS" default:"1"`
	DefaultVehicleCap   int           `envconfig:"BATCH_DEFAULT_VEHICLE_CAP" default:"100"`
}

// SchedulerConfig holds the worker's cron expressions and maintenance knobs.
type SchedulerConfig struct {
	BusPrefetchCron   string `envconfig:"CRON_BUS_PREFETCH" default:"30 3 * * *"`
	MetroPrefetchCron string `envconfig:"CRON_METRO_PREFETCH" default:"45 3 * * *"`
	BatchForecastCron string `envconfig:"CRON_BATCH_FORECAST" default:"0 4 * * *"`
	QualityCheckCron  string `envconfig:"CRON_QUALITY_CHECK" default:"0 6 * * *"`
	RetentionCron     string `envconfig:"CRON_RETENTION" default:"0 2 * * 0"`
	JobRecoveryCron   string `envconfig:"CRON_JOB_RECOVERY" default:"15 * * * *"`

	// ForecastRetention is how long daily_forecasts rows are kept before the
	// retention sweep archives and deletes them.
	ForecastRetention time.Duration `envconfig:"FORECAST_RETENTION" default:"2160h"` // 90 days
	// RetentionDays bounds how many expired dates one sweep processes.
	RetentionDays int    `envconfig:"RETENTION_SWEEP_DAYS" default:"30"`
	ArchiveDir    string `envconfig:"ARCHIVE_DIR" default:"/var/lib/crowdcast/archive"`

	// JobRecoveryGrace is how long a RUNNING job row may exist before the
	// recovery sweep treats it as crashed.
	JobRecoveryGrace time.Duration `envconfig:"JOB_RECOVERY_GRACE" default:"2h"`

	// TopologyPath points at a JSON rail topology file. Empty means the
	// built-in Istanbul network.
	TopologyPath string `envconfig:"TOPOLOGY_PATH"`
}
