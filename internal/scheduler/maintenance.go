// Package scheduler implements the worker's scheduled job services: the
// nightly schedule prefetches, the batch forecast trigger, data quality
// checks, forecast retention sweeps, and recovery of abandoned job ledger
// rows. All services accept a `now` parameter for deterministic testing and
// manual backfill.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"crowdcast/internal/types"
)

// Defaults for the maintenance services.
const (
	DefaultRetentionDays = 30
	DefaultRetention     = 90 * 24 * time.Hour
	DefaultRecoveryGrace = 2 * time.Hour
)

// RetentionDB defines the forecast table operations the retention sweep
// needs.
type RetentionDB interface {
	// ListDatesBefore returns distinct forecast dates older than cutoff.
	ListDatesBefore(ctx context.Context, cutoff time.Time, limit int) ([]time.Time, error)

	// ListForDate returns every forecast row for one date.
	ListForDate(ctx context.Context, date time.Time) ([]types.ForecastRecord, error)

	// DeleteForDate removes every forecast row for one date, returning the
	// count.
	DeleteForDate(ctx context.Context, date time.Time) (int64, error)
}

// JobLedger brackets a maintenance run in the execution ledger.
type JobLedger interface {
	Start(ctx context.Context, jobType string, targetDate, endDate, now time.Time) (int64, error)
	Finish(ctx context.Context, id int64, status types.JobStatus, records int, errMsg *string, metadata map[string]any, now time.Time) error
}

// RetentionConfig carries the retention sweep's dependencies and tuning.
type RetentionConfig struct {
	DB         RetentionDB
	Jobs       JobLedger
	Logger     *slog.Logger
	Retention  time.Duration
	BatchDays  int
	ArchiveDir string
}

// RetentionService archives and deletes forecast days older than the
// retention window. Each expired day is written as zstd-compressed NDJSON
// before its rows are deleted, so the data stays recoverable offline.
type RetentionService struct {
	db         RetentionDB
	jobs       JobLedger
	logger     *slog.Logger
	retention  time.Duration
	batchDays  int
	archiveDir string
}

// NewRetentionService creates a RetentionService.
func NewRetentionService(cfg RetentionConfig) *RetentionService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.BatchDays <= 0 {
		cfg.BatchDays = DefaultRetentionDays
	}
	return &RetentionService{
		db:         cfg.DB,
		jobs:       cfg.Jobs,
		logger:     logger,
		retention:  cfg.Retention,
		batchDays:  cfg.BatchDays,
		archiveDir: cfg.ArchiveDir,
	}
}

// Sweep archives and deletes every expired forecast day, oldest first. One
// day failing stops the sweep; remaining days are picked up next cycle.
func (s *RetentionService) Sweep(ctx context.Context, now time.Time) error {
	cutoff := types.DateOnly(now.Add(-s.retention))

	jobID, err := s.jobs.Start(ctx, types.JobTypeRetentionSweep, cutoff, cutoff, now)
	if err != nil {
		return fmt.Errorf("start retention job: %w", err)
	}

	deleted, sweepErr := s.sweep(ctx, cutoff)

	status := types.JobStatusSuccess
	var errMsg *string
	if sweepErr != nil {
		status = types.JobStatusFailed
		msg := sweepErr.Error()
		errMsg = &msg
	}
	metadata := map[string]any{"cutoff": types.DateKey(cutoff)}
	if finErr := s.jobs.Finish(ctx, jobID, status, deleted, errMsg, metadata, now); finErr != nil {
		s.logger.ErrorContext(ctx, "failed to finalize retention job", "error", finErr)
	}
	return sweepErr
}

func (s *RetentionService) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	dates, err := s.db.ListDatesBefore(ctx, cutoff, s.batchDays)
	if err != nil {
		return 0, fmt.Errorf("list expired forecast dates: %w", err)
	}

	total := 0
	for _, date := range dates {
		records, err := s.db.ListForDate(ctx, date)
		if err != nil {
			return total, fmt.Errorf("load forecasts for %s: %w", types.DateKey(date), err)
		}
		if err := s.archiveDay(date, records); err != nil {
			return total, fmt.Errorf("archive forecasts for %s: %w", types.DateKey(date), err)
		}
		n, err := s.db.DeleteForDate(ctx, date)
		if err != nil {
			return total, fmt.Errorf("delete forecasts for %s: %w", types.DateKey(date), err)
		}
		total += int(n)
		s.logger.InfoContext(ctx, "forecast day archived and deleted",
			"date", types.DateKey(date),
			"rows", n,
		)
	}
	return total, nil
}

// archiveDay writes one day of records as zstd-compressed NDJSON. With no
// archive dir configured the sweep deletes without archiving.
func (s *RetentionService) archiveDay(date time.Time, records []types.ForecastRecord) error {
	if s.archiveDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.archiveDir, 0o750); err != nil {
		return err
	}

	path := filepath.Join(s.archiveDir, fmt.Sprintf("forecasts-%s.ndjson.zst", types.DateKey(date)))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(zw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// QualityDB defines the forecast table operations the quality check needs.
type QualityDB interface {
	// LineRowCounts returns forecast row counts per line for one date.
	LineRowCounts(ctx context.Context, date time.Time) (map[string]int, error)
}

// RosterDB yields the active line roster.
type RosterDB interface {
	ListActive(ctx context.Context) ([]types.TransportLine, error)
}

// QualityService verifies that yesterday's batch produced a complete grid:
// 24 rows for every active line. Gaps are recorded in the job ledger for the
// operator, not repaired automatically.
type QualityService struct {
	forecasts QualityDB
	roster    RosterDB
	jobs      JobLedger
	logger    *slog.Logger
}

// NewQualityService creates a QualityService.
func NewQualityService(forecasts QualityDB, roster RosterDB, jobs JobLedger, logger *slog.Logger) *QualityService {
	if logger == nil {
		logger = slog.Default()
	}
	return &QualityService{forecasts: forecasts, roster: roster, jobs: jobs, logger: logger}
}

// CheckDate audits the forecast grid for one date.
func (s *QualityService) CheckDate(ctx context.Context, date, now time.Time) error {
	date = types.DateOnly(date)

	jobID, err := s.jobs.Start(ctx, types.JobTypeQualityCheck, date, date, now)
	if err != nil {
		return fmt.Errorf("start quality job: %w", err)
	}

	incomplete, checked, checkErr := s.check(ctx, date)

	status := types.JobStatusSuccess
	var errMsg *string
	metadata := map[string]any{}
	if checkErr != nil {
		status = types.JobStatusFailed
		msg := checkErr.Error()
		errMsg = &msg
	} else {
		metadata["lines_checked"] = checked
		metadata["lines_incomplete"] = len(incomplete)
		if len(incomplete) > 0 {
			metadata["incomplete_lines"] = incomplete
			s.logger.WarnContext(ctx, "forecast grid has gaps",
				"date", types.DateKey(date),
				"incomplete", len(incomplete),
			)
		}
	}

	if finErr := s.jobs.Finish(ctx, jobID, status, checked, errMsg, metadata, now); finErr != nil {
		s.logger.ErrorContext(ctx, "failed to finalize quality job", "error", finErr)
	}
	return checkErr
}

func (s *QualityService) check(ctx context.Context, date time.Time) (incomplete []string, checked int, err error) {
	lines, err := s.roster.ListActive(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("load line roster: %w", err)
	}
	counts, err := s.forecasts.LineRowCounts(ctx, date)
	if err != nil {
		return nil, 0, fmt.Errorf("count forecast rows: %w", err)
	}

	for _, line := range lines {
		if counts[line.LineID] < 24 {
			incomplete = append(incomplete, line.LineID)
		}
	}
	return incomplete, len(lines), nil
}

// RecoveryDB defines the job ledger operation stale-row recovery needs.
type RecoveryDB interface {
	// RecoverStale flips RUNNING rows started before cutoff to FAILED,
	// returning the count.
	RecoverStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// RecoveryService flips job ledger rows stuck in RUNNING past the grace
// window to FAILED. A row can get stuck when the worker dies mid-run; the
// row itself has no way to observe that.
type RecoveryService struct {
	db     RecoveryDB
	logger *slog.Logger
	grace  time.Duration
}

// NewRecoveryService creates a RecoveryService.
func NewRecoveryService(db RecoveryDB, grace time.Duration, logger *slog.Logger) *RecoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = DefaultRecoveryGrace
	}
	return &RecoveryService{db: db, logger: logger, grace: grace}
}

// RecoverStale fails any RUNNING row older than the grace window.
func (s *RecoveryService) RecoverStale(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.db.RecoverStale(ctx, now.Add(-s.grace), now)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "stale running jobs marked failed", "count", n)
	}
	return n, nil
}
