package db

import (
	"context"
	"encoding/json"
	"time"

	"crowdcast/internal/types"
)

// JobRepository provides data access for the job_executions ledger. Rows are
// append-mostly: created RUNNING, finalized exactly once, never deleted by
// application code.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// Start inserts a new RUNNING ledger row and returns its BIGSERIAL id. The
// caller later calls Finish with the same id; a row left RUNNING indicates a
// crash and is picked up by RecoverStale.
func (r *JobRepository) Start(ctx context.Context, jobType string, targetDate, endDate, now time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_executions
		 (job_type, target_date, end_date, status, start_time, records_processed)
		 VALUES ($1, $2, $3, 'RUNNING', $4, 0)
		 RETURNING id`,
		jobType,
		types.DateOnly(targetDate),
		types.DateOnly(endDate),
		now,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job execution", err)
	}
	return id, nil
}

// Finish finalizes a ledger row with the terminal status, record count,
// optional error message, and metadata. Metadata is stored as JSONB.
func (r *JobRepository) Finish(ctx context.Context, id int64, status types.JobStatus, records int, errMsg *string, metadata map[string]any, now time.Time) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal job metadata", err)
		}
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_executions
		 SET status = $2, end_time = $3, records_processed = $4,
		     error_message = $5, metadata = $6
		 WHERE id = $1`,
		id,
		status,
		now,
		records,
		errMsg,
		metaJSON,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job execution", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job execution not found", nil)
	}
	return nil
}

// RecoverStale flips RUNNING rows that started before cutoff to FAILED with a
// recovery message. Crash recovery is explicit and operator-visible; stale
// rows are never silently re-run.
func (r *JobRepository) RecoverStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE job_executions
		 SET status = 'FAILED', end_time = $2,
		     error_message = 'recovered: job exceeded the running grace window'
		 WHERE status = 'RUNNING' AND start_time < $1`,
		cutoff,
		now,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to recover stale job executions", err)
	}
	return tag.RowsAffected(), nil
}

// HasRunning reports whether any RUNNING row exists for the job type. The
// manual trigger endpoint uses this to refuse overlapping batch runs.
func (r *JobRepository) HasRunning(ctx context.Context, jobType string) (bool, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_executions WHERE job_type = $1 AND status = 'RUNNING'`,
		jobType,
	).Scan(&n)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check running jobs", err)
	}
	return n > 0, nil
}

// Latest returns the most recent ledger rows for the job type, newest first.
// An empty jobType returns rows across all job types.
func (r *JobRepository) Latest(ctx context.Context, jobType string, limit int) ([]types.JobExecution, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, job_type, target_date, end_date, status, start_time,
		        end_time, records_processed, error_message, metadata
		 FROM job_executions
		 WHERE ($1 = '' OR job_type = $1)
		 ORDER BY id DESC
		 LIMIT $2`,
		jobType,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query job executions", err)
	}
	defer rows.Close()

	var jobs []types.JobExecution
	for rows.Next() {
		var (
			j        types.JobExecution
			metaJSON []byte
		)
		if err := rows.Scan(
			&j.ID,
			&j.JobType,
			&j.TargetDate,
			&j.EndDate,
			&j.Status,
			&j.StartTime,
			&j.EndTime,
			&j.RecordsProcessed,
			&j.ErrorMessage,
			&metaJSON,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job execution", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &j.Metadata); err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to unmarshal job metadata", err)
			}
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job executions", err)
	}

	return jobs, nil
}
