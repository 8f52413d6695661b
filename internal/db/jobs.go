package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/reelforge/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

const jobColumns = `
	id, node_id, project_id, user_id, type, status, progress, stage,
	progress_message, result, error, external_operation_id, credit_cost,
	owner, attempts, started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	job := &models.Job{}
	err := row.Scan(
		&job.ID, &job.NodeID, &job.ProjectID, &job.UserID, &job.Type,
		&job.Status, &job.Progress, &job.Stage, &job.ProgressMessage,
		&job.Result, &job.Error, &job.ExternalOperationID, &job.CreditCost,
		&job.Owner, &job.Attempts, &job.StartedAt, &job.CompletedAt,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, node_id, project_id, user_id, type, status, progress, credit_cost
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := db.QueryRowContext(
		ctx, query,
		job.ID, job.NodeID, job.ProjectID, job.UserID, job.Type, job.Status,
		job.Progress, job.CreditCost,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrJobExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (db *DB) ListNodeJobs(ctx context.Context, nodeID uuid.UUID) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE node_id = $1 ORDER BY created_at DESC`
	return db.queryJobs(ctx, query, nodeID)
}

// ListStaleJobs returns up to limit processing jobs not updated since before,
// oldest first.
func (db *DB) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]models.Job, error) {
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2
	`
	return db.queryJobs(ctx, query, before, limit)
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]models.Job, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// ClaimJob moves a non-terminal job to processing under owner. A job left
// processing by a crashed worker is taken over by the new owner.
func (db *DB) ClaimJob(ctx context.Context, id uuid.UUID, owner string) (*models.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
		    owner = $2,
		    attempts = attempts + 1,
		    started_at = COALESCE(started_at, now()),
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'processing')
		RETURNING ` + jobColumns

	job, err := scanJob(db.QueryRowContext(ctx, query, id, owner))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if _, err := db.GetJob(ctx, id); err != nil {
		return nil, err
	}
	return nil, models.ErrJobTerminal
}

// UpdateJobProgress never lowers progress.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, owner string, progress int, stage, message string) error {
	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $3),
		    stage = COALESCE(NULLIF($4, ''), stage),
		    progress_message = COALESCE(NULLIF($5, ''), progress_message),
		    updated_at = now()
		WHERE id = $1 AND owner = $2 AND status = 'processing'
	`
	_, err := db.ExecContext(ctx, query, id, owner, progress, stage, message)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

func (db *DB) SetJobOperation(ctx context.Context, id uuid.UUID, owner, operationID string) error {
	query := `
		UPDATE jobs
		SET external_operation_id = $3, updated_at = now()
		WHERE id = $1 AND owner = $2 AND status = 'processing'
	`
	_, err := db.ExecContext(ctx, query, id, owner, operationID)
	if err != nil {
		return fmt.Errorf("failed to set job operation: %w", err)
	}
	return nil
}

// CompleteJob reports whether this call performed the transition.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID, owner string, result models.JSONB) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'completed',
		    progress = 100,
		    result = $3,
		    error = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND owner = $2 AND status = 'processing'
	`
	res, err := db.ExecContext(ctx, query, id, owner, result)
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to complete job: %w", err)
	}
	return n == 1, nil
}

// FailJob reports whether this call performed the transition. An unclaimed
// job (no owner yet) may be failed by anyone, which covers submission
// rollback.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, owner, message string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'failed',
		    error = $3,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status IN ('pending', 'processing')
		  AND (owner IS NULL OR owner = $2)
	`
	res, err := db.ExecContext(ctx, query, id, owner, message)
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	return n == 1, nil
}

// FailStaleJob fails a processing job only while it is still untouched since
// before, so a worker that reported progress in the meantime keeps it.
func (db *DB) FailStaleJob(ctx context.Context, id uuid.UUID, before time.Time, message string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = 'failed',
		    error = $3,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1
		  AND status = 'processing'
		  AND updated_at < $2
	`
	res, err := db.ExecContext(ctx, query, id, before, message)
	if err != nil {
		return false, fmt.Errorf("failed to fail stale job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to fail stale job: %w", err)
	}
	return n == 1, nil
}
