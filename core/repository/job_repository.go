package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"inversion-orchestrator/core/models"
)

// JobRepository persists the simulation-job status table
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, iteration, event_id, kind, status, remote_id,
	submitted_at, finished_at, created_at, updated_at`

// EnsureJob returns the existing non-terminal job for (iteration, event,
// kind), or inserts a fresh one in status not_submitted. This is what makes
// dispatch idempotent.
func (r *JobRepository) EnsureJob(ctx context.Context, iteration, eventID string, kind models.JobKind) (*models.SimulationJob, error) {
	job, err := r.liveJob(ctx, iteration, eventID, kind)
	if err == nil {
		return job, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("repository: looking up job %s/%s/%s: %w", iteration, eventID, kind, err)
	}

	created := &models.SimulationJob{
		ID:        uuid.NewString(),
		Iteration: iteration,
		EventID:   eventID,
		Kind:      kind,
		Status:    models.StatusNotSubmitted,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO simulation_jobs (id, iteration, event_id, kind, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		created.ID, iteration, eventID, kind, created.Status, created.CreatedAt, created.UpdatedAt,
	)
	if err != nil {
		// Another process won the insert race; the partial unique index
		// guarantees there is exactly one live job to return.
		if live, lookupErr := r.liveJob(ctx, iteration, eventID, kind); lookupErr == nil {
			return live, nil
		}
		return nil, fmt.Errorf("repository: inserting job %s/%s/%s: %w", iteration, eventID, kind, err)
	}
	if err := r.appendJobEventTx(ctx, tx, created.ID, nil, created.Status, "job_created"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// GetJob returns the most recent job for (iteration, event, kind).
func (r *JobRepository) GetJob(ctx context.Context, iteration, eventID string, kind models.JobKind) (*models.SimulationJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM simulation_jobs
		WHERE iteration = $1 AND event_id = $2 AND kind = $3
		ORDER BY created_at DESC
		LIMIT 1`,
		iteration, eventID, kind,
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: fetching job %s/%s/%s: %w", iteration, eventID, kind, err)
	}
	return job, nil
}

// ListJobs lists all jobs of one kind for an iteration.
func (r *JobRepository) ListJobs(ctx context.Context, iteration string, kind models.JobKind) ([]*models.SimulationJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM simulation_jobs
		WHERE iteration = $1 AND kind = $2
		ORDER BY event_id`,
		iteration, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: listing jobs for %s/%s: %w", iteration, kind, err)
	}
	defer rows.Close()

	var jobs []*models.SimulationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListIterationJobs lists every job of an iteration regardless of kind.
func (r *JobRepository) ListIterationJobs(ctx context.Context, iteration string) ([]*models.SimulationJob, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM simulation_jobs
		WHERE iteration = $1
		ORDER BY kind, event_id`,
		iteration,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: listing jobs for %s: %w", iteration, err)
	}
	defer rows.Close()

	var jobs []*models.SimulationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkSubmitted moves a job to submitted and records the remote identifier.
func (r *JobRepository) MarkSubmitted(ctx context.Context, jobID, remoteID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	from, err := r.lockStatus(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if !models.CanTransition(from, models.StatusSubmitted) {
		return fmt.Errorf("repository: job %s cannot move %s -> %s", jobID, from, models.StatusSubmitted)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE simulation_jobs
		SET status = $1, remote_id = $2, submitted_at = NOW(), updated_at = NOW()
		WHERE id = $3`,
		models.StatusSubmitted, remoteID, jobID,
	)
	if err != nil {
		return fmt.Errorf("repository: marking job %s submitted: %w", jobID, err)
	}
	if err := r.appendJobEventTx(ctx, tx, jobID, &from, models.StatusSubmitted, "submitted to remote site"); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateStatus advances a job's status, rejecting backward transitions, and
// appends the transition to the audit log in the same transaction.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID string, to models.JobStatus, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	from, err := r.lockStatus(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if !models.CanTransition(from, to) {
		return fmt.Errorf("repository: job %s cannot move %s -> %s", jobID, from, to)
	}

	query := `UPDATE simulation_jobs SET status = $1, updated_at = NOW() WHERE id = $2`
	if to.Terminal() {
		query = `UPDATE simulation_jobs SET status = $1, finished_at = NOW(), updated_at = NOW() WHERE id = $2`
	}
	if _, err := tx.ExecContext(ctx, query, to, jobID); err != nil {
		return fmt.Errorf("repository: updating job %s: %w", jobID, err)
	}
	if err := r.appendJobEventTx(ctx, tx, jobID, &from, to, reason); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *JobRepository) liveJob(ctx context.Context, iteration, eventID string, kind models.JobKind) (*models.SimulationJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM simulation_jobs
		WHERE iteration = $1 AND event_id = $2 AND kind = $3
		  AND status NOT IN ($4, $5)`,
		iteration, eventID, kind, models.StatusRetrieved, models.StatusFailed,
	)
	return scanJob(row)
}

func (r *JobRepository) lockStatus(ctx context.Context, tx *sql.Tx, jobID string) (models.JobStatus, error) {
	var status models.JobStatus
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM simulation_jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("repository: locking job %s: %w", jobID, err)
	}
	return status, nil
}

func (r *JobRepository) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, reason string) error {
	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)`,
		jobID, fromStr, to, reason,
	)
	if err != nil {
		return fmt.Errorf("repository: appending job event for %s: %w", jobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.SimulationJob, error) {
	var job models.SimulationJob
	var remoteID sql.NullString
	var submittedAt, finishedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Iteration,
		&job.EventID,
		&job.Kind,
		&job.Status,
		&remoteID,
		&submittedAt,
		&finishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if remoteID.Valid {
		job.RemoteID = remoteID.String
	}
	if submittedAt.Valid {
		job.SubmittedAt = &submittedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return &job, nil
}
