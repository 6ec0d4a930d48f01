package db

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mailvault/mailvault/consts"
)

// Job lifecycle states.
const (
	JobStatusPending = "pending"
	JobStatusStarted = "started"
	JobStatusSuccess = "success"
	JobStatusFailure = "failure"
	JobStatusRetry   = "retry"
	JobStatusRevoked = "revoked"
)

// TaskImportMailbox is the task name import jobs are queued under.
const TaskImportMailbox = "import_mailbox"

// maxJobErrorLen bounds the persisted error column so a pathological
// failure message cannot bloat the row.
const maxJobErrorLen = 2000

// Job is one unit of queued background work.
type Job struct {
	ID         uuid.UUID
	TaskName   string
	TaskRef    *string
	Status     string
	Args       []byte
	Kwargs     []byte
	Result     []byte
	Error      *string
	Retries    int
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CreateJob enqueues a pending job. kwargs is a JSON object naming the
// task parameters; nil means no parameters.
func (db *Database) CreateJob(ctx context.Context, taskName string, kwargs []byte) (*Job, error) {
	if kwargs == nil {
		kwargs = []byte(`{}`)
	}
	job := &Job{
		ID:       uuid.New(),
		TaskName: taskName,
		Status:   JobStatusPending,
		Kwargs:   kwargs,
	}
	err := db.GetWritePool().QueryRow(ctx, `
		INSERT INTO jobs (id, task_name, kwargs)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		job.ID, taskName, kwargs).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJobByID fetches one job. Returns consts.ErrJobNotFound when no
// such job exists.
func (db *Database) GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := db.GetReadPool().QueryRow(ctx, `
		SELECT id, task_name, task_ref, status, args, kwargs, result, error,
		       retries, started_at, finished_at, created_at, updated_at
		FROM jobs
		WHERE id = $1`, id).
		Scan(&job.ID, &job.TaskName, &job.TaskRef, &job.Status, &job.Args,
			&job.Kwargs, &job.Result, &job.Error, &job.Retries,
			&job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ClaimPendingJob atomically claims the oldest pending job for the given
// task name and marks it started. SKIP LOCKED lets concurrent workers
// claim distinct jobs without blocking each other. Returns
// consts.ErrJobNotFound when nothing is pending.
func (db *Database) ClaimPendingJob(ctx context.Context, taskName string) (*Job, error) {
	var job Job
	err := db.GetWritePool().QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM jobs
			WHERE status = 'pending' AND task_name = $1
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs
		SET status = 'started', started_at = now(), updated_at = now()
		FROM next
		WHERE jobs.id = next.id
		RETURNING jobs.id, jobs.task_name, jobs.task_ref, jobs.status,
		          jobs.args, jobs.kwargs, jobs.result, jobs.error, jobs.retries,
		          jobs.started_at, jobs.finished_at, jobs.created_at, jobs.updated_at`,
		taskName).
		Scan(&job.ID, &job.TaskName, &job.TaskRef, &job.Status, &job.Args,
			&job.Kwargs, &job.Result, &job.Error, &job.Retries,
			&job.StartedAt, &job.FinishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// MarkJobStarted records that a job began executing, writing the initial
// progress document into result.
func (db *Database) MarkJobStarted(ctx context.Context, jobID uuid.UUID, progress []byte) error {
	_, err := db.GetWritePool().Exec(ctx, `
		UPDATE jobs
		SET status = 'started',
		    started_at = COALESCE(started_at, now()),
		    result = $2,
		    updated_at = now()
		WHERE id = $1`, jobID, progress)
	return err
}

// SaveJobProgress overwrites the job's progress document without
// touching its lifecycle state.
func (db *Database) SaveJobProgress(ctx context.Context, jobID uuid.UUID, progress []byte) error {
	_, err := db.GetWritePool().Exec(ctx, `
		UPDATE jobs
		SET result = $2, updated_at = now()
		WHERE id = $1`, jobID, progress)
	return err
}

// FinishJob records the terminal state of a job along with its final
// progress document and, for failures, a truncated error description.
func (db *Database) FinishJob(ctx context.Context, jobID uuid.UUID, status string, progress []byte, errText string) error {
	var errCol *string
	if errText != "" {
		if len(errText) > maxJobErrorLen {
			cut := maxJobErrorLen
			for cut > 0 && !utf8.RuneStart(errText[cut]) {
				cut--
			}
			errText = errText[:cut]
		}
		errCol = &errText
	}
	_, err := db.GetWritePool().Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    result = COALESCE($3, result),
		    error = $4,
		    finished_at = now(),
		    updated_at = now()
		WHERE id = $1`, jobID, status, progress, errCol)
	return err
}
