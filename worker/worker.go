// Package worker claims pending import jobs and executes them. Several
// workers may poll the same database; row locking in the claim query
// guarantees each job runs exactly once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mailvault/mailvault/consts"
	"github.com/mailvault/mailvault/db"
	"github.com/mailvault/mailvault/importer"
	"github.com/mailvault/mailvault/logger"
	"github.com/mailvault/mailvault/pkg/metrics"
)

// importKwargs is the parameter document stored in jobs.kwargs for
// import tasks.
type importKwargs struct {
	SourceID uuid.UUID `json:"source_id"`
}

// Worker polls for pending import jobs and runs them sequentially.
type Worker struct {
	database     *db.Database
	importer     *importer.Importer
	pollInterval time.Duration
}

func New(database *db.Database, im *importer.Importer, pollInterval time.Duration) *Worker {
	return &Worker{
		database:     database,
		importer:     im,
		pollInterval: pollInterval,
	}
}

// Run polls until the context is cancelled. Each tick drains the queue:
// jobs are claimed and executed until none are pending.
func (w *Worker) Run(ctx context.Context) error {
	logger.Info("worker: started", "poll_interval", w.pollInterval)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker: stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drainQueue(ctx)
		}
	}
}

func (w *Worker) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.database.ClaimPendingJob(ctx, db.TaskImportMailbox)
		if err != nil {
			if errors.Is(err, consts.ErrJobNotFound) {
				return
			}
			logger.Error("worker: failed to claim job", "error", err)
			return
		}
		metrics.JobsClaimedTotal.Inc()

		if err := w.runJob(ctx, job); err != nil {
			logger.Error("worker: job failed", "job_id", job.ID, "error", err)
		}
	}
}

// runJob executes one claimed job. The claim already moved the job to
// started, so any failure from here on must land it in a terminal state.
func (w *Worker) runJob(ctx context.Context, job *db.Job) error {
	var kwargs importKwargs
	if err := json.Unmarshal(job.Kwargs, &kwargs); err != nil {
		err = fmt.Errorf("malformed job kwargs: %w", err)
		if ferr := w.database.FinishJob(ctx, job.ID, db.JobStatusFailure, nil, err.Error()); ferr != nil {
			logger.Error("worker: failed to mark job failed", "job_id", job.ID, "error", ferr)
		}
		return err
	}
	if kwargs.SourceID == uuid.Nil {
		err := errors.New("job kwargs missing source_id")
		if ferr := w.database.FinishJob(ctx, job.ID, db.JobStatusFailure, nil, err.Error()); ferr != nil {
			logger.Error("worker: failed to mark job failed", "job_id", job.ID, "error", ferr)
		}
		return err
	}

	logger.Info("worker: running import job", "job_id", job.ID, "source_id", kwargs.SourceID)
	_, err := w.importer.Run(ctx, kwargs.SourceID, job.ID)
	return err
}
