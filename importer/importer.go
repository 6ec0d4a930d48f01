package importer

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/mailvault/mailvault/db"
	"github.com/mailvault/mailvault/logger"
	"github.com/mailvault/mailvault/pkg/metrics"
)

// Store is everything an import run needs from the database.
// *db.Database satisfies it; tests substitute an in-memory fake.
type Store interface {
	FolderStore
	DedupStore

	GetSourceByID(ctx context.Context, id uuid.UUID) (*db.MailboxSource, error)
	TouchSourceImported(ctx context.Context, id uuid.UUID) error

	InsertEmail(ctx context.Context, opts *db.InsertEmailOptions) (bool, error)

	MarkJobStarted(ctx context.Context, jobID uuid.UUID, progress []byte) error
	SaveJobProgress(ctx context.Context, jobID uuid.UUID, progress []byte) error
	FinishJob(ctx context.Context, jobID uuid.UUID, status string, progress []byte, errText string) error
}

// Archiver stores raw message bytes outside the database. Optional; a
// nil Archiver disables archiving. *storage.S3Storage satisfies it.
type Archiver interface {
	Archive(ctx context.Context, contentHash string, raw []byte) error
}

// Options configures an Importer.
type Options struct {
	// ProgressBatch is how many messages to process between progress
	// flushes. Zero means the default of 100.
	ProgressBatch int

	// Archiver, when set, receives the raw bytes of every newly
	// inserted message.
	Archiver Archiver

	// OpenSource overrides how sources are opened. Nil means the
	// package-level OpenSource.
	OpenSource func(src *db.MailboxSource) (Source, error)
}

const defaultProgressBatch = 100

// Importer drives complete import runs: one registered source, one job,
// one pass over the source's messages.
type Importer struct {
	store Store
	opts  Options
}

func New(store Store, opts Options) *Importer {
	if opts.ProgressBatch <= 0 {
		opts.ProgressBatch = defaultProgressBatch
	}
	if opts.OpenSource == nil {
		opts.OpenSource = OpenSource
	}
	return &Importer{store: store, opts: opts}
}

// Run executes one import. Setup failures (unknown source, unreadable
// file, failed login) mark the job failed and return an error.
// Per-message failures are counted in the progress document and never
// abort the run. Re-running against the same source is safe: messages
// already imported are skipped.
func (im *Importer) Run(ctx context.Context, sourceID, jobID uuid.UUID) (*Progress, error) {
	start := time.Now()

	source, err := im.store.GetSourceByID(ctx, sourceID)
	if err != nil {
		return nil, im.failRun(ctx, jobID, nil, fmt.Errorf("failed to load source: %w", err))
	}

	src, err := im.opts.OpenSource(source)
	if err != nil {
		return nil, im.failRun(ctx, jobID, nil, fmt.Errorf("failed to open source: %w", err))
	}
	defer src.Close()

	progress := &Progress{Phase: PhaseStarting}
	if total, ok := src.Count(); ok {
		progress.Total = &total
	}

	if err := im.store.MarkJobStarted(ctx, jobID, progress.marshal()); err != nil {
		return nil, fmt.Errorf("failed to mark job started: %w", err)
	}
	progress.Phase = PhaseImporting

	logger.Info("import: run started",
		"source_id", sourceID, "job_id", jobID, "source_type", source.SourceType)

	resolver := NewFolderResolver(im.store, sourceID)

	for {
		if err := ctx.Err(); err != nil {
			// Cancellation leaves the job as-is so a supervisor can
			// decide between retry and revocation.
			return progress, err
		}

		msg, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return progress, im.failRun(ctx, jobID, progress, fmt.Errorf("source read failed: %w", err))
		}

		// Every message pulled counts as processed, so
		// processed = inserted + skipped + errors holds throughout.
		progress.Processed++

		outcome, err := im.processMessage(ctx, resolver, sourceID, msg)
		if err != nil {
			progress.Errors++
			progress.LastError = errorLabel(err)
			metrics.MessagesProcessedTotal.WithLabelValues("error").Inc()
			logger.Warn("import: message skipped", "source_id", sourceID, "error", progress.LastError)
		} else {
			switch outcome {
			case outcomeInserted:
				progress.Inserted++
				metrics.MessagesProcessedTotal.WithLabelValues("inserted").Inc()
			case outcomeSkipped:
				progress.Skipped++
				metrics.MessagesProcessedTotal.WithLabelValues("skipped").Inc()
			}
		}

		if progress.Processed%int64(im.opts.ProgressBatch) == 0 {
			if err := im.store.SaveJobProgress(ctx, jobID, progress.marshal()); err != nil {
				return progress, im.failRun(ctx, jobID, progress, fmt.Errorf("failed to save progress: %w", err))
			}
		}
	}

	progress.Phase = PhaseDone
	progress.FolderCount = resolver.FolderCount()

	if err := im.store.FinishJob(ctx, jobID, db.JobStatusSuccess, progress.marshal(), ""); err != nil {
		return progress, fmt.Errorf("failed to finish job: %w", err)
	}
	if err := im.store.TouchSourceImported(ctx, sourceID); err != nil {
		logger.Warn("import: failed to update source timestamp", "source_id", sourceID, "error", err)
	}

	metrics.ImportRunsTotal.WithLabelValues("success").Inc()
	metrics.ImportRunDuration.WithLabelValues(source.SourceType).Observe(time.Since(start).Seconds())

	logger.Info("import: run finished",
		"source_id", sourceID, "job_id", jobID,
		"processed", progress.Processed, "inserted", progress.Inserted,
		"skipped", progress.Skipped, "errors", progress.Errors,
		"folders", progress.FolderCount)

	return progress, nil
}

type outcome int

const (
	outcomeInserted outcome = iota
	outcomeSkipped
)

// processMessage handles one raw message end to end. Any returned error
// is a per-message error; the caller isolates it.
func (im *Importer) processMessage(ctx context.Context, resolver *FolderResolver, sourceID uuid.UUID, msg *RawMessage) (outcome, error) {
	fields, err := ExtractFields(msg.Raw)
	if err != nil {
		return 0, err
	}

	contentHash := ContentHash(fields.Sender, fields.Subject, fields.BodyText)

	folderID, err := resolver.Resolve(ctx, msg.FolderPath)
	if err != nil {
		return 0, err
	}

	dup, err := isDuplicate(ctx, im.store, sourceID, fields.MessageID, contentHash)
	if err != nil {
		return 0, err
	}
	if dup {
		return outcomeSkipped, nil
	}

	inserted, err := im.store.InsertEmail(ctx, &db.InsertEmailOptions{
		SourceID:    sourceID,
		FolderID:    &folderID,
		MessageID:   fields.MessageID,
		ContentHash: contentHash,
		Subject:     fields.Subject,
		Sender:      fields.Sender,
		Recipients:  fields.Recipients,
		Cc:          fields.Cc,
		Bcc:         fields.Bcc,
		SentAt:      fields.SentAt,
		BodyText:    fields.BodyText,
		BodyHTML:    fields.BodyHTML,
		Headers:     fields.Headers,
		Attachments: fields.Attachments,
	})
	if err != nil {
		return 0, err
	}
	if !inserted {
		// A concurrent run landed the same message first.
		return outcomeSkipped, nil
	}

	if im.opts.Archiver != nil {
		// The database row is authoritative; a failed archive upload is
		// reported but does not undo the import.
		if err := im.opts.Archiver.Archive(ctx, contentHash, msg.Raw); err != nil {
			logger.Warn("import: archive upload failed", "source_id", sourceID, "error", err)
		}
	}

	return outcomeInserted, nil
}

// failRun records a setup- or run-level failure on the job and returns
// the original error.
func (im *Importer) failRun(ctx context.Context, jobID uuid.UUID, progress *Progress, err error) error {
	label := errorLabelN(err, maxRunErrorLen)
	var doc []byte
	if progress != nil {
		progress.LastError = label
		doc = progress.marshal()
	}
	if ferr := im.store.FinishJob(ctx, jobID, db.JobStatusFailure, doc, label); ferr != nil {
		logger.Error("import: failed to mark job failed", "job_id", jobID, "error", ferr)
	}
	metrics.ImportRunsTotal.WithLabelValues("failure").Inc()
	logger.Error("import: run failed", "job_id", jobID, "error", err)
	return err
}
