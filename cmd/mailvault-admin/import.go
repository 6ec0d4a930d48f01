package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/mailvault/mailvault/db"
	"github.com/mailvault/mailvault/importer"
	"github.com/mailvault/mailvault/logger"
	"github.com/mailvault/mailvault/storage"
)

// handleImport runs an import inline: it creates a job row, executes
// the import in this process, and prints the final progress. Useful for
// one-off imports and for debugging without a worker daemon.
func handleImport(ctx context.Context) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	sourceFlag := fs.String("source", "", "ID of the source to import (required)")

	fs.Usage = func() {
		fmt.Printf(`Run an import inline, in this process

Usage:
  mailvault-admin import [options]

Options:
  --source string  ID of the source to import (required)
  --config string  Path to TOML configuration file (default: config.toml)

Examples:
  mailvault-admin import --source 2f9c0a1e-8a4e-4f7b-9c7d-1f2e3a4b5c6d
`)
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	sourceID := parseRequiredUUID(fs, *sourceFlag, "source")
	cfg := loadConfig(*configPath, isFlagSet(fs, "config"))

	if _, err := logger.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	database, err := connectDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	var archiver importer.Archiver
	if cfg.S3.Enabled() {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			log.Fatalf("Failed to initialize S3 storage: %v", err)
		}
		archiver = s3
	}

	kwargs, _ := json.Marshal(map[string]string{"source_id": sourceID.String()})
	job, err := database.CreateJob(ctx, db.TaskImportMailbox, kwargs)
	if err != nil {
		log.Fatalf("Failed to create job: %v", err)
	}

	im := importer.New(database, importer.Options{
		ProgressBatch: cfg.Import.GetProgressBatch(),
		Archiver:      archiver,
	})

	progress, err := im.Run(ctx, sourceID, job.ID)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}

	fmt.Printf("Import finished:\n")
	printProgress(progress)
}

// handleEnqueue queues an import job for the worker daemon to pick up.
func handleEnqueue(ctx context.Context) {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	sourceFlag := fs.String("source", "", "ID of the source to import (required)")

	fs.Usage = func() {
		fmt.Println("Usage: mailvault-admin enqueue --source <source-id> [--config config.toml]")
		fmt.Println("Queues an import job; a running mailvault daemon will execute it.")
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	sourceID := parseRequiredUUID(fs, *sourceFlag, "source")
	cfg := loadConfig(*configPath, isFlagSet(fs, "config"))

	database, err := connectDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Fail early on a bad source id instead of queueing a doomed job.
	if _, err := database.GetSourceByID(ctx, sourceID); err != nil {
		log.Fatalf("Failed to load source: %v", err)
	}

	kwargs, _ := json.Marshal(map[string]string{"source_id": sourceID.String()})
	job, err := database.CreateJob(ctx, db.TaskImportMailbox, kwargs)
	if err != nil {
		log.Fatalf("Failed to create job: %v", err)
	}

	fmt.Printf("Job queued:\n")
	fmt.Printf("  Job ID:    %s\n", job.ID)
	fmt.Printf("  Source ID: %s\n", sourceID)
}

func handleJobStatus(ctx context.Context) {
	fs := flag.NewFlagSet("job-status", flag.ExitOnError)

	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	jobFlag := fs.String("job", "", "ID of the job to inspect (required)")

	fs.Usage = func() {
		fmt.Println("Usage: mailvault-admin job-status --job <job-id> [--config config.toml]")
		fmt.Println("Shows the status and progress of a job.")
	}

	if err := fs.Parse(os.Args[2:]); err != nil {
		log.Fatalf("Error parsing flags: %v", err)
	}

	jobID := parseRequiredUUID(fs, *jobFlag, "job")
	cfg := loadConfig(*configPath, isFlagSet(fs, "config"))

	database, err := connectDatabase(ctx, &cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	job, err := database.GetJobByID(ctx, jobID)
	if err != nil {
		log.Fatalf("Failed to load job: %v", err)
	}

	fmt.Printf("Job %s:\n", job.ID)
	fmt.Printf("  Task:    %s\n", job.TaskName)
	fmt.Printf("  Status:  %s\n", job.Status)
	fmt.Printf("  Created: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
	if job.StartedAt != nil {
		fmt.Printf("  Started: %s\n", job.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if job.FinishedAt != nil {
		fmt.Printf("  Finished: %s\n", job.FinishedAt.Format("2006-01-02 15:04:05"))
	}
	if job.Error != nil {
		fmt.Printf("  Error:   %s\n", *job.Error)
	}

	if len(job.Result) > 0 {
		var progress importer.Progress
		if err := json.Unmarshal(job.Result, &progress); err == nil {
			fmt.Println("  Progress:")
			printProgress(&progress)
		}
	}
}

func printProgress(p *importer.Progress) {
	total := "unknown"
	if p.Total != nil {
		total = fmt.Sprintf("%d", *p.Total)
	}
	fmt.Printf("    Phase:     %s\n", p.Phase)
	fmt.Printf("    Total:     %s\n", total)
	fmt.Printf("    Processed: %d\n", p.Processed)
	fmt.Printf("    Inserted:  %d\n", p.Inserted)
	fmt.Printf("    Skipped:   %d\n", p.Skipped)
	fmt.Printf("    Errors:    %d\n", p.Errors)
	fmt.Printf("    Folders:   %d\n", p.FolderCount)
	if p.LastError != "" {
		fmt.Printf("    Last error: %s\n", p.LastError)
	}
}

func parseRequiredUUID(fs *flag.FlagSet, value, name string) uuid.UUID {
	if value == "" {
		fmt.Printf("Error: --%s is required\n\n", name)
		fs.Usage()
		os.Exit(1)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		log.Fatalf("Invalid --%s: %v", name, err)
	}
	return id
}
