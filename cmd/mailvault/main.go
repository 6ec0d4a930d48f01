// Command mailvault runs the import worker daemon: it polls the jobs
// table for queued imports, executes them, and serves metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/mailvault/mailvault/config"
	"github.com/mailvault/mailvault/db"
	"github.com/mailvault/mailvault/importer"
	"github.com/mailvault/mailvault/logger"
	"github.com/mailvault/mailvault/storage"
	"github.com/mailvault/mailvault/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "WARNING: configuration file '%s' not found, using defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: error parsing configuration file '%s': %v\n", *configPath, err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	var archiver importer.Archiver
	if cfg.S3.Enabled() {
		s3, err := storage.New(cfg.S3)
		if err != nil {
			logger.Fatal("failed to initialize S3 storage", "error", err)
		}
		archiver = s3
		logger.Info("S3 archiving enabled", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
	}

	im := importer.New(database, importer.Options{
		ProgressBatch: cfg.Import.GetProgressBatch(),
		Archiver:      archiver,
	})

	pollInterval, err := cfg.Worker.GetPollInterval()
	if err != nil {
		logger.Fatal("invalid worker poll interval", "error", err)
	}
	w := worker.New(database, im, pollInterval)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.GetAddr(), database)
	}

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- w.Run(ctx)
	}()

	logger.Info("mailvault daemon started")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-workerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("worker exited", "error", err)
		}
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("mailvault daemon stopped")
}

func startMetricsServer(addr string, database *db.Database) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := database.Ping(req.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return srv
}
