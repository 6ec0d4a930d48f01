package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mailvault/mailvault/db"
)

// migrationLockID is the advisory lock key guarding schema changes so
// two concurrent migrate invocations cannot interleave.
const migrationLockID = 913572846

func handleMigrateCommand(ctx context.Context) {
	if len(os.Args) < 3 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := os.Args[2]
	switch subcommand {
	case "up":
		handleMigrateUp(ctx)
	case "down":
		handleMigrateDown(ctx)
	case "version":
		handleMigrateVersion(ctx)
	case "force":
		handleMigrateForce(ctx)
	case "help", "--help", "-h":
		printMigrateUsage()
	default:
		fmt.Printf("Unknown migrate subcommand: %s\n\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}
}

func printMigrateUsage() {
	fmt.Printf(`Database Schema Migration Management

Run this while the mailvault daemon is stopped to prevent schema
conflicts. A database advisory lock guards against concurrent runs.

Usage:
  mailvault-admin migrate <subcommand> [options]

Subcommands:
  up        Apply all pending upwards migrations
  down      Revert migrations
  version   Show the current migration version and dirty state
  force     Force the database to a specific version (for fixing dirty states)

Examples:
  mailvault-admin migrate up
  mailvault-admin migrate down --limit 2
  mailvault-admin migrate down --all
  mailvault-admin migrate version
  mailvault-admin migrate force 1

Use 'mailvault-admin migrate <subcommand> --help' for detailed help.
`)
}

func handleMigrateUp(ctx context.Context) {
	fs := flag.NewFlagSet("migrate up", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: mailvault-admin migrate up [--config config.toml]")
		fmt.Println("Applies all pending upwards migrations.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, *configPath, isFlagSet(fs, "config"))
	if err != nil {
		log.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		log.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	log.Println("Applying UP migrations...")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("Failed to apply UP migrations: %v", err)
	}
	log.Println("Migrations applied successfully.")
	showVersion(m)
}

func handleMigrateDown(ctx context.Context) {
	fs := flag.NewFlagSet("migrate down", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	limit := fs.Int("limit", 1, "Number of migrations to revert")
	all := fs.Bool("all", false, "Revert all migrations")
	fs.Usage = func() {
		fmt.Println("Usage: mailvault-admin migrate down [--config config.toml] [--limit N | --all]")
		fmt.Println("Reverts migrations. Defaults to reverting one migration.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, *configPath, isFlagSet(fs, "config"))
	if err != nil {
		log.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		log.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	if *all {
		version, dirty, err := m.Version()
		if err != nil {
			if errors.Is(err, migrate.ErrNilVersion) {
				log.Println("No migrations to revert.")
				showVersion(m)
				return
			}
			log.Fatalf("Failed to get current migration version: %v", err)
		}
		if dirty {
			log.Fatalf("Database is in a dirty state (version %d). Please fix manually with 'force' command.", version)
		}

		log.Printf("Reverting all %d migration(s)...", version)
		if err := m.Steps(-int(version)); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatalf("Failed to revert all migrations: %v", err)
		}
	} else {
		log.Printf("Reverting %d migration(s)...", *limit)
		if err := m.Steps(-(*limit)); err != nil {
			log.Fatalf("Failed to revert migrations: %v", err)
		}
	}
	log.Println("Migrations reverted successfully.")
	showVersion(m)
}

func handleMigrateVersion(ctx context.Context) {
	fs := flag.NewFlagSet("migrate version", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: mailvault-admin migrate version [--config config.toml]")
		fmt.Println("Shows the current migration version and dirty state.")
	}
	fs.Parse(os.Args[3:])

	m, sqlDB, err := getMigrateInstance(ctx, *configPath, isFlagSet(fs, "config"))
	if err != nil {
		log.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	showVersion(m)
}

func handleMigrateForce(ctx context.Context) {
	fs := flag.NewFlagSet("migrate force", flag.ExitOnError)
	configPath := fs.String("config", "config.toml", "Path to TOML configuration file")
	fs.Usage = func() {
		fmt.Println("Usage: mailvault-admin migrate force [--config config.toml] <version>")
		fmt.Println("Forcibly sets the database migration version. USE WITH CAUTION.")
	}
	fs.Parse(os.Args[3:])

	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}

	version, err := strconv.Atoi(fs.Arg(0))
	if err != nil {
		log.Fatalf("Invalid version number: %v", err)
	}

	m, sqlDB, err := getMigrateInstance(ctx, *configPath, isFlagSet(fs, "config"))
	if err != nil {
		log.Fatalf("Failed to initialize migration tool: %v", err)
	}
	defer sqlDB.Close()

	if err := acquireExclusiveLock(ctx, sqlDB); err != nil {
		log.Fatalf("Failed to acquire exclusive lock: %v", err)
	}
	defer releaseExclusiveLock(context.Background(), sqlDB)

	log.Printf("Forcing database version to %d...", version)
	if err := m.Force(version); err != nil {
		log.Fatalf("Failed to force version: %v", err)
	}
	log.Println("Version forced successfully.")
	showVersion(m)
}

func getMigrateInstance(ctx context.Context, configPath string, explicit bool) (*migrate.Migrate, *sql.DB, error) {
	cfg := loadConfig(configPath, explicit)

	endpoint := cfg.Database.Write
	if endpoint == nil {
		return nil, nil, errors.New("write database configuration is missing")
	}

	sslMode := "disable"
	if endpoint.TLSMode {
		sslMode = "require"
	}
	port := endpoint.Port
	if port == "" {
		port = "5432"
	}
	connString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		endpoint.User, endpoint.Password, endpoint.Host, port, endpoint.Name, sslMode)

	sqlDB, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sql.DB for migrations: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrations, err := fs.Sub(db.MigrationsFS, "migrations")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}

	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration source driver: %w", err)
	}

	dbDriver, err := pgxv5.WithInstance(sqlDB, &pgxv5.Config{})
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx", dbDriver)
	if err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, sqlDB, nil
}

func acquireExclusiveLock(ctx context.Context, sqlDB *sql.DB) error {
	_, err := sqlDB.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID)
	return err
}

func releaseExclusiveLock(ctx context.Context, sqlDB *sql.DB) {
	if _, err := sqlDB.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
		log.Printf("WARNING: failed to release migration lock: %v", err)
	}
}

func showVersion(m *migrate.Migrate) {
	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			log.Println("Current version: none (no migrations applied)")
			return
		}
		log.Fatalf("Failed to get migration version: %v", err)
	}
	log.Printf("Current version: %d (dirty: %t)", version, dirty)
}
