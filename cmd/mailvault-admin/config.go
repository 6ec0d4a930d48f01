package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/mailvault/mailvault/config"
	"github.com/mailvault/mailvault/db"
)

// loadConfig reads the shared TOML configuration. A missing default
// config file is tolerated; an explicitly named one is not.
func loadConfig(configPath string, explicit bool) config.Config {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(configPath, &cfg); err != nil {
		if os.IsNotExist(err) {
			if explicit {
				log.Fatalf("ERROR: specified configuration file '%s' not found: %v", configPath, err)
			}
			log.Printf("WARNING: default configuration file '%s' not found. Using defaults and command-line flags.", configPath)
		} else {
			log.Fatalf("FATAL: error parsing configuration file '%s': %v", configPath, err)
		}
	}
	return cfg
}

// connectDatabase opens the pools described by the configuration.
func connectDatabase(ctx context.Context, cfg *config.Config) (*db.Database, error) {
	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

// isFlagSet reports whether a flag was given explicitly on the command
// line, as opposed to carrying its default value.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
