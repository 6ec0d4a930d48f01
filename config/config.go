package config

import (
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DatabaseEndpointConfig holds configuration for a single database endpoint.
type DatabaseEndpointConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	MaxConns        int    `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int    `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
}

// GetMaxConnLifetime parses the max connection lifetime duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnLifetime() (time.Duration, error) {
	if e.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return time.ParseDuration(e.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration for an endpoint.
func (e *DatabaseEndpointConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if e.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(e.MaxConnIdleTime)
}

// DatabaseConfig holds database configuration with separate read/write endpoints.
type DatabaseConfig struct {
	QueryTimeout string                  `toml:"query_timeout"` // Default timeout for database queries (default: "30s")
	Write        *DatabaseEndpointConfig `toml:"write"`
	Read         *DatabaseEndpointConfig `toml:"read"` // Optional read replica endpoint
}

// GetQueryTimeout parses the general query timeout duration.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(d.QueryTimeout)
}

// S3Config holds configuration for optional raw-message archival to
// S3-compatible object storage. Archival is disabled unless an endpoint
// is configured.
type S3Config struct {
	Endpoint   string `toml:"endpoint"`
	DisableTLS bool   `toml:"disable_tls"`
	AccessKey  string `toml:"access_key"`
	SecretKey  string `toml:"secret_key"`
	Bucket     string `toml:"bucket"`
	Debug      bool   `toml:"debug"` // Enable detailed S3 request/response tracing
}

// Enabled reports whether archival has been configured.
func (s *S3Config) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// ImportConfig holds import pipeline tuning.
type ImportConfig struct {
	ProgressBatch int    `toml:"progress_batch"` // Flush progress to the jobs table every N messages
	UploadsDir    string `toml:"uploads_dir"`    // Base directory for uploaded archives
}

// GetProgressBatch returns the progress flush interval with its default.
func (i *ImportConfig) GetProgressBatch() int {
	if i.ProgressBatch <= 0 {
		return 100
	}
	return i.ProgressBatch
}

// WorkerConfig holds the job claim loop configuration.
type WorkerConfig struct {
	PollInterval string `toml:"poll_interval"` // How often to look for pending jobs (default: "5s")
}

// GetPollInterval parses the poll interval with its default.
func (w *WorkerConfig) GetPollInterval() (time.Duration, error) {
	if w.PollInterval == "" {
		return 5 * time.Second, nil
	}
	return time.ParseDuration(w.PollInterval)
}

// MetricsConfig holds the metrics/health HTTP listener configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (default: "localhost:9090")
}

// GetAddr returns the listen address with its default.
func (m *MetricsConfig) GetAddr() string {
	if m.Addr == "" {
		return "localhost:9090"
	}
	return m.Addr
}

// Config is the top-level configuration for the mailvault worker and CLI.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	S3       S3Config       `toml:"s3"`
	Logging  LoggingConfig  `toml:"logging"`
	Import   ImportConfig   `toml:"import"`
	Worker   WorkerConfig   `toml:"worker"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// NewDefaultConfig returns a configuration populated with defaults suitable
// for local development.
func NewDefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Write: &DatabaseEndpointConfig{
				Host: "localhost",
				Port: "5432",
				User: "postgres",
				Name: "mailvault",
			},
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Import: ImportConfig{
			ProgressBatch: 100,
			UploadsDir:    "/uploads",
		},
		Worker: WorkerConfig{
			PollInterval: "5s",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "localhost:9090",
		},
	}
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if c.Database.Write == nil {
		return fmt.Errorf("database.write configuration is required")
	}
	if c.Database.Write.Host == "" {
		return fmt.Errorf("database.write.host is required")
	}
	if c.Database.Write.Name == "" {
		return fmt.Errorf("database.write.name is required")
	}
	if _, err := c.Database.GetQueryTimeout(); err != nil {
		return fmt.Errorf("invalid database.query_timeout: %w", err)
	}
	if _, err := c.Worker.GetPollInterval(); err != nil {
		return fmt.Errorf("invalid worker.poll_interval: %w", err)
	}
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims
// whitespace from all string fields. Unknown keys are logged and ignored
// so older config files keep working across upgrades.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return fmt.Errorf("failed to parse config file '%s': %w", configPath, err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// trimStringFields recursively trims whitespace from every string field.
func trimStringFields(v reflect.Value) {
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Map:
		// Map values are not addressable; config maps are not used for strings.
	}
}
