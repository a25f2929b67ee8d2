// Package config loads the YAML process configuration and builds the
// process logger.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Database  Database  `yaml:"database"`
	Queue     Queue     `yaml:"queue"`
	Worker    Worker    `yaml:"worker"`
	Engine    Engine    `yaml:"engine"`
	Remote    Remote    `yaml:"remote"`
	Reconcile Reconcile `yaml:"reconcile"`
	Metrics   Metrics   `yaml:"metrics"`
	Server    Server    `yaml:"server"`
	Log       Log       `yaml:"log"`
}

type Database struct {
	Path string `yaml:"path"`
}

// Queue configures the durable job queue.
type Queue struct {
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	SyncWAL          bool          `yaml:"sync_wal"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
	WALBackups       int           `yaml:"wal_backups"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	Retention        time.Duration `yaml:"retention"`
}

type Worker struct {
	Count             int           `yaml:"count"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// Engine configures the local engine binary used by LOCAL games.
type Engine struct {
	Binary  string        `yaml:"binary"`
	Args    []string      `yaml:"args"`
	WorkDir string        `yaml:"work_dir"`
	KeepDir bool          `yaml:"keep_dir"`
	Timeout time.Duration `yaml:"timeout"`
}

type Remote struct {
	Timeout time.Duration `yaml:"timeout"`
}

type Reconcile struct {
	Parallelism int    `yaml:"parallelism"`
	TimeZone    string `yaml:"time_zone"` // "" = host zone
}

type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration used for every unset field.
func Default() Config {
	return Config{
		Database: Database{Path: "data/pbem.db"},
		Queue: Queue{
			WALPath:          "data/queue.wal",
			SnapshotPath:     "data/queue.snapshot",
			SnapshotInterval: time.Minute,
			SnapshotBackups:  3,
			WALBackups:       3,
			TickInterval:     time.Second,
			DefaultTimeout:   15 * time.Minute,
			MaxAttempts:      3,
			RetryBackoff:     30 * time.Second,
			Retention:        7 * 24 * time.Hour,
		},
		Worker: Worker{
			Count:             2,
			PollInterval:      200 * time.Millisecond,
			HeartbeatInterval: 5 * time.Second,
		},
		Engine:    Engine{Timeout: 10 * time.Minute},
		Remote:    Remote{Timeout: 10 * time.Minute},
		Reconcile: Reconcile{Parallelism: 8},
		Metrics:   Metrics{Addr: ":9090"},
		Server:    Server{Addr: ":50051"},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are
// rejected so that typos do not silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the defaults cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Queue.WALPath == "" || c.Queue.SnapshotPath == "" {
		errs = append(errs, errors.New("queue.wal_path and queue.snapshot_path are required"))
	}
	if c.Worker.Count <= 0 {
		errs = append(errs, fmt.Errorf("worker.count must be positive, got %d", c.Worker.Count))
	}
	if c.Reconcile.Parallelism <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.parallelism must be positive, got %d", c.Reconcile.Parallelism))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location is the zone used for definitions of games without their own.
func (c *Config) Location() (*time.Location, error) {
	if c.Reconcile.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Reconcile.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("reconcile.time_zone: %w", err)
	}
	return loc, nil
}

// ============================================================================
// Logging
// ============================================================================

// Logger builds a slog logger writing to w.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Setup installs the configured logger as the process default.
func (l Log) Setup(w io.Writer) (*slog.Logger, error) {
	logger, err := l.Logger(w)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
