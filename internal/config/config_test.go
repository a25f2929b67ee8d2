package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pbem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/pbem/games.db
queue:
  retry_backoff: 2m
  max_attempts: 5
worker:
  count: 4
engine:
  binary: /usr/local/bin/atlantis
  args: ["--quiet"]
  timeout: 90s
reconcile:
  time_zone: Europe/Berlin
log:
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/pbem/games.db", cfg.Database.Path)
	assert.Equal(t, 2*time.Minute, cfg.Queue.RetryBackoff)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 4, cfg.Worker.Count)
	assert.Equal(t, []string{"--quiet"}, cfg.Engine.Args)
	assert.Equal(t, 90*time.Second, cfg.Engine.Timeout)
	assert.Equal(t, "json", cfg.Log.Format)

	// untouched sections keep their defaults
	def := Default()
	assert.Equal(t, def.Queue.WALPath, cfg.Queue.WALPath)
	assert.Equal(t, def.Queue.DefaultTimeout, cfg.Queue.DefaultTimeout)
	assert.Equal(t, def.Worker.PollInterval, cfg.Worker.PollInterval)
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.Local, loc)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown key", "queue:\n  wal_pth: x\n", "wal_pth"},
		{"bad duration", "queue:\n  tick_interval: soon\n", "time.Duration"},
		{"no workers", "worker:\n  count: -1\n", "worker.count"},
		{"bad zone", "reconcile:\n  time_zone: Mars/Olympus\n", "reconcile.time_zone"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
		{"bad format", "log:\n  format: xml\n", "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Log{Level: "warn", Format: "json"}.Logger(&buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("turn failed", "game", 3)
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"msg":"turn failed"`)
	assert.Contains(t, buf.String(), `"game":3`)

	buf.Reset()
	logger, err = Log{Level: "debug", Format: "text"}.Logger(&buf)
	require.NoError(t, err)
	logger.Debug("stage done", "stage", "parse")
	assert.Contains(t, buf.String(), "stage=parse")
}

func TestShippedDefaultConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)

	want := Default()
	want.Metrics.Enabled = true
	assert.Equal(t, want, *cfg)
}
