package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config at an empty temp dir.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestNewConfig_DefaultsAreValid(t *testing.T) {
	cfg := NewConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.8, cfg.Sync.FullRebuildThreshold)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "sha256", cfg.Source.HashAlgorithm)
	assert.Equal(t, "hnsw", cfg.Index.Backend)
	assert.Equal(t, "skip", cfg.Scheduler.Coalesce)
}

func TestLoad_NoFilesUsesDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load(t.TempDir())

	require.NoError(t, err)
	assert.Equal(t, NewConfig().Sync, cfg.Sync)
}

func TestLoad_ProjectFileOverridesUserFile(t *testing.T) {
	// Given: a user config and a project config
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	require.NoError(t, os.MkdirAll(filepath.Join(xdg, "amansync"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(xdg, "amansync", "config.yaml"), []byte(`
sync:
  batch_size: 10
  inter_batch_delay: 250ms
backup:
  retention: 9
`), 0o644))

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFileName), []byte(`
sync:
  batch_size: 20
source:
  path: docs
  exclude: ["drafts/**"]
`), 0o644))

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: project wins, user fills the gaps, defaults stay elsewhere
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.InterBatchDelay)
	assert.Equal(t, 9, cfg.Backup.Retention)
	assert.Equal(t, "docs", cfg.Source.Path)
	assert.Contains(t, cfg.Source.Exclude, "drafts/**")
	assert.Contains(t, cfg.Source.Exclude, ".git/**")
	assert.Equal(t, 4, cfg.Sync.MaxConcurrentOperations)
}

func TestLoad_EnvOverridesWin(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFileName), []byte("sync:\n  batch_size: 20\n"), 0o644))

	t.Setenv("AMANSYNC_BATCH_SIZE", "7")
	t.Setenv("AMANSYNC_FULL_REBUILD_THRESHOLD", "0.5")
	t.Setenv("AMANSYNC_INTER_BATCH_DELAY", "2s")
	t.Setenv("AMANSYNC_SOURCE_URLS", "https://a.example/x,https://b.example/y")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, 0.5, cfg.Sync.FullRebuildThreshold)
	assert.Equal(t, 2*time.Second, cfg.Sync.InterBatchDelay)
	assert.Equal(t, []string{"https://a.example/x", "https://b.example/y"}, cfg.Source.URLs)
}

func TestLoad_DotEnvFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("AMANSYNC_SCHEDULER_WORKERS=6\n"), 0o644))
	t.Cleanup(func() { _ = os.Unsetenv("AMANSYNC_SCHEDULER_WORKERS") })

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 6, cfg.Scheduler.Workers)
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	isolate(t)
	t.Setenv("AMANSYNC_BATCH_SIZE", "lots")

	_, err := Load(t.TempDir())

	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ProjectFileName), []byte("sync: [unclosed"), 0o644))

	_, err := Load(dir)

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero concurrency", func(c *Config) { c.Sync.MaxConcurrentOperations = 0 }},
		{"threshold above one", func(c *Config) { c.Sync.FullRebuildThreshold = 1.5 }},
		{"threshold zero", func(c *Config) { c.Sync.FullRebuildThreshold = 0 }},
		{"bad hash", func(c *Config) { c.Source.HashAlgorithm = "md5" }},
		{"no source", func(c *Config) { c.Source.Path = "" }},
		{"no retention", func(c *Config) { c.Backup.Retention = 0 }},
		{"bad backend", func(c *Config) { c.Index.Backend = "faiss" }},
		{"overlap too big", func(c *Config) { c.Chunking.OverlapChars = c.Chunking.MaxChunkChars }},
		{"bad coalesce", func(c *Config) { c.Scheduler.Coalesce = "stack" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	cfg := NewConfig()
	cfg.Sync.BatchSize = 33
	cfg.Scheduler.MisfireGrace = 90 * time.Second
	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ProjectFileName)))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 33, loaded.Sync.BatchSize)
	assert.Equal(t, 90*time.Second, loaded.Scheduler.MisfireGrace)
	assert.Equal(t, cfg.Source.Exclude, loaded.Source.Exclude)
}

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ProjectFileName), nil, 0o644))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	got, err := FindProjectRoot(nested)

	require.NoError(t, err)
	assert.Equal(t, root, got)
}
