package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/internal/logging"
)

const (
	// ProjectFileName is the per-project configuration file.
	ProjectFileName = ".amansync.yaml"
	// DataDirName holds the ledger, backups, job store and local index.
	DataDirName = ".amansync"
	// EnvPrefix prefixes every environment override (AMANSYNC_BATCH_SIZE, ...).
	EnvPrefix = "AMANSYNC"
)

// Config represents the complete amansync configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Source     SourceConfig     `yaml:"source" json:"source"`
	Sync       SyncConfig       `yaml:"sync" json:"sync"`
	Backup     BackupConfig     `yaml:"backup" json:"backup"`
	Health     HealthConfig     `yaml:"health" json:"health"`
	Index      IndexConfig      `yaml:"index" json:"index"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Chunking   ChunkingConfig   `yaml:"chunking" json:"chunking"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler"`
	Daemon     DaemonConfig     `yaml:"daemon" json:"daemon"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
	Notify     NotifyConfig     `yaml:"notify" json:"notify"`
	Logging    logging.Config   `yaml:"logging" json:"logging"`
}

// SourceConfig configures where documents come from.
type SourceConfig struct {
	// Path is the content directory, relative to the project root.
	Path string `yaml:"path" json:"path"`
	// Pattern is the include glob, matched against slash-separated relative paths.
	Pattern string `yaml:"pattern" json:"pattern"`
	// Exclude globs are appended to the built-in excludes.
	Exclude []string `yaml:"exclude" json:"exclude"`
	// URLs lists remote pages to fetch alongside the directory.
	URLs []string `yaml:"urls" json:"urls"`
	// HashAlgorithm is sha256 or sha512.
	HashAlgorithm    string        `yaml:"hash_algorithm" json:"hash_algorithm"`
	RespectGitignore bool          `yaml:"respect_gitignore" json:"respect_gitignore"`
	MaxFileSizeMB    int           `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	FetchConcurrency int           `yaml:"fetch_concurrency" json:"fetch_concurrency"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
}

// SyncConfig tunes the synchronization run.
type SyncConfig struct {
	BatchSize               int           `yaml:"batch_size" json:"batch_size"`
	MaxConcurrentOperations int           `yaml:"max_concurrent_operations" json:"max_concurrent_operations"`
	InterBatchDelay         time.Duration `yaml:"inter_batch_delay" json:"inter_batch_delay"`
	// FullRebuildThreshold is the changed fraction above which a run
	// switches to full rebuild. 1.0 disables the fallback.
	FullRebuildThreshold float64       `yaml:"full_rebuild_threshold" json:"full_rebuild_threshold"`
	Timeout              time.Duration `yaml:"timeout" json:"timeout"`
	PostHealthCheck      bool          `yaml:"post_health_check" json:"post_health_check"`
}

// BackupConfig configures ledger snapshots.
type BackupConfig struct {
	// Retention is the number of snapshots kept after a successful run.
	Retention int `yaml:"retention" json:"retention"`
}

// HealthConfig configures the health checker.
type HealthConfig struct {
	// SampleSize limits the per-id chunk count check. 0 checks every id.
	SampleSize int `yaml:"sample_size" json:"sample_size"`
}

// IndexConfig selects and tunes the remote index backend.
type IndexConfig struct {
	// Backend is hnsw, bleve or weaviate.
	Backend             string               `yaml:"backend" json:"backend"`
	Weaviate            WeaviateConfig       `yaml:"weaviate" json:"weaviate"`
	Retry               amerrors.RetryConfig `yaml:"retry" json:"retry"`
	CircuitMaxFailures  int                  `yaml:"circuit_max_failures" json:"circuit_max_failures"`
	CircuitResetTimeout time.Duration        `yaml:"circuit_reset_timeout" json:"circuit_reset_timeout"`
}

// WeaviateConfig addresses a Weaviate instance.
type WeaviateConfig struct {
	Host   string `yaml:"host" json:"host"`
	Scheme string `yaml:"scheme" json:"scheme"`
	Class  string `yaml:"class" json:"class"`
}

// EmbeddingsConfig configures the embedder feeding vector backends.
type EmbeddingsConfig struct {
	// Provider is "static" (hash-based, offline).
	Provider   string `yaml:"provider" json:"provider"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"`
	CacheSize  int    `yaml:"cache_size" json:"cache_size"`
}

// ChunkingConfig configures the chunk producers.
type ChunkingConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars" json:"max_chunk_chars"`
	OverlapChars  int `yaml:"overlap_chars" json:"overlap_chars"`
}

// SchedulerConfig configures the job scheduler.
type SchedulerConfig struct {
	Workers int `yaml:"workers" json:"workers"`
	// Coalesce is "skip" (drop triggers while running) or "queue"
	// (remember at most one pending run).
	Coalesce string `yaml:"coalesce" json:"coalesce"`
	// MisfireGrace is how late a missed trigger may still run on startup.
	MisfireGrace  time.Duration `yaml:"misfire_grace" json:"misfire_grace"`
	JobTimeout    time.Duration `yaml:"job_timeout" json:"job_timeout"`
	Watch         bool          `yaml:"watch" json:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce" json:"watch_debounce"`
}

// DaemonConfig configures `amansync serve`.
type DaemonConfig struct {
	// SocketPath and PIDPath default to files under the data directory.
	SocketPath string `yaml:"socket_path" json:"socket_path"`
	PIDPath    string `yaml:"pid_path" json:"pid_path"`
	// ShutdownGrace is how long running jobs may finish before they are cancelled.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
	// Compaction of the local hnsw graph. Zero CompactInterval disables it.
	CompactInterval    time.Duration `yaml:"compact_interval" json:"compact_interval"`
	CompactOrphanRatio float64       `yaml:"compact_orphan_ratio" json:"compact_orphan_ratio"`
	CompactMinOrphans  int           `yaml:"compact_min_orphans" json:"compact_min_orphans"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MetricsAddr serves /metrics when non-empty, e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// NotifyConfig configures run report publishing.
type NotifyConfig struct {
	// NSQDAddress enables publishing when non-empty.
	NSQDAddress string `yaml:"nsqd_address" json:"nsqd_address"`
	Topic       string `yaml:"topic" json:"topic"`
}

// defaultExcludePatterns are always excluded from directory scans.
var defaultExcludePatterns = []string{
	".git/**",
	DataDirName + "/**",
	"node_modules/**",
	"**/.DS_Store",
}

// NewConfig returns the built-in defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Source: SourceConfig{
			Path:             ".",
			Pattern:          "**/*.{md,markdown,txt}",
			Exclude:          append([]string(nil), defaultExcludePatterns...),
			HashAlgorithm:    "sha256",
			RespectGitignore: true,
			MaxFileSizeMB:    10,
			FetchConcurrency: 4,
			FetchTimeout:     30 * time.Second,
		},
		Sync: SyncConfig{
			BatchSize:               50,
			MaxConcurrentOperations: 4,
			InterBatchDelay:         0,
			FullRebuildThreshold:    0.8,
			Timeout:                 30 * time.Minute,
			PostHealthCheck:         true,
		},
		Backup: BackupConfig{Retention: 5},
		Health: HealthConfig{SampleSize: 100},
		Index: IndexConfig{
			Backend: "hnsw",
			Weaviate: WeaviateConfig{
				Host:   "localhost:8080",
				Scheme: "http",
				Class:  "DocumentChunk",
			},
			Retry:               amerrors.DefaultRetryConfig(),
			CircuitMaxFailures:  5,
			CircuitResetTimeout: 30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   "static",
			Dimensions: 256,
			CacheSize:  1000,
		},
		Chunking: ChunkingConfig{
			MaxChunkChars: 1500,
			OverlapChars:  150,
		},
		Scheduler: SchedulerConfig{
			Workers:       2,
			Coalesce:      "skip",
			MisfireGrace:  5 * time.Minute,
			JobTimeout:    time.Hour,
			WatchDebounce: 2 * time.Second,
		},
		Daemon: DaemonConfig{
			ShutdownGrace:      30 * time.Second,
			CompactInterval:    10 * time.Minute,
			CompactOrphanRatio: 0.2,
			CompactMinOrphans:  100,
		},
		Telemetry: TelemetryConfig{Enabled: true},
		Notify:    NotifyConfig{Topic: "amansync.runs"},
		Logging:   logging.DefaultConfig(),
	}
}

// DataDir returns the data directory for a project root.
func DataDir(root string) string {
	return filepath.Join(root, DataDirName)
}

// GetUserConfigPath returns the user configuration file:
// $XDG_CONFIG_HOME/amansync/config.yaml, or ~/.config/amansync/config.yaml.
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amansync", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amansync", "config.yaml")
	}
	return filepath.Join(home, ".config", "amansync", "config.yaml")
}

// Load resolves configuration for the project rooted at dir.
// Precedence, lowest first:
//  1. Built-in defaults
//  2. User config (~/.config/amansync/config.yaml)
//  3. Project config (.amansync.yaml)
//  4. .env in dir, for variables not already set
//  5. AMANSYNC_* environment variables
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	projectPath := filepath.Join(dir, ProjectFileName)
	if fileExists(projectPath) {
		if err := cfg.loadYAML(projectPath); err != nil {
			return nil, err
		}
	}

	// godotenv.Load never overrides variables that are already set.
	if envFile := filepath.Join(dir, ".env"); fileExists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadYAML decodes path on top of c. Keys absent from the file keep their
// current values; source.exclude is appended rather than replaced.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	exclude := c.Source.Exclude
	c.Source.Exclude = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		c.Source.Exclude = exclude
		return amerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	c.Source.Exclude = mergeUnique(exclude, c.Source.Exclude)
	return nil
}

// envOverrides mirrors the AMANSYNC_* variables. Nil means unset.
type envOverrides struct {
	SourcePath           *string        `envconfig:"SOURCE_PATH"`
	SourcePattern        *string        `envconfig:"SOURCE_PATTERN"`
	SourceURLs           []string       `envconfig:"SOURCE_URLS"`
	HashAlgorithm        *string        `envconfig:"HASH_ALGORITHM"`
	BatchSize            *int           `envconfig:"BATCH_SIZE"`
	MaxConcurrent        *int           `envconfig:"MAX_CONCURRENT_OPERATIONS"`
	InterBatchDelay      *time.Duration `envconfig:"INTER_BATCH_DELAY"`
	FullRebuildThreshold *float64       `envconfig:"FULL_REBUILD_THRESHOLD"`
	SyncTimeout          *time.Duration `envconfig:"SYNC_TIMEOUT"`
	BackupRetention      *int           `envconfig:"BACKUP_RETENTION"`
	IndexBackend         *string        `envconfig:"INDEX_BACKEND"`
	WeaviateHost         *string        `envconfig:"WEAVIATE_HOST"`
	WeaviateScheme       *string        `envconfig:"WEAVIATE_SCHEME"`
	SchedulerWorkers     *int           `envconfig:"SCHEDULER_WORKERS"`
	Coalesce             *string        `envconfig:"SCHEDULER_COALESCE"`
	MetricsAddr          *string        `envconfig:"METRICS_ADDR"`
	NSQDAddress          *string        `envconfig:"NSQD_ADDRESS"`
	LogLevel             *string        `envconfig:"LOG_LEVEL"`
}

func (c *Config) applyEnvOverrides() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return amerrors.ConfigError("invalid environment override", err)
	}

	setString(&c.Source.Path, env.SourcePath)
	setString(&c.Source.Pattern, env.SourcePattern)
	if len(env.SourceURLs) > 0 {
		c.Source.URLs = env.SourceURLs
	}
	setString(&c.Source.HashAlgorithm, env.HashAlgorithm)
	set(&c.Sync.BatchSize, env.BatchSize)
	set(&c.Sync.MaxConcurrentOperations, env.MaxConcurrent)
	set(&c.Sync.InterBatchDelay, env.InterBatchDelay)
	set(&c.Sync.FullRebuildThreshold, env.FullRebuildThreshold)
	set(&c.Sync.Timeout, env.SyncTimeout)
	set(&c.Backup.Retention, env.BackupRetention)
	setString(&c.Index.Backend, env.IndexBackend)
	setString(&c.Index.Weaviate.Host, env.WeaviateHost)
	setString(&c.Index.Weaviate.Scheme, env.WeaviateScheme)
	set(&c.Scheduler.Workers, env.SchedulerWorkers)
	setString(&c.Scheduler.Coalesce, env.Coalesce)
	setString(&c.Telemetry.MetricsAddr, env.MetricsAddr)
	setString(&c.Notify.NSQDAddress, env.NSQDAddress)
	setString(&c.Logging.Level, env.LogLevel)
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func setString(dst *string, v *string) {
	if v != nil && *v != "" {
		*dst = *v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return amerrors.ConfigError(fmt.Sprintf(format, args...), nil)
	}

	switch strings.ToLower(c.Source.HashAlgorithm) {
	case "sha256", "sha512":
	default:
		return invalid("source.hash_algorithm must be 'sha256' or 'sha512', got %q", c.Source.HashAlgorithm)
	}
	if c.Source.Path == "" && len(c.Source.URLs) == 0 {
		return invalid("source.path or source.urls must be set")
	}
	if c.Sync.BatchSize <= 0 {
		return invalid("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.MaxConcurrentOperations <= 0 {
		return invalid("sync.max_concurrent_operations must be positive, got %d", c.Sync.MaxConcurrentOperations)
	}
	if c.Sync.InterBatchDelay < 0 {
		return invalid("sync.inter_batch_delay must not be negative")
	}
	if c.Sync.FullRebuildThreshold <= 0 || c.Sync.FullRebuildThreshold > 1 {
		return invalid("sync.full_rebuild_threshold must be in (0, 1], got %g", c.Sync.FullRebuildThreshold)
	}
	if c.Backup.Retention < 1 {
		return invalid("backup.retention must be at least 1, got %d", c.Backup.Retention)
	}
	if c.Health.SampleSize < 0 {
		return invalid("health.sample_size must not be negative")
	}
	switch c.Index.Backend {
	case "hnsw", "bleve", "weaviate":
	default:
		return invalid("index.backend must be 'hnsw', 'bleve' or 'weaviate', got %q", c.Index.Backend)
	}
	if c.Embeddings.Provider != "static" {
		return invalid("embeddings.provider must be 'static', got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions <= 0 {
		return invalid("embeddings.dimensions must be positive")
	}
	if c.Chunking.MaxChunkChars <= 0 || c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.MaxChunkChars {
		return invalid("chunking.overlap_chars must be in [0, max_chunk_chars)")
	}
	if c.Scheduler.Workers <= 0 {
		return invalid("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	switch c.Scheduler.Coalesce {
	case "skip", "queue":
	default:
		return invalid("scheduler.coalesce must be 'skip' or 'queue', got %q", c.Scheduler.Coalesce)
	}
	if c.Daemon.CompactInterval < 0 {
		return invalid("daemon.compact_interval must not be negative")
	}
	if c.Daemon.CompactOrphanRatio <= 0 || c.Daemon.CompactOrphanRatio > 1 {
		return invalid("daemon.compact_orphan_ratio must be in (0, 1], got %g", c.Daemon.CompactOrphanRatio)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("logging.level must be 'debug', 'info', 'warn', or 'error', got %q", c.Logging.Level)
	}
	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindProjectRoot walks up from startDir to the nearest directory holding
// .amansync.yaml, .amansync/ or .git. Returns startDir if none is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	for dir := absDir; ; {
		if fileExists(filepath.Join(dir, ProjectFileName)) ||
			dirExists(filepath.Join(dir, DataDirName)) ||
			dirExists(filepath.Join(dir, ".git")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return absDir, nil
		}
		dir = parent
	}
}

func mergeUnique(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
