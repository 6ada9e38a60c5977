package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Aman-CERP/amansync/internal/config"
)

const (
	// SocketFileName is the control socket created under the data directory.
	SocketFileName = "daemon.sock"
	// PIDFileName is the PID file created under the data directory.
	PIDFileName = "daemon.pid"

	// maxSocketPath is the sun_path limit on macOS; Linux allows 108.
	maxSocketPath = 104

	defaultTimeout = 5 * time.Second
)

// Config holds the resolved daemon settings.
type Config struct {
	SocketPath string
	PIDPath    string

	// Timeout bounds a single client request.
	Timeout time.Duration

	// ShutdownGrace is how long running jobs may finish after a stop signal.
	ShutdownGrace time.Duration
}

// NewConfig resolves cfg against the project data directory.
func NewConfig(cfg config.DaemonConfig, dataDir string) Config {
	c := Config{
		SocketPath:    cfg.SocketPath,
		PIDPath:       cfg.PIDPath,
		Timeout:       defaultTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	}
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(dataDir, SocketFileName)
	}
	if c.PIDPath == "" {
		c.PIDPath = filepath.Join(dataDir, PIDFileName)
	}
	return c
}

// Validate checks the paths are usable.
func (c Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket path is required")
	}
	if len(c.SocketPath) >= maxSocketPath {
		return fmt.Errorf("socket path too long (%d bytes, max %d): %s", len(c.SocketPath), maxSocketPath-1, c.SocketPath)
	}
	if c.PIDPath == "" {
		return fmt.Errorf("pid path is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdown grace must not be negative")
	}
	return nil
}

// EnsureDirs creates the parent directories of the socket and PID file.
func (c Config) EnsureDirs() error {
	for _, p := range []string{c.SocketPath, c.PIDPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(p), err)
		}
	}
	return nil
}
