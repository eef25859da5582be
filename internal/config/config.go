// Package config loads environment-based configuration for the hearken
// library daemon.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for hearken.
type Config struct {
	// EnableSync controls whether queued mutations are drained against the
	// remote store and whether list reconciliation runs. When false the
	// library is fully usable offline; tasks accumulate in the queue.
	EnableSync bool `env:"HEARKEN_ENABLE_SYNC" envDefault:"true"`

	// Remote store endpoint and credentials (required when sync is enabled).
	RemoteURL   string `env:"HEARKEN_REMOTE_URL"`
	RemoteToken string `env:"HEARKEN_REMOTE_TOKEN"`

	// LibraryDir is where downloaded audio files are stored, one folder
	// per tree item. Defaults to ~/.hearken/library/.
	LibraryDir string `env:"HEARKEN_LIBRARY_DIR"`

	// InboxDir, when set, is watched for dropped audio files which are
	// imported into the library root and queued for upload.
	InboxDir string `env:"HEARKEN_INBOX_DIR"`

	// DeviceName this client identifies as. Defaults to system hostname.
	DeviceName string `env:"HEARKEN_DEVICE_NAME"`

	// Worker pool sizes for the task queue drainer and the downloader.
	QueueWorkers    int `env:"HEARKEN_QUEUE_WORKERS" envDefault:"4"`
	DownloadWorkers int `env:"HEARKEN_DOWNLOAD_WORKERS" envDefault:"3"`

	// SyncMinInterval is the minimum time between successful list
	// reconciliations for the same path.
	SyncMinInterval time.Duration `env:"HEARKEN_SYNC_MIN_INTERVAL" envDefault:"5m"`

	// RemoteTimeout bounds every individual remote call. A timeout is a
	// retryable transient failure, not a fatal one.
	RemoteTimeout time.Duration `env:"HEARKEN_REMOTE_TIMEOUT" envDefault:"60s"`

	// MaxTaskAttempts bounds retries of a queued task before it is
	// surfaced as a permanent failure.
	MaxTaskAttempts int `env:"HEARKEN_MAX_TASK_ATTEMPTS" envDefault:"8"`

	// Environment controls log format.
	Environment string `env:"HEARKEN_ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Group or world readable files risk
// exposing the remote token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "hearken"
		}

		cfg.DeviceName = hostname
	}

	if cfg.LibraryDir == "" {
		dir, err := DefaultLibraryDir()
		if err != nil {
			return nil, err
		}

		cfg.LibraryDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve directories to absolute paths at startup. Downstream code
	// joins item-relative paths onto these and relies on prefix checks
	// that only work reliably with absolute paths.
	absLib, err := filepath.Abs(cfg.LibraryDir)
	if err != nil {
		return nil, fmt.Errorf("resolving library dir to absolute path: %w", err)
	}

	cfg.LibraryDir = absLib

	if cfg.InboxDir != "" {
		absInbox, err := filepath.Abs(cfg.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving inbox dir to absolute path: %w", err)
		}

		cfg.InboxDir = absInbox
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EnableSync {
		if c.RemoteURL == "" {
			return fmt.Errorf("HEARKEN_REMOTE_URL is required when sync is enabled")
		}

		if c.RemoteToken == "" {
			return fmt.Errorf("HEARKEN_REMOTE_TOKEN is required when sync is enabled")
		}
	}

	if c.QueueWorkers < 1 {
		return fmt.Errorf("HEARKEN_QUEUE_WORKERS must be at least 1")
	}

	if c.DownloadWorkers < 1 {
		return fmt.Errorf("HEARKEN_DOWNLOAD_WORKERS must be at least 1")
	}

	if c.MaxTaskAttempts < 1 {
		return fmt.Errorf("HEARKEN_MAX_TASK_ATTEMPTS must be at least 1")
	}

	return nil
}

// DefaultLibraryDir returns the default backing-file directory:
// ~/.hearken/library/
func DefaultLibraryDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".hearken", "library"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
