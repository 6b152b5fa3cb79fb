package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all instance configuration, populated once at startup from the
// environment. There is no other process-wide mutable state.
type Config struct {
	Host string
	Port int

	DatabaseURL string

	MaxConcurrentJobs int
	BisectTimeout     time.Duration

	HeartbeatInterval   time.Duration
	RecoveryInterval    time.Duration
	PendingGrace        time.Duration
	HeartbeatStale      time.Duration
	ProgressMinInterval time.Duration
	DrainTimeout        time.Duration

	WorkspaceRoot string

	SandboxBackend     string
	SandboxImage       string
	SandboxProfilePath string

	ForgeAppID          string
	ForgePrivateKeyPath string
	ForgePrivateKey     []byte
	ForgeWebhookSecret  string

	EncryptionKey string
}

// Load reads configuration from the environment. A .env file in the working
// directory is honored if present. Returns an error on any invalid or missing
// required value; the process must not start half-configured.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Host:                getEnv("HOST", "0.0.0.0"),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		WorkspaceRoot:       getEnv("WORKSPACE_ROOT", "/var/lib/bisectd/workspaces"),
		SandboxBackend:      getEnv("SANDBOX_BACKEND", "docker"),
		SandboxImage:        getEnv("SANDBOX_IMAGE", "bisectd-runner:latest"),
		SandboxProfilePath:  getEnv("SANDBOX_PROFILE_PATH", ""),
		ForgeAppID:          getEnv("FORGE_APP_ID", ""),
		ForgePrivateKeyPath: getEnv("FORGE_PRIVATE_KEY_PATH", ""),
		ForgeWebhookSecret:  getEnv("FORGE_WEBHOOK_SECRET", ""),
		EncryptionKey:       getEnv("ENCRYPTION_KEY", ""),
	}

	var err error
	if cfg.Port, err = getEnvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("parse PORT: %w", err)
	}
	if cfg.MaxConcurrentJobs, err = getEnvInt("MAX_CONCURRENT_JOBS", 4); err != nil {
		return nil, fmt.Errorf("parse MAX_CONCURRENT_JOBS: %w", err)
	}
	bisectTimeoutSeconds, err := getEnvInt("BISECT_TIMEOUT_SECONDS", 1800)
	if err != nil {
		return nil, fmt.Errorf("parse BISECT_TIMEOUT_SECONDS: %w", err)
	}
	cfg.BisectTimeout = time.Duration(bisectTimeoutSeconds) * time.Second

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"HEARTBEAT_INTERVAL", 60 * time.Second, &cfg.HeartbeatInterval},
		{"RECOVERY_INTERVAL", 30 * time.Second, &cfg.RecoveryInterval},
		{"PENDING_GRACE", 30 * time.Second, &cfg.PendingGrace},
		{"HEARTBEAT_STALE", 5 * time.Minute, &cfg.HeartbeatStale},
		{"PROGRESS_MIN_INTERVAL", 5 * time.Second, &cfg.ProgressMinInterval},
		{"DRAIN_TIMEOUT", 30 * time.Second, &cfg.DrainTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, d.fallback); err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.key, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.ForgePrivateKeyPath != "" {
		key, err := readPrivateKey(cfg.ForgePrivateKeyPath)
		if err != nil {
			return nil, err
		}
		cfg.ForgePrivateKey = key
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.ForgeAppID == "" {
		return fmt.Errorf("FORGE_APP_ID is required")
	}
	if c.ForgePrivateKeyPath == "" {
		return fmt.Errorf("FORGE_PRIVATE_KEY_PATH is required")
	}
	if len(c.ForgeWebhookSecret) < 16 {
		return fmt.Errorf("FORGE_WEBHOOK_SECRET must be at least 16 characters")
	}
	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("MAX_CONCURRENT_JOBS must be at least 1")
	}
	if c.SandboxBackend != "docker" && c.SandboxBackend != "exec" {
		return fmt.Errorf("SANDBOX_BACKEND must be docker or exec, got %q", c.SandboxBackend)
	}
	if c.EncryptionKey != "" && len(c.EncryptionKey) != 64 {
		return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters")
	}
	return nil
}

// readPrivateKey loads the signing key, refusing group or world readable
// files.
func readPrivateKey(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat private key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("private key %s must not be group or world accessible (mode %04o)", path, info.Mode().Perm())
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	return time.ParseDuration(v)
}
