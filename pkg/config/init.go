package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// InitConfig creates a new configuration file at the default location.
//
// The generated file contains all default values plus a freshly generated
// secret key, so the file is usable in production after the storage and
// Redis sections are filled in.
//
// Returns an error if the file already exists, unless force is true.
func InitConfig(force bool) (string, error) {
	configPath := GetDefaultConfigPath()

	if err := InitConfigToPath(configPath, force); err != nil {
		return "", err
	}

	return configPath, nil
}

// InitConfigToPath creates a new configuration file at the given path.
// Returns an error if the file already exists, unless force is true.
func InitConfigToPath(path string, force bool) error {
	// Refuse to clobber an existing config without force
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	// Create parent directory if needed
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := GetDefaultConfig()

	// Generate a real secret instead of shipping the dev placeholder
	secret, err := generateSecretKey()
	if err != nil {
		return fmt.Errorf("failed to generate secret key: %w", err)
	}
	cfg.Security.SecretKey = secret

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	content := append([]byte(configFileHeader()), data...)

	// 0600: the file holds the secret key and may hold storage credentials
	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateSecretKey returns 32 random bytes hex-encoded (64 characters).
func generateSecretKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// configFileHeader returns the comment block written above the YAML body.
func configFileHeader() string {
	return fmt.Sprintf(`# ForgeVault Configuration File
#
# Generated by 'forgevault init' on %s
#
# Every value below can be overridden with an environment variable using
# the FORGEVAULT_ prefix and underscores for nesting, for example:
#   FORGEVAULT_LOGGING_LEVEL=DEBUG
#   FORGEVAULT_STORAGE_ENDPOINT=http://localhost:9000
#
# Sections:
#   environment - deployment mode (development | staging | production)
#   logging     - log level, format, and destination
#   telemetry   - OpenTelemetry tracing and Pyroscope profiling
#   metrics     - Prometheus metrics endpoint
#   database    - metadata database (SQLite or PostgreSQL)
#   storage     - S3-compatible object storage and tier buckets
#   chunker     - content-defined chunking parameters
#   backup      - snapshot engine (compression, encryption, chains)
#   wal         - write-ahead log and checkpoints
#   lifecycle   - tier transitions and sweeps
#   health      - component health monitor
#   disaster    - disaster-recovery orchestrator and notifications
#   jobs        - scheduler and worker pool
#   fleet       - Redis-backed fleet state coordinator
#   ai          - AI provider collaborator
#   solver      - external FEM solver
#   security    - secret key and development bypass toggles

`, time.Now().UTC().Format("2006-01-02"))
}
