package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// tierRank orders storage tiers from hottest to coldest.
// Lifecycle transitions must move strictly colder.
var tierRank = map[string]int{
	"hot":     0,
	"warm":    1,
	"cold":    2,
	"glacier": 3,
}

// Validate checks the configuration for correctness.
//
// Validation covers:
//   - Struct tag constraints (required fields, oneof enumerations, ranges)
//   - Cross-field rules that tags cannot express
//   - Production hardening rules when Environment is production
//
// Validate never mutates the configuration; normalization belongs to
// ApplyDefaults.
func Validate(cfg *Config) error {
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateDatabase(cfg); err != nil {
		return err
	}
	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return err
	}
	if err := validateChunker(&cfg.Chunker); err != nil {
		return err
	}
	if err := validateBackup(&cfg.Backup); err != nil {
		return err
	}
	if err := validateWAL(&cfg.WAL); err != nil {
		return err
	}
	if err := validateLifecycle(&cfg.Lifecycle); err != nil {
		return err
	}

	if cfg.Environment == EnvProduction {
		if err := validateProduction(cfg); err != nil {
			return err
		}
	}

	return nil
}

// formatValidationError converts validator errors into readable messages
// while keeping the failed tag name in the text.
func formatValidationError(err error) error {
	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		// Strip the leading "Config." from the namespace for readability
		field := strings.TrimPrefix(fieldErr.Namespace(), "Config.")
		if fieldErr.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed '%s=%s' validation (value: %v)",
				field, fieldErr.Tag(), fieldErr.Param(), fieldErr.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed '%s' validation (value: %v)",
				field, fieldErr.Tag(), fieldErr.Value()))
		}
	}

	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// validateDatabase delegates to the repo package's own validation.
func validateDatabase(cfg *Config) error {
	if err := cfg.Database.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}
	return nil
}

// validateTelemetry checks cross-field tracing rules.
func validateTelemetry(cfg *TelemetryConfig) error {
	if cfg.Enabled && cfg.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
	}
	if cfg.Profiling.Enabled && cfg.Profiling.Endpoint == "" {
		return fmt.Errorf("profiling endpoint is required when profiling is enabled")
	}
	return nil
}

// validateChunker checks chunk size ordering.
func validateChunker(cfg *ChunkerConfig) error {
	if cfg.MinSize == 0 || cfg.TargetSize == 0 || cfg.MaxSize == 0 {
		return fmt.Errorf("chunker sizes must be positive")
	}
	if cfg.MinSize > cfg.TargetSize {
		return fmt.Errorf("chunker min_size (%s) must not exceed target_size (%s)",
			cfg.MinSize, cfg.TargetSize)
	}
	if cfg.TargetSize > cfg.MaxSize {
		return fmt.Errorf("chunker target_size (%s) must not exceed max_size (%s)",
			cfg.TargetSize, cfg.MaxSize)
	}
	return nil
}

// validateBackup checks encryption key requirements.
func validateBackup(cfg *BackupConfig) error {
	// Fernet cannot derive its key from the secret; it needs explicit
	// URL-safe base64 key material.
	if cfg.Encryption == "fernet" && cfg.EncryptionKey == "" {
		return fmt.Errorf("backup encryption_key is required for fernet encryption")
	}
	return nil
}

// validateWAL checks write-ahead log requirements.
func validateWAL(cfg *WALConfig) error {
	if cfg.Dir == "" {
		return fmt.Errorf("wal dir path is required")
	}
	return nil
}

// validateLifecycle checks that every transition rule moves to a colder tier.
func validateLifecycle(cfg *LifecycleConfig) error {
	for i, rule := range cfg.Transitions {
		from, ok := tierRank[rule.From]
		if !ok {
			return fmt.Errorf("lifecycle transition %d: unknown source tier %q", i, rule.From)
		}
		to, ok := tierRank[rule.To]
		if !ok {
			return fmt.Errorf("lifecycle transition %d: unknown destination tier %q", i, rule.To)
		}
		if to <= from {
			return fmt.Errorf("lifecycle transition %d: %s -> %s must move to a colder tier",
				i, rule.From, rule.To)
		}
	}
	return nil
}

// validateProduction enforces hardening rules for the production environment.
//
// Production refuses to start with:
//   - A missing, short, or default secret key
//   - Any development bypass toggle set
//   - The in-memory storage backend
func validateProduction(cfg *Config) error {
	if len(cfg.Security.SecretKey) < 32 {
		return fmt.Errorf("production requires a secret_key of at least 32 characters")
	}
	if cfg.Security.SecretKey == DefaultSecretKey {
		return fmt.Errorf("production requires a non-default secret_key")
	}

	var bypasses []string
	if cfg.Security.AllowUnvalidatedScripts {
		bypasses = append(bypasses, "allow_unvalidated_scripts")
	}
	if cfg.Security.DisableEncryption {
		bypasses = append(bypasses, "disable_encryption")
	}
	if cfg.Security.SkipHealthChecks {
		bypasses = append(bypasses, "skip_health_checks")
	}
	if len(bypasses) > 0 {
		return fmt.Errorf("development bypass toggles are forbidden in production: %s",
			strings.Join(bypasses, ", "))
	}

	if cfg.Storage.Type == "memory" {
		return fmt.Errorf("the memory storage backend is forbidden in production")
	}

	return nil
}
