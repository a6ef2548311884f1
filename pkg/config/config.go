package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/forgevault/forgevault/internal/bytesize"
	"github.com/forgevault/forgevault/pkg/repo"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Environment names accepted by the Environment field.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config represents the ForgeVault configuration.
//
// This structure captures static configuration for the backup, recovery,
// and job-orchestration core:
//   - Logging, telemetry, and metrics
//   - Object storage (S3-compatible) and tier buckets
//   - Chunking, backup, WAL, and lifecycle parameters
//   - Disaster recovery and health monitoring
//   - Job scheduling and worker fleet coordination
//   - External collaborator endpoints (AI provider, FEM solver)
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (FORGEVAULT_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
type Config struct {
	// Environment selects the deployment mode.
	// Valid values: development, staging, production
	Environment string `mapstructure:"environment" validate:"required,oneof=development staging production" yaml:"environment"`

	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Database configures the metadata database (SQLite or PostgreSQL).
	// This is the persistent store for snapshots, jobs, disaster events,
	// retention policies, and recovery reports.
	Database repo.Config `mapstructure:"database" yaml:"database"`

	// Storage configures the S3-compatible object storage backend
	// and the bucket-per-tier mapping.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Chunker configures content-defined chunking for deduplication
	Chunker ChunkerConfig `mapstructure:"chunker" yaml:"chunker"`

	// Backup configures the snapshot engine
	Backup BackupConfig `mapstructure:"backup" yaml:"backup"`

	// WAL configures write-ahead logging and checkpoints
	WAL WALConfig `mapstructure:"wal" yaml:"wal"`

	// Lifecycle configures tier transitions and retention sweeps
	Lifecycle LifecycleConfig `mapstructure:"lifecycle" yaml:"lifecycle"`

	// Health configures the health monitor
	Health HealthConfig `mapstructure:"health" yaml:"health"`

	// Disaster configures the disaster-recovery orchestrator
	Disaster DisasterConfig `mapstructure:"disaster" yaml:"disaster"`

	// Jobs configures the scheduler and worker pool
	Jobs JobsConfig `mapstructure:"jobs" yaml:"jobs"`

	// Fleet configures the Redis-backed fleet state coordinator
	Fleet FleetConfig `mapstructure:"fleet" yaml:"fleet"`

	// AI configures the AI provider collaborator
	AI AIConfig `mapstructure:"ai" yaml:"ai"`

	// Solver configures the external FEM solver collaborator
	Solver SolverConfig `mapstructure:"solver" yaml:"solver"`

	// Security holds the secret key and development bypass toggles.
	// Every bypass toggle is strictly rejected in production.
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`

	// Profiling contains Pyroscope continuous profiling configuration
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled controls whether continuous profiling is enabled
	// Default: false (opt-in for profiling)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the Pyroscope server endpoint (URL)
	// Default: "http://localhost:4040" (standard Pyroscope port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// ProfileTypes specifies which profile types to collect
	// Valid values: cpu, alloc_objects, alloc_space, inuse_objects, inuse_space,
	//               goroutines, mutex_count, mutex_duration, block_count, block_duration
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// StorageConfig configures the S3-compatible object storage backend.
// Works against AWS S3 and MinIO.
type StorageConfig struct {
	// Type selects the store implementation.
	// Valid values: s3, memory (memory is for tests and development only)
	Type string `mapstructure:"type" validate:"required,oneof=s3 memory" yaml:"type"`

	// Endpoint is the S3 endpoint URL (empty for AWS S3)
	// Example: http://localhost:9000 for MinIO
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// Region is the S3 region
	// Default: us-east-1
	Region string `mapstructure:"region" yaml:"region"`

	// AccessKeyID is the S3 access key (or FORGEVAULT_STORAGE_ACCESS_KEY_ID)
	AccessKeyID string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`

	// SecretAccessKey is the S3 secret key (or FORGEVAULT_STORAGE_SECRET_ACCESS_KEY)
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle enables path-style addressing (required for MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// BucketPrefix is prepended to every tier bucket name.
	// With prefix "backups" the tier buckets are backups-hot, backups-warm,
	// backups-cold, and backups-glacier.
	// Default: backups
	BucketPrefix string `mapstructure:"bucket_prefix" yaml:"bucket_prefix"`

	// MultipartThreshold is the upload size above which multipart is used
	// Default: 32MiB
	MultipartThreshold bytesize.ByteSize `mapstructure:"multipart_threshold" yaml:"multipart_threshold,omitempty"`

	// MultipartPartSize is the size of each multipart part
	// Default: 16MiB
	MultipartPartSize bytesize.ByteSize `mapstructure:"multipart_part_size" yaml:"multipart_part_size,omitempty"`

	// MultipartConcurrency is the number of parts uploaded in parallel
	// Default: 8
	MultipartConcurrency int `mapstructure:"multipart_concurrency" validate:"omitempty,min=1,max=64" yaml:"multipart_concurrency,omitempty"`

	// MaxRetries is the retry ceiling for transient storage failures
	// Default: 3
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0,max=20" yaml:"max_retries,omitempty"`
}

// ChunkerConfig configures content-defined chunking.
type ChunkerConfig struct {
	// Algorithm selects the chunking strategy.
	// Valid values: rabin (content-defined), fixed (equal spans)
	Algorithm string `mapstructure:"algorithm" validate:"omitempty,oneof=rabin fixed" yaml:"algorithm"`

	// TargetSize is the target chunk size
	// Default: 64KiB
	TargetSize bytesize.ByteSize `mapstructure:"target_size" yaml:"target_size,omitempty"`

	// MinSize is the minimum chunk size
	// Default: 16KiB
	MinSize bytesize.ByteSize `mapstructure:"min_size" yaml:"min_size,omitempty"`

	// MaxSize is the maximum chunk size
	// Default: 256KiB
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size,omitempty"`

	// IndexPath is the directory for the persistent chunk index.
	// Empty selects an in-memory index (tests and development only).
	IndexPath string `mapstructure:"index_path" yaml:"index_path,omitempty"`
}

// BackupConfig configures the snapshot engine.
type BackupConfig struct {
	// DedupEnabled controls content-defined chunking on backup creation.
	// When false, each backup is stored as a single chunk.
	// Default: true
	DedupEnabled *bool `mapstructure:"dedup_enabled" yaml:"dedup_enabled,omitempty"`

	// Compression selects the chunk-list payload compression.
	// Valid values: auto, zstd, gzip, lzma, none
	// auto prefers zstd and falls back to none when the saving is below 10%.
	Compression string `mapstructure:"compression" validate:"omitempty,oneof=auto zstd gzip lzma none" yaml:"compression"`

	// Encryption selects the payload encryption method.
	// Valid values: aes-gcm, chacha20-poly1305, fernet, none
	Encryption string `mapstructure:"encryption" validate:"omitempty,oneof=aes-gcm chacha20-poly1305 fernet none" yaml:"encryption"`

	// EncryptionKey is the base64 key material for the selected method.
	// Consumed, never persisted back to disk by the engine.
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key,omitempty"`

	// VerifyAfterWrite re-reads and verifies every snapshot after creation
	// Default: false
	VerifyAfterWrite bool `mapstructure:"verify_after_write" yaml:"verify_after_write"`

	// MaxChainLength forces a full snapshot when a source's chain reaches
	// this many snapshots.
	// Default: 20
	MaxChainLength int `mapstructure:"max_chain_length" validate:"omitempty,min=1" yaml:"max_chain_length,omitempty"`

	// FullEvery forces a full snapshot every Nth backup of a source.
	// Default: 10
	FullEvery int `mapstructure:"full_every" validate:"omitempty,min=1" yaml:"full_every,omitempty"`
}

// WALConfig configures write-ahead logging and checkpoints.
type WALConfig struct {
	// Dir is the directory for WAL segments (required)
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// SegmentMaxSize is the rotation threshold for a segment
	// Default: 16MiB
	SegmentMaxSize bytesize.ByteSize `mapstructure:"segment_max_size" yaml:"segment_max_size,omitempty"`

	// CompressRotated gzips segments after rotation
	// Default: true
	CompressRotated *bool `mapstructure:"compress_rotated" yaml:"compress_rotated,omitempty"`

	// Retention is how long rotated segments are kept
	// Default: 168h (7 days)
	Retention time.Duration `mapstructure:"retention" yaml:"retention,omitempty"`

	// RingCapacity is the in-memory recent-entries ring size
	// Default: 1000
	RingCapacity int `mapstructure:"ring_capacity" validate:"omitempty,min=1" yaml:"ring_capacity,omitempty"`

	// CheckpointDir is the directory for checkpoint files.
	// Default: <dir>/checkpoints
	CheckpointDir string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir,omitempty"`

	// MaxCheckpoints is the number of checkpoints retained
	// Default: 48
	MaxCheckpoints int `mapstructure:"max_checkpoints" validate:"omitempty,min=1" yaml:"max_checkpoints,omitempty"`

	// CheckpointInterval is the automatic checkpoint period
	// Default: 15m
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval,omitempty"`
}

// LifecycleConfig configures tier transitions and retention sweeps.
type LifecycleConfig struct {
	// SweepInterval is the period between lifecycle sweeps
	// Default: 1h
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval,omitempty"`

	// Transitions is the ordered tier transition rule list.
	// Defaults: hot→warm after 7 days, warm→cold after 30, cold→glacier after 90.
	Transitions []TransitionRuleConfig `mapstructure:"transitions" yaml:"transitions,omitempty"`
}

// TransitionRuleConfig is one age-driven tier transition rule.
type TransitionRuleConfig struct {
	// From is the source tier
	From string `mapstructure:"from" validate:"required,oneof=hot warm cold glacier" yaml:"from"`

	// To is the destination tier
	To string `mapstructure:"to" validate:"required,oneof=hot warm cold glacier" yaml:"to"`

	// AfterDays is the age threshold in days
	AfterDays int `mapstructure:"after_days" validate:"required,min=1" yaml:"after_days"`

	// Enabled controls whether the rule is applied
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	// Interval is the probe loop period
	// Default: 30s
	Interval time.Duration `mapstructure:"interval" yaml:"interval,omitempty"`

	// Timeout is the default probe timeout
	// Default: 10s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// DisasterConfig configures the disaster-recovery orchestrator.
type DisasterConfig struct {
	// AutoFailover invokes recovery automatically after detection
	// Default: false
	AutoFailover bool `mapstructure:"auto_failover" yaml:"auto_failover"`

	// FailoverDelay is the wait before auto-failover recovery starts
	// Default: 30s
	FailoverDelay time.Duration `mapstructure:"failover_delay" yaml:"failover_delay,omitempty"`

	// PlanDir is the directory of recovery plan YAML documents
	PlanDir string `mapstructure:"plan_dir" yaml:"plan_dir,omitempty"`

	// WatchPlans hot-reloads plan documents on file changes
	// Default: false
	WatchPlans bool `mapstructure:"watch_plans" yaml:"watch_plans"`

	// AllowScripts enables real execution of script recovery steps.
	// When false, script steps log and succeed without running anything.
	// Default: false
	AllowScripts bool `mapstructure:"allow_scripts" yaml:"allow_scripts"`

	// WebhookURL receives a JSON envelope per disaster notification
	WebhookURL string `mapstructure:"webhook_url" validate:"omitempty,url" yaml:"webhook_url,omitempty"`

	// SlackWebhookURL posts disaster notifications to Slack
	SlackWebhookURL string `mapstructure:"slack_webhook_url" validate:"omitempty,url" yaml:"slack_webhook_url,omitempty"`

	// SlackChannel is the Slack channel for notifications
	SlackChannel string `mapstructure:"slack_channel" yaml:"slack_channel,omitempty"`
}

// JobsConfig configures the scheduler and worker pool.
type JobsConfig struct {
	// WorkerID identifies this process in job records and fleet keys.
	// Empty derives an identifier from the hostname and PID.
	WorkerID string `mapstructure:"worker_id" yaml:"worker_id,omitempty"`

	// Workers is the number of concurrent job executors
	// Default: 4
	Workers int `mapstructure:"workers" validate:"omitempty,min=1,max=256" yaml:"workers,omitempty"`

	// QueueCapacity bounds the pending job queue per worker pool
	// Default: 64
	QueueCapacity int `mapstructure:"queue_capacity" validate:"omitempty,min=1" yaml:"queue_capacity,omitempty"`

	// Queues is the set of routing keys this worker subscribes to.
	// Empty subscribes to every queue.
	Queues []string `mapstructure:"queues" yaml:"queues,omitempty"`

	// DefaultTimeout bounds a single job execution
	// Default: 30m
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout,omitempty"`

	// MaxRetries is the default retry ceiling for transient failures
	// Default: 3
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0,max=10" yaml:"max_retries,omitempty"`

	// SweepInterval is the period of the background sweep that requeues
	// pending work and force-cancels stale cancellations
	// Default: 30s
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval,omitempty"`

	// ForceCancelAfter force-cancels a job whose cancel request has been
	// pending this long while the job is still running
	// Default: 5m
	ForceCancelAfter time.Duration `mapstructure:"force_cancel_after" yaml:"force_cancel_after,omitempty"`
}

// FleetConfig configures the Redis-backed fleet state coordinator.
type FleetConfig struct {
	// RedisURL is the Redis connection URL (required)
	// Example: redis://localhost:6379/0
	RedisURL string `mapstructure:"redis_url" validate:"required" yaml:"redis_url"`

	// MaxRetries is the retry ceiling for transient connection errors
	// Default: 3
	MaxRetries int `mapstructure:"max_retries" validate:"omitempty,min=0,max=20" yaml:"max_retries,omitempty"`

	// RetryBackoff is the linear backoff unit between retries
	// Default: 100ms
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff,omitempty"`

	// LockTimeout is the default distributed lock expiry
	// Default: 30s
	LockTimeout time.Duration `mapstructure:"lock_timeout" yaml:"lock_timeout,omitempty"`
}

// AIConfig configures the AI provider collaborator.
type AIConfig struct {
	// Provider selects the adapter.
	// Valid values: anthropic, fake
	Provider string `mapstructure:"provider" validate:"omitempty,oneof=anthropic fake" yaml:"provider"`

	// APIKey is the provider credential (or FORGEVAULT_AI_API_KEY)
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// Model is the provider model identifier
	Model string `mapstructure:"model" yaml:"model,omitempty"`

	// Timeout bounds one generation request
	// Default: 120s
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// SolverConfig configures the external FEM solver collaborator.
type SolverConfig struct {
	// BinaryPath is the solver executable path
	// Default: ccx
	BinaryPath string `mapstructure:"binary_path" yaml:"binary_path,omitempty"`

	// Timeout is the hard cap on one solver run
	// Default: 1h
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// SecurityConfig holds the secret key and development bypass toggles.
//
// Every bypass toggle below weakens a safety property and is strictly
// rejected when Environment is production; startup validation refuses
// to proceed.
type SecurityConfig struct {
	// SecretKey derives internal encryption keys and signatures.
	// Must be at least 32 characters and non-default in production.
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`

	// AllowUnvalidatedScripts skips the generated-script security validator
	AllowUnvalidatedScripts bool `mapstructure:"allow_unvalidated_scripts" yaml:"allow_unvalidated_scripts"`

	// DisableEncryption stores backup payloads unencrypted
	DisableEncryption bool `mapstructure:"disable_encryption" yaml:"disable_encryption"`

	// SkipHealthChecks disables the health monitor loop
	SkipHealthChecks bool `mapstructure:"skip_health_checks" yaml:"skip_health_checks"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FORGEVAULT_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Configure viper
	setupViper(v, configPath)

	// Read configuration file if it exists
	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	// Determine config path
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  forgevault init\n\n"+
				"Or specify a custom config file:\n"+
				"  forgevault <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  forgevault init --config %s",
				configPath, configPath)
		}
	}

	// Load configuration
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	// Create parent directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file with restricted permissions (0600 = owner read/write only).
	// Config files may contain storage credentials and the secret key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Set up environment variable support
	// Environment variables use FORGEVAULT_ prefix and underscores
	// Example: FORGEVAULT_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("FORGEVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file search
	if configPath != "" {
		// Use explicitly specified config file
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/forgevault/config.{yaml,toml}
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml") // Primary format
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		// Check if error is "config file not found"
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			// Config file not found is acceptable - use defaults
			return false, nil
		}
		// Other errors are problems
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts strings
// and integers to bytesize.ByteSize. This enables config files to use human-readable
// sizes like "64Ki", "16MiB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to ByteSize
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse human-readable string like "1Gi", "500Mi", "100MB"
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		// Only handle conversion to time.Duration
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			// Parse duration string like "30s", "5m", "1h"
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	// Check XDG_CONFIG_HOME
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "forgevault")
	}

	// Fall back to ~/.config
	home, err := os.UserHomeDir()
	if err != nil {
		// If we can't get home dir, use current directory as last resort
		return "."
	}

	return filepath.Join(home, ".config", "forgevault")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
