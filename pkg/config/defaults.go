package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/forgevault/forgevault/internal/bytesize"
	"github.com/forgevault/forgevault/pkg/repo"
)

// DefaultSecretKey is the development placeholder secret.
// Production validation rejects it.
const DefaultSecretKey = "forgevault-dev-secret-do-not-use"

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyEnvironmentDefaults(cfg)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyShutdownTimeoutDefaults(cfg)
	applyDatabaseDefaults(&cfg.Database)
	applyMetricsDefaults(&cfg.Metrics)
	applyStorageDefaults(&cfg.Storage)
	applyChunkerDefaults(&cfg.Chunker)
	applyBackupDefaults(&cfg.Backup)
	applyWALDefaults(&cfg.WAL)
	applyLifecycleDefaults(&cfg.Lifecycle)
	applyHealthDefaults(&cfg.Health)
	applyDisasterDefaults(&cfg.Disaster)
	applyJobsDefaults(&cfg.Jobs)
	applyFleetDefaults(&cfg.Fleet)
	applyAIDefaults(&cfg.AI)
	applySolverDefaults(&cfg.Solver)
	applySecurityDefaults(&cfg.Security)
}

// applyEnvironmentDefaults sets the deployment mode default.
func applyEnvironmentDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}
	// Normalize to lowercase for consistent comparison
	cfg.Environment = strings.ToLower(cfg.Environment)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)
	// No need to set, zero value is false

	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	// Apply profiling defaults
	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	// Enabled defaults to false (opt-in for profiling)
	// No need to set, zero value is false

	// Default endpoint is localhost:4040 (standard Pyroscope port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	// Default profile types include CPU, memory allocation, and goroutines
	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyDatabaseDefaults sets metadata database defaults.
func applyDatabaseDefaults(cfg *repo.Config) {
	cfg.ApplyDefaults()
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyStorageDefaults sets object storage defaults.
func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Type == "" {
		cfg.Type = "s3"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.BucketPrefix == "" {
		cfg.BucketPrefix = "backups"
	}
	// Uploads at or above 32MiB switch to multipart
	if cfg.MultipartThreshold == 0 {
		cfg.MultipartThreshold = bytesize.ByteSize(32 * bytesize.MiB)
	}
	if cfg.MultipartPartSize == 0 {
		cfg.MultipartPartSize = bytesize.ByteSize(16 * bytesize.MiB)
	}
	if cfg.MultipartConcurrency == 0 {
		cfg.MultipartConcurrency = 8
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

// applyChunkerDefaults sets content-defined chunking defaults.
func applyChunkerDefaults(cfg *ChunkerConfig) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "rabin"
	}
	if cfg.TargetSize == 0 {
		cfg.TargetSize = bytesize.ByteSize(64 * bytesize.KiB)
	}
	if cfg.MinSize == 0 {
		cfg.MinSize = bytesize.ByteSize(16 * bytesize.KiB)
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = bytesize.ByteSize(256 * bytesize.KiB)
	}
	// IndexPath has no default - empty selects the in-memory index
}

// applyBackupDefaults sets snapshot engine defaults.
func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.DedupEnabled == nil {
		enabled := true
		cfg.DedupEnabled = &enabled
	}
	if cfg.Compression == "" {
		cfg.Compression = "auto"
	}
	if cfg.Encryption == "" {
		cfg.Encryption = "aes-gcm"
	}
	if cfg.MaxChainLength == 0 {
		cfg.MaxChainLength = 20
	}
	if cfg.FullEvery == 0 {
		cfg.FullEvery = 10
	}
}

// applyWALDefaults sets write-ahead log defaults.
// The WAL directory is required (durability depends on it) and has no default.
func applyWALDefaults(cfg *WALConfig) {
	if cfg.SegmentMaxSize == 0 {
		cfg.SegmentMaxSize = bytesize.ByteSize(16 * bytesize.MiB)
	}
	if cfg.CompressRotated == nil {
		compress := true
		cfg.CompressRotated = &compress
	}
	if cfg.Retention == 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.RingCapacity == 0 {
		cfg.RingCapacity = 1000
	}
	if cfg.CheckpointDir == "" && cfg.Dir != "" {
		cfg.CheckpointDir = filepath.Join(cfg.Dir, "checkpoints")
	}
	if cfg.MaxCheckpoints == 0 {
		cfg.MaxCheckpoints = 48
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 15 * time.Minute
	}
}

// applyLifecycleDefaults sets tier transition defaults.
func applyLifecycleDefaults(cfg *LifecycleConfig) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	if len(cfg.Transitions) == 0 {
		cfg.Transitions = []TransitionRuleConfig{
			{From: "hot", To: "warm", AfterDays: 7, Enabled: true},
			{From: "warm", To: "cold", AfterDays: 30, Enabled: true},
			{From: "cold", To: "glacier", AfterDays: 90, Enabled: true},
		}
	}
}

// applyHealthDefaults sets health monitor defaults.
func applyHealthDefaults(cfg *HealthConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
}

// applyDisasterDefaults sets disaster-recovery orchestrator defaults.
func applyDisasterDefaults(cfg *DisasterConfig) {
	// AutoFailover defaults to false (manual recovery by default)
	if cfg.FailoverDelay == 0 {
		cfg.FailoverDelay = 30 * time.Second
	}
}

// applyJobsDefaults sets scheduler and worker pool defaults.
// WorkerID has no default here; the assembly derives one from the
// hostname and PID when the field is empty.
func applyJobsDefaults(cfg *JobsConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 64
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.ForceCancelAfter == 0 {
		cfg.ForceCancelAfter = 5 * time.Minute
	}
	// Queues has no default - empty subscribes to every queue
}

// applyFleetDefaults sets fleet coordinator defaults.
// The Redis URL is required and has no default.
func applyFleetDefaults(cfg *FleetConfig) {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 30 * time.Second
	}
}

// applyAIDefaults sets AI collaborator defaults.
func applyAIDefaults(cfg *AIConfig) {
	if cfg.Provider == "" {
		cfg.Provider = "anthropic"
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
}

// applySolverDefaults sets FEM solver defaults.
func applySolverDefaults(cfg *SolverConfig) {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "ccx"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
}

// applySecurityDefaults sets security defaults.
func applySecurityDefaults(cfg *SecurityConfig) {
	if cfg.SecretKey == "" {
		cfg.SecretKey = DefaultSecretKey
	}
	// Bypass toggles default to false; production validation rejects them
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Database: repo.Config{
			Type: repo.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
		WAL: WALConfig{
			Dir: "/tmp/forgevault/wal",
		},
		Fleet: FleetConfig{
			RedisURL: "redis://localhost:6379/0",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
