package config

import (
	"github.com/forgevault/forgevault/internal/logger"
	"github.com/forgevault/forgevault/pkg/metrics"
)

// MetricsResult carries the collectors InitializeMetrics created so the
// registry assembly can wire them into the components that feed them.
// Every field is nil when metrics are disabled.
type MetricsResult struct {
	// Jobs observes scheduler status transitions.
	Jobs *metrics.JobMetrics

	// Backups observes snapshot creation, restores, and verifications.
	Backups *metrics.BackupMetrics

	// WAL observes log appends, segment rotations, and checkpoints.
	WAL *metrics.WALMetrics

	// Alerts counts disaster lifecycle notifications.
	Alerts *metrics.AlertNotifier
}

// InitializeMetrics initializes the process metrics registry and the
// component collectors when metrics are enabled.
//
// Call this before InitializeRegistry so every component observes its
// operations from the first one.
func InitializeMetrics(cfg *Config) MetricsResult {
	if !cfg.Metrics.Enabled {
		logger.Debug("Metrics collection disabled")
		return MetricsResult{}
	}

	metrics.InitRegistry()
	reg := metrics.GetRegistry()
	logger.Debug("Metrics registry initialized")

	return MetricsResult{
		Jobs:    metrics.NewJobMetrics(reg),
		Backups: metrics.NewBackupMetrics(reg),
		WAL:     metrics.NewWALMetrics(reg),
		Alerts:  metrics.NewAlertNotifier(reg),
	}
}
