package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgevault/forgevault/pkg/backup"
	"github.com/forgevault/forgevault/pkg/repo"
)

// BackupMetrics implements backup.Observer over Prometheus collectors.
// A nil *BackupMetrics records nothing.
type BackupMetrics struct {
	snapshots       *prometheus.CounterVec
	logicalBytes    *prometheus.HistogramVec
	uniqueBytes     prometheus.Counter
	dedupHits       prometheus.Counter
	dedupRatio      prometheus.Histogram
	createDuration  *prometheus.HistogramVec
	restores        prometheus.Counter
	restoreBytes    prometheus.Histogram
	restoreDuration prometheus.Histogram
	verifications   *prometheus.CounterVec
}

var _ backup.Observer = (*BackupMetrics)(nil)

// payloadBuckets covers document payloads from small sketches to large
// assemblies.
var payloadBuckets = []float64{
	16 * 1024,        // 16KiB
	128 * 1024,       // 128KiB
	1024 * 1024,      // 1MiB
	8 * 1024 * 1024,  // 8MiB
	32 * 1024 * 1024, // 32MiB
	128 * 1024 * 1024,
	512 * 1024 * 1024,
}

// NewBackupMetrics creates and registers the backup collectors.
func NewBackupMetrics(reg prometheus.Registerer) *BackupMetrics {
	return &BackupMetrics{
		snapshots: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "snapshots_total",
				Help:      "Snapshots created by kind",
			},
			[]string{"kind"},
		),
		logicalBytes: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "logical_bytes",
				Help:      "Pre-dedup payload size of created snapshots",
				Buckets:   payloadBuckets,
			},
			[]string{"kind"},
		),
		uniqueBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "unique_bytes_total",
				Help:      "Bytes actually added to the chunk store across snapshots",
			},
		),
		dedupHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "dedup_hits_total",
				Help:      "Chunk references served by chunks that already existed",
			},
		),
		dedupRatio: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "dedup_ratio",
				Help:      "Per-snapshot dedup ratio (1 - unique/logical)",
				Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		createDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "create_duration_seconds",
				Help:      "Snapshot creation time by kind, chunking through descriptor write",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"kind"},
		),
		restores: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "restores_total",
				Help:      "Successful payload restores, verification included",
			},
		),
		restoreBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "restore_bytes",
				Help:      "Restored payload sizes",
				Buckets:   payloadBuckets,
			},
		),
		restoreDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "restore_duration_seconds",
				Help:      "Payload restore time",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),
		verifications: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backup",
				Name:      "verifications_total",
				Help:      "Verification runs by outcome",
			},
			[]string{"status"},
		),
	}
}

// ObserveCreate implements backup.Observer.
func (m *BackupMetrics) ObserveCreate(snap *repo.Snapshot, dedupHits int, duration time.Duration) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(snap.Kind).Inc()
	m.logicalBytes.WithLabelValues(snap.Kind).Observe(float64(snap.LogicalSize))
	m.uniqueBytes.Add(float64(snap.UniqueSize))
	m.dedupHits.Add(float64(dedupHits))
	m.dedupRatio.Observe(snap.DedupRatio)
	m.createDuration.WithLabelValues(snap.Kind).Observe(duration.Seconds())
}

// ObserveRestore implements backup.Observer.
func (m *BackupMetrics) ObserveRestore(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.restores.Inc()
	m.restoreBytes.Observe(float64(bytes))
	m.restoreDuration.Observe(duration.Seconds())
}

// ObserveVerify implements backup.Observer.
func (m *BackupMetrics) ObserveVerify(status backup.VerifyStatus, duration time.Duration) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(string(status)).Inc()
}
