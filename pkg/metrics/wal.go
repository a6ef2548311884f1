package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgevault/forgevault/pkg/wal"
)

// WALMetrics implements wal.Observer over Prometheus collectors. A nil
// *WALMetrics records nothing.
type WALMetrics struct {
	appends        *prometheus.CounterVec
	appendBytes    prometheus.Counter
	appendDuration prometheus.Histogram
	rotations      prometheus.Counter
	segmentBytes   prometheus.Histogram
	checkpoints    prometheus.Counter
	stateBytes     prometheus.Histogram
}

var _ wal.Observer = (*WALMetrics)(nil)

// NewWALMetrics creates and registers the write-ahead log collectors.
func NewWALMetrics(reg prometheus.Registerer) *WALMetrics {
	return &WALMetrics{
		appends: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "appends_total",
				Help:      "Durable log appends by entry kind",
			},
			[]string{"kind"},
		),
		appendBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "append_bytes_total",
				Help:      "Encoded entry bytes written to segments",
			},
		),
		appendDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "append_duration_seconds",
				Help:      "Append latency, lock wait and fsync included",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),
		rotations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "rotations_total",
				Help:      "Segment rotations",
			},
		),
		segmentBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "segment_bytes",
				Help:      "Rotated segment sizes before compression",
				Buckets: []float64{
					1024 * 1024,      // early rotation under pressure
					4 * 1024 * 1024,
					16 * 1024 * 1024, // default rotation threshold
					64 * 1024 * 1024,
				},
			},
		),
		checkpoints: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "checkpoints_total",
				Help:      "Checkpoint documents written",
			},
		),
		stateBytes: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "wal",
				Name:      "checkpoint_state_bytes",
				Help:      "Serialized checkpoint state sizes",
				Buckets:   payloadBuckets,
			},
		),
	}
}

// ObserveAppend implements wal.Observer.
func (m *WALMetrics) ObserveAppend(kind wal.EntryKind, bytes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(string(kind)).Inc()
	m.appendBytes.Add(float64(bytes))
	m.appendDuration.Observe(duration.Seconds())
}

// ObserveRotate implements wal.Observer.
func (m *WALMetrics) ObserveRotate(segmentBytes int64) {
	if m == nil {
		return
	}
	m.rotations.Inc()
	m.segmentBytes.Observe(float64(segmentBytes))
}

// ObserveCheckpoint implements wal.Observer.
func (m *WALMetrics) ObserveCheckpoint(stateBytes int) {
	if m == nil {
		return
	}
	m.checkpoints.Inc()
	m.stateBytes.Observe(float64(stateBytes))
}
