package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgevault/forgevault/pkg/repo"
)

// JobMetrics tracks scheduler activity. Its ObserveTransition method
// matches the scheduler's OnTransition hook signature, so wiring is
//
//	sched, _ := jobs.NewScheduler(jobs.Config{
//		OnTransition: jobMetrics.ObserveTransition,
//	}, ...)
//
// A nil *JobMetrics records nothing.
type JobMetrics struct {
	transitions *prometheus.CounterVec
	running     *prometheus.GaugeVec
	retries     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewJobMetrics creates and registers the job collectors.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	return &JobMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "transitions_total",
				Help:      "Job status transitions by flow and edge",
			},
			[]string{"flow", "from", "to"},
		),
		running: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "running",
				Help:      "Jobs currently executing by flow",
			},
			[]string{"flow"},
		),
		retries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "retries_total",
				Help:      "Retry executions by flow",
			},
			[]string{"flow"},
		),
		duration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Wall-clock time from first start to terminal status by flow",
				Buckets: []float64{
					0.1, // trivial scripts
					0.5,
					1,
					5,
					15,
					30,
					60,  // default per-job timeout territory
					120,
					300,
					600, // solver-bound FEM runs
				},
			},
			[]string{"flow", "status"},
		),
	}
}

// ObserveTransition records one status transition. Terminal transitions
// with both timestamps on the row also observe the job's total runtime.
func (m *JobMetrics) ObserveTransition(job *repo.Job, from, to string) {
	if m == nil {
		return
	}

	m.transitions.WithLabelValues(job.Flow, from, to).Inc()

	switch {
	case to == repo.JobStatusRunning && from != repo.JobStatusRunning:
		m.running.WithLabelValues(job.Flow).Inc()
	case from == repo.JobStatusRunning && to != repo.JobStatusRunning:
		m.running.WithLabelValues(job.Flow).Dec()
	}

	if from == repo.JobStatusFailed && to == repo.JobStatusRunning {
		m.retries.WithLabelValues(job.Flow).Inc()
	}

	// FinishedAt is only set on terminal transitions; a failed job
	// awaiting retry does not carry one.
	if job.StartedAt != nil && job.FinishedAt != nil && to != repo.JobStatusRunning {
		m.duration.WithLabelValues(job.Flow, to).
			Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
}
