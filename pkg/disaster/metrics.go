package disaster

import (
	"context"
	"fmt"

	"github.com/forgevault/forgevault/pkg/repo"
)

// emaAlpha weights the most recent recovery in the moving average.
const emaAlpha = 0.3

// Metrics aggregates disaster recovery outcomes across all recorded
// events.
type Metrics struct {
	TotalEvents int            `json:"total_events"`
	ByKind      map[string]int `json:"by_kind"`
	BySeverity  map[string]int `json:"by_severity"`

	Open       int `json:"open"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`

	// MTTRMinutes is the mean recovery time over completed events;
	// EMAMinutes is the exponential moving average, weighting recent
	// recoveries higher.
	MTTRMinutes float64 `json:"mttr_minutes"`
	EMAMinutes  float64 `json:"ema_minutes"`

	// RTOCompliance and RPOCompliance are the fractions of completed
	// events that met their recovery time and data loss targets.
	RTOCompliance float64 `json:"rto_compliance"`
	RPOCompliance float64 `json:"rpo_compliance"`
}

// Metrics computes recovery statistics from the event history.
func (o *Orchestrator) Metrics(ctx context.Context) (*Metrics, error) {
	events, err := o.deps.Store.ListEvents(ctx, repo.EventFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing disaster events: %w", err)
	}
	return ComputeMetrics(events), nil
}

// ComputeMetrics aggregates recovery statistics from an event history,
// given newest first as ListEvents returns it. Exposed so operator
// tooling can report without an orchestrator.
func ComputeMetrics(events []*repo.DisasterEvent) *Metrics {
	m := &Metrics{
		TotalEvents: len(events),
		ByKind:      make(map[string]int),
		BySeverity:  make(map[string]int),
	}

	// The moving average needs oldest to newest.
	var completed []*repo.DisasterEvent
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		m.ByKind[event.Kind]++
		m.BySeverity[event.Severity]++
		switch event.Status {
		case repo.EventStatusCompleted:
			m.Completed++
			completed = append(completed, event)
		case repo.EventStatusFailed:
			m.Failed++
		case repo.EventStatusRolledBack:
			m.RolledBack++
		default:
			m.Open++
		}
	}
	if len(completed) == 0 {
		return m
	}

	var sum float64
	var rtoMet, rpoMet int
	for i, event := range completed {
		sum += event.RecoveryMinutes
		if i == 0 {
			m.EMAMinutes = event.RecoveryMinutes
		} else {
			m.EMAMinutes = emaAlpha*event.RecoveryMinutes + (1-emaAlpha)*m.EMAMinutes
		}
		if event.RTOMinutes == 0 || event.RecoveryMinutes <= float64(event.RTOMinutes) {
			rtoMet++
		}
		if event.RPOMinutes == 0 || event.DataLossMinutes <= float64(event.RPOMinutes) {
			rpoMet++
		}
	}
	n := float64(len(completed))
	m.MTTRMinutes = sum / n
	m.RTOCompliance = float64(rtoMet) / n
	m.RPOCompliance = float64(rpoMet) / n
	return m
}
