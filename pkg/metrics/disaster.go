package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgevault/forgevault/pkg/disaster"
)

// AlertNotifier counts disaster lifecycle alerts. It registers with the
// orchestrator like any other notification channel and never fails a
// delivery, so it does not show up in the event's notification errors.
type AlertNotifier struct {
	alerts *prometheus.CounterVec
}

var _ disaster.Notifier = (*AlertNotifier)(nil)

// NewAlertNotifier creates and registers the disaster alert counter.
func NewAlertNotifier(reg prometheus.Registerer) *AlertNotifier {
	return &AlertNotifier{
		alerts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "disaster",
				Name:      "alerts_total",
				Help:      "Disaster lifecycle alerts by phase, kind, and severity",
			},
			[]string{"phase", "kind", "severity"},
		),
	}
}

// Name implements disaster.Notifier.
func (n *AlertNotifier) Name() string { return "metrics" }

// Send implements disaster.Notifier.
func (n *AlertNotifier) Send(_ context.Context, alert disaster.Alert) error {
	if n == nil {
		return nil
	}
	n.alerts.WithLabelValues(alert.Phase, alert.Kind, alert.Severity).Inc()
	return nil
}
