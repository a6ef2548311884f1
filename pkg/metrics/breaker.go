package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/forgevault/forgevault/pkg/resilience"
)

// BreakerCollector exports circuit breaker state on scrape. Breakers
// change state inside gobreaker; polling their state at collection time
// avoids threading a callback through the resilience package.
type BreakerCollector struct {
	set *resilience.BreakerSet

	stateDesc    *prometheus.Desc
	requestsDesc *prometheus.Desc
	failuresDesc *prometheus.Desc
}

var _ prometheus.Collector = (*BreakerCollector)(nil)

// NewBreakerCollector creates the collector and registers it. The state
// gauge is 0 closed, 1 half-open, 2 open.
func NewBreakerCollector(reg prometheus.Registerer, set *resilience.BreakerSet) *BreakerCollector {
	c := &BreakerCollector{
		set: set,
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "state"),
			"Circuit breaker state (0 closed, 1 half-open, 2 open)",
			[]string{"breaker"}, nil,
		),
		requestsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "window_requests"),
			"Requests counted in the breaker's current window",
			[]string{"breaker"}, nil,
		),
		failuresDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "window_failures"),
			"Failures counted in the breaker's current window",
			[]string{"breaker"}, nil,
		),
	}
	if reg != nil {
		reg.MustRegister(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *BreakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.stateDesc
	ch <- c.requestsDesc
	ch <- c.failuresDesc
}

// Collect implements prometheus.Collector.
func (c *BreakerCollector) Collect(ch chan<- prometheus.Metric) {
	if c.set == nil {
		return
	}
	for _, b := range []*resilience.Breaker{c.set.Storage, c.set.AI, c.set.Solver} {
		if b == nil {
			continue
		}
		counts := b.Counts()
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue,
			stateValue(b.State()), b.Name())
		ch <- prometheus.MustNewConstMetric(c.requestsDesc, prometheus.GaugeValue,
			float64(counts.Requests), b.Name())
		ch <- prometheus.MustNewConstMetric(c.failuresDesc, prometheus.GaugeValue,
			float64(counts.TotalFailures), b.Name())
	}
}

func stateValue(state string) float64 {
	switch state {
	case gobreaker.StateHalfOpen.String():
		return 1
	case gobreaker.StateOpen.String():
		return 2
	default:
		return 0
	}
}
