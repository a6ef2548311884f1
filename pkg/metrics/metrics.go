// Package metrics provides the Prometheus collectors and the
// operational HTTP listener.
//
// Collectors are constructed against an explicit prometheus.Registerer
// and handed to the subsystems that feed them: job metrics plug into
// the scheduler's transition hook, backup and WAL metrics implement
// those packages' Observer interfaces, breaker state is collected on
// scrape, and disaster alerts are counted through a Notifier. Every
// collector type is safe to use as a nil pointer, which records
// nothing, so callers never branch on whether metrics are enabled.
//
// The process-wide registry is created once with InitRegistry and
// served by the listener's /metrics route.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// namespace prefixes every metric name.
const namespace = "forgevault"

var (
	registryMu sync.Mutex
	registry   *prometheus.Registry
)

// InitRegistry creates the process-wide metrics registry with the
// standard Go runtime and process collectors attached. Calling it again
// is a no-op. Until it is called, IsEnabled reports false and
// GetRegistry returns nil.
func InitRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()

	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry != nil
}

// GetRegistry returns the process-wide registry, or nil when metrics
// are disabled.
func GetRegistry() *prometheus.Registry {
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry
}
