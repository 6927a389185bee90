// Package metrics defines the observability hooks of the ferment server and
// the HTTP endpoint that exposes them to Prometheus.
//
// Metrics are optional. Until InitRegistry is called every constructor
// returns a no-op implementation, so the request path pays nothing when
// metrics are off.
//
// Usage:
//
//	metrics.InitRegistry()
//	httpMetrics := prometheus.NewHTTPMetrics()
//	srv := metrics.NewServer(metrics.ServerConfig{Port: 9090})
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// registry is written once by InitRegistry and read everywhere else
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry.
//
// Call it before creating any metrics instances. Later calls are ignored.
// The registry also carries the Go runtime and process collectors.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// GetRegistry returns the global Prometheus registry.
//
// Returns nil if InitRegistry has not been called.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
