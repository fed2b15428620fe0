package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cipherfan"

// Registry holds all application metrics.
type Registry struct {
	registry *prometheus.Registry

	// Fan-out metrics
	FanoutDevices  *prometheus.CounterVec
	FanoutDuration *prometheus.HistogramVec

	// Session metrics
	SessionsEstablished *prometheus.CounterVec
	SessionsDeleted     *prometheus.CounterVec
	DecryptFailures     *prometheus.CounterVec

	// Directory metrics
	DeviceCacheLookups *prometheus.CounterVec

	// Relay metrics
	RelayRequests *prometheus.CounterVec
}

// NewRegistry creates a registry with every metric registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		FanoutDevices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "devices_total",
			Help:      "Per-device fan-out outcomes by stage and result",
		}, []string{"stage", "result"}),
		FanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "duration_seconds",
			Help:      "Wall time of a fan-out operation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"content_type"}),
		SessionsEstablished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "established_total",
			Help:      "Sessions established, by role",
		}, []string{"role"}),
		SessionsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "deleted_total",
			Help:      "Sessions deleted, by reason",
		}, []string{"reason"}),
		DecryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "decrypt_failures_total",
			Help:      "Decrypt failures by error kind",
		}, []string{"kind"}),
		DeviceCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "cache_lookups_total",
			Help:      "Device cache lookups by result (hit, miss, error)",
		}, []string{"result"}),
		RelayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by endpoint and status code",
		}, []string{"endpoint", "code"}),
	}

	r.registry.MustRegister(
		r.FanoutDevices,
		r.FanoutDuration,
		r.SessionsEstablished,
		r.SessionsDeleted,
		r.DecryptFailures,
		r.DeviceCacheLookups,
		r.RelayRequests,
		collectors.NewGoCollector(),
	)
	return r
}

// Registerer exposes the underlying registry for components that register
// their own collectors.
func (r *Registry) Registerer() prometheus.Registerer { return r.registry }

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
