package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}

// metrics is registered on its own registry so several services can coexist
// in one process.
type metrics struct {
	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	outcomesTotal  *prometheus.CounterVec
	openSessions   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowext",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowext",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		outcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowext",
			Subsystem: "editor",
			Name:      "outcomes_total",
			Help:      "Outcomes emitted to the host, by name",
		}, []string{"name"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowext",
			Subsystem: "editor",
			Name:      "sessions_open",
			Help:      "Editor sessions cached in memory",
		}),
	}
	m.registry.MustRegister(m.requestTotal, m.requestLatency, m.outcomesTotal, m.openSessions)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *metrics) recordOutcome(name string) {
	m.outcomesTotal.With(prometheus.Labels{"name": name}).Inc()
}

// routeLabel collapses ids so label cardinality stays bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	switch {
	case len(parts) >= 3 && parts[0] == "api" && parts[1] == "sessions":
		if len(parts) == 3 {
			return "/api/sessions/{id}"
		}
		return "/api/sessions/{id}/" + parts[3]
	case len(parts) >= 4 && parts[0] == "api" && parts[1] == "environments":
		return "/api/environments/{envId}/" + parts[3]
	}
	switch path {
	case "/api/health", "/api/ready", "/api/sessions", "/api/diff", "/metrics":
		return path
	}
	return "other"
}
