package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// apiMetrics holds the server's Prometheus collectors. Each server owns its
// registry so multiple instances can coexist in one process.
type apiMetrics struct {
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	solves    *prometheus.CounterVec
	wsClients prometheus.Gauge
}

func newAPIMetrics() *apiMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &apiMetrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio_engine",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "portfolio_engine",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		solves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portfolio_engine",
			Subsystem: "solver",
			Name:      "optimizations_total",
			Help:      "Optimization solves by method and terminal status.",
		}, []string{"method", "status"}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "portfolio_engine",
			Subsystem: "api",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket clients.",
		}),
	}
}
