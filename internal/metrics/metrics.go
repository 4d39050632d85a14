// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instrumentation for the ingestion pipeline. Failures in
// the async phase are invisible to webhook callers, so these counters (plus
// logs) are the only place they surface.
type Metrics struct {
	registry *prometheus.Registry

	EventsAccepted     prometheus.Counter
	EventsRejected     prometheus.Counter
	EventsIgnored      prometheus.Counter
	PingsAcked         prometheus.Counter
	CommitsInserted    prometheus.Counter
	ProcessingFailures prometheus.Counter
	Broadcasts         prometheus.Counter
}

// New creates and registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_events_accepted_total",
			Help: "Webhook deliveries accepted for asynchronous processing.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_events_rejected_total",
			Help: "Webhook deliveries rejected at the boundary (bad signature or payload).",
		}),
		EventsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_events_ignored_total",
			Help: "Webhook deliveries for repositories with no subscription.",
		}),
		PingsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_pings_acked_total",
			Help: "Liveness-probe (ping) deliveries acknowledged.",
		}),
		CommitsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_commits_inserted_total",
			Help: "Commit records newly persisted (duplicates excluded).",
		}),
		ProcessingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_processing_failures_total",
			Help: "Asynchronous continuations that gave up after retries.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commitboard_broadcasts_total",
			Help: "Ranking snapshots handed to the broadcast hub.",
		}),
	}
	reg.MustRegister(
		m.EventsAccepted, m.EventsRejected, m.EventsIgnored, m.PingsAcked,
		m.CommitsInserted, m.ProcessingFailures, m.Broadcasts,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
