package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus instruments for the controller. A
// private registry keeps tests free of duplicate-registration panics.
type Metrics struct {
	Failovers          *prometheus.CounterVec
	PromotionSeconds   prometheus.Histogram
	NodesByState       *prometheus.GaugeVec
	ReplicationLag     *prometheus.GaugeVec
	EndpointGeneration prometheus.Gauge
	ScalingDecisions   *prometheus.CounterVec
	Observations       *prometheus.CounterVec
	Alerts             *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all controller metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_failovers_total",
				Help: "Total promotions attempted, by result",
			},
			[]string{"result"},
		),
		PromotionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "steward_promotion_duration_seconds",
				Help:    "Wall time from primary-down confirmation to a published primary",
				Buckets: prometheus.DefBuckets,
			},
		),
		NodesByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_nodes",
				Help: "Nodes by role and health",
			},
			[]string{"role", "health"},
		),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "steward_replication_lag_seconds",
				Help: "Last observed replication lag per node",
			},
			[]string{"node"},
		),
		EndpointGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "steward_endpoint_generation",
				Help: "Generation of the last published endpoint mapping",
			},
		),
		ScalingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_scaling_decisions_total",
				Help: "Scaling decisions emitted, by direction",
			},
			[]string{"direction"},
		),
		Observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_observations_total",
				Help: "Failure-detector observations processed, by verdict",
			},
			[]string{"verdict"},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "steward_alerts_total",
				Help: "Alerts raised, by severity",
			},
			[]string{"severity"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.Failovers,
		m.PromotionSeconds,
		m.NodesByState,
		m.ReplicationLag,
		m.EndpointGeneration,
		m.ScalingDecisions,
		m.Observations,
		m.Alerts,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
