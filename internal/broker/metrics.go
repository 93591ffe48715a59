package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the broker-level Prometheus collectors. Gateway collectors
// are registered on the same registry.
type metrics struct {
	authzDecisions *prometheus.CounterVec
	reloads        *prometheus.CounterVec
	policyLoadedAt prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		authzDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_broker_authz_decisions_total",
				Help: "Authorization decisions by outcome",
			},
			[]string{"outcome"},
		),

		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_broker_reloads_total",
				Help: "Credential and policy reloads by kind and result",
			},
			[]string{"kind", "result"},
		),

		policyLoadedAt: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mq_broker_authz_policy_loaded_timestamp_seconds",
				Help: "Unix time the active authorization policy was loaded",
			},
		),
	}

	reg.MustRegister(m.authzDecisions, m.reloads, m.policyLoadedAt)
	return m
}

func (m *metrics) reload(kind string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reloads.WithLabelValues(kind, result).Inc()
}
