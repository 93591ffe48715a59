package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus collectors
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	payloadBytes    *prometheus.HistogramVec
}

// NewMetrics creates the gateway collectors and registers them with reg. A
// nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "mq_gateway_sessions_active",
				Help: "Number of sessions currently served by the gateway",
			},
		),

		sessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mq_gateway_sessions_total",
				Help: "Total number of sessions served",
			},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_gateway_requests_total",
				Help: "Total number of requests by operation and outcome",
			},
			[]string{"op", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mq_gateway_request_duration_seconds",
				Help:    "Request handling latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mq_gateway_errors_total",
				Help: "Total number of ERROR frames sent by reason code",
			},
			[]string{"code"},
		),

		payloadBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mq_gateway_payload_bytes",
				Help:    "Payload size of enqueued and delivered messages",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"op"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.sessionsActive,
			m.sessionsTotal,
			m.requestsTotal,
			m.requestDuration,
			m.errorsTotal,
			m.payloadBytes,
		)
	}
	return m
}

func (m *Metrics) sessionStarted() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *Metrics) sessionEnded() {
	m.sessionsActive.Dec()
}

func (m *Metrics) request(op Op, status string, seconds float64) {
	m.requestsTotal.WithLabelValues(op.String(), status).Inc()
	m.requestDuration.WithLabelValues(op.String()).Observe(seconds)
}

func (m *Metrics) errorSent(code Code) {
	m.errorsTotal.WithLabelValues(code.String()).Inc()
}

func (m *Metrics) payload(op Op, n int) {
	m.payloadBytes.WithLabelValues(op.String()).Observe(float64(n))
}
