package service

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Operations         *prometheus.CounterVec
	OperationLatency   *prometheus.HistogramVec
	PostCommitFailures *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_operations_total",
				Help: "Vault operations by outcome.",
			},
			[]string{"operation", "result"},
		),
		OperationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vault_operation_duration_seconds",
				Help:    "Vault operation duration in seconds, including the ledger round trip.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		PostCommitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vault_post_commit_failures_total",
				Help: "Best-effort steps after a confirmed operation that failed.",
			},
			[]string{"step"},
		),
	}

	registry.MustRegister(m.Operations, m.OperationLatency, m.PostCommitFailures)
	return m
}

func (m *Metrics) observe(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.OperationLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) postCommitFailure(step string) {
	if m == nil {
		return
	}
	m.PostCommitFailures.WithLabelValues(step).Inc()
}
