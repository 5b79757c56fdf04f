package tracker

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Fetches       *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	Alerts        *prometheus.CounterVec
	CacheSize     prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_fetches_total",
				Help: "Ledger balance fetches by outcome.",
			},
			[]string{"status"},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tracker_fetch_duration_seconds",
				Help:    "Ledger balance fetch duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracker_alerts_total",
				Help: "Alerts raised by type and severity.",
			},
			[]string{"type", "severity"},
		),
		CacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tracker_cache_size",
				Help: "Number of vaults in the balance cache.",
			},
		),
	}

	registry.MustRegister(m.Fetches, m.FetchDuration, m.Alerts, m.CacheSize)
	return m
}

func (m *Metrics) observeFetch(status string, seconds float64, size int) {
	if m == nil {
		return
	}
	m.Fetches.WithLabelValues(status).Inc()
	m.FetchDuration.Observe(seconds)
	m.CacheSize.Set(float64(size))
}

func (m *Metrics) incAlert(alert Alert) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
}
