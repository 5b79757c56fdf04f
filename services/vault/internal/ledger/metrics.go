package ledger

import (
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	InstructionsTotal   *prometheus.CounterVec
	InstructionDuration *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		InstructionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_instructions_total",
				Help: "Total ledger instructions by outcome.",
			},
			[]string{"instruction", "status"},
		),
		InstructionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_instruction_duration_seconds",
				Help:    "Ledger instruction processing duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"instruction"},
		),
	}

	registry.MustRegister(m.InstructionsTotal, m.InstructionDuration)
	return m
}

// ObserveInstruction labels rejections with the ledger error code.
func (m *Metrics) ObserveInstruction(name string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = account.CodeOf(err)
		if status == "" {
			status = "error"
		}
	}
	m.InstructionsTotal.WithLabelValues(name, status).Inc()
	m.InstructionDuration.WithLabelValues(name).Observe(duration.Seconds())
}
