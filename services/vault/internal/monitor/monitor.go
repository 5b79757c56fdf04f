// Package monitor samples system-wide vault metrics and escalates security
// alerts on two independent loops.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const (
	MaxSamples        = 1440
	MaxSecurityAlerts = 1000

	DefaultMetricsInterval  = 60 * time.Second
	DefaultSecurityInterval = 30 * time.Second
)

type Sample struct {
	TotalVaults       int             `json:"total_vaults"`
	TotalTVL          decimal.Decimal `json:"total_tvl"`
	AverageBalance    decimal.Decimal `json:"average_balance"`
	TotalTransactions int64           `json:"total_transactions"`
	ActiveVaults      int             `json:"active_vaults"`
	Timestamp         time.Time       `json:"timestamp"`
}

type SecurityAlert struct {
	ID        uuid.UUID        `json:"id"`
	Source    uuid.UUID        `json:"source_alert_id"`
	Owner     uuid.UUID        `json:"owner"`
	Severity  tracker.Severity `json:"severity"`
	Message   string           `json:"message"`
	Timestamp time.Time        `json:"timestamp"`
}

type Source interface {
	Balances() []tracker.CachedBalance
	Alerts() []tracker.Alert
}

type TransactionCounter interface {
	CountTransactions(ctx context.Context) (int64, error)
}

type Config struct {
	MetricsInterval  time.Duration
	SecurityInterval time.Duration
}

type Metrics struct {
	TVL            prometheus.Gauge
	Vaults         prometheus.Gauge
	ActiveVaults   prometheus.Gauge
	SecurityAlerts prometheus.Counter
	LoopErrors     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TVL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_tvl_tokens",
			Help: "Total value locked across cached vaults.",
		}),
		Vaults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_cached_vaults",
			Help: "Vaults known to the balance cache.",
		}),
		ActiveVaults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vault_active_vaults",
			Help: "Cached vaults holding a non-zero balance.",
		}),
		SecurityAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vault_security_alerts_total",
			Help: "Security alerts escalated by the monitor.",
		}),
		LoopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_monitor_loop_errors_total",
			Help: "Monitor loop iterations that failed.",
		}, []string{"loop"}),
	}
	registry.MustRegister(m.TVL, m.Vaults, m.ActiveVaults, m.SecurityAlerts, m.LoopErrors)
	return m
}

type Monitor struct {
	source  Source
	counter TransactionCounter
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu        sync.RWMutex
	samples   []Sample
	security  []SecurityAlert
	escalated map[uuid.UUID]struct{}
}

func New(source Source, counter TransactionCounter, cfg Config, logger *slog.Logger, metrics *Metrics) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = DefaultMetricsInterval
	}
	if cfg.SecurityInterval <= 0 {
		cfg.SecurityInterval = DefaultSecurityInterval
	}
	return &Monitor{
		source:    source,
		counter:   counter,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
		escalated: make(map[uuid.UUID]struct{}),
	}
}

// Start launches both loops. They stop when ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, "metrics", m.cfg.MetricsInterval, func(ctx context.Context) error {
		sample, err := m.CollectMetrics(ctx)
		if err != nil {
			return err
		}
		m.logger.Info("vault metrics collected", "tvl", sample.TotalTVL.String(), "vaults", sample.TotalVaults, "transactions", sample.TotalTransactions)
		return nil
	})
	go m.loop(ctx, "security", m.cfg.SecurityInterval, func(ctx context.Context) error {
		m.SecurityCheck()
		return nil
	})
	m.logger.Info("vault monitor started", "metrics_interval", m.cfg.MetricsInterval.String(), "security_interval", m.cfg.SecurityInterval.String())
}

// loop runs immediately and then once per interval.
func (m *Monitor) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	tick := func() {
		if err := m.runOnce(ctx, name, run); err != nil {
			m.logger.Error("monitor iteration failed", "loop", name, "error", err)
			if m.metrics != nil {
				m.metrics.LoopErrors.WithLabelValues(name).Inc()
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	tick()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

func (m *Monitor) runOnce(ctx context.Context, name string, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s loop panic: %v", name, r)
		}
	}()
	return run(ctx)
}

// CollectMetrics takes one sample and appends it to the history.
func (m *Monitor) CollectMetrics(ctx context.Context) (Sample, error) {
	var transactions int64
	if m.counter != nil {
		count, err := m.counter.CountTransactions(ctx)
		if err != nil {
			return Sample{}, fmt.Errorf("count transactions: %w", err)
		}
		transactions = count
	}

	balances := m.source.Balances()
	tvl := decimal.Zero
	active := 0
	for _, b := range balances {
		tvl = tvl.Add(decimal.NewFromBigInt(uint64Big(b.TotalBalance), 0))
		if b.TotalBalance > 0 {
			active++
		}
	}
	average := decimal.Zero
	if len(balances) > 0 {
		average = tvl.Div(decimal.NewFromInt(int64(len(balances)))).Floor()
	}

	sample := Sample{
		TotalVaults:       len(balances),
		TotalTVL:          tvl,
		AverageBalance:    average,
		TotalTransactions: transactions,
		ActiveVaults:      active,
		Timestamp:         m.now(),
	}

	m.mu.Lock()
	m.samples = appendBounded(m.samples, sample, MaxSamples)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.TVL.Set(tvl.InexactFloat64())
		m.metrics.Vaults.Set(float64(sample.TotalVaults))
		m.metrics.ActiveVaults.Set(float64(active))
	}
	return sample, nil
}

// SecurityCheck escalates unseen UnauthorizedAccess alerts to CRITICAL and
// returns the ones it escalated.
func (m *Monitor) SecurityCheck() []SecurityAlert {
	alerts := m.source.Alerts()

	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[uuid.UUID]struct{}, len(alerts))
	var fresh []SecurityAlert
	for _, alert := range alerts {
		if alert.Type != tracker.AlertUnauthorizedAccess {
			continue
		}
		present[alert.ID] = struct{}{}
		if _, done := m.escalated[alert.ID]; done {
			continue
		}
		m.escalated[alert.ID] = struct{}{}
		sa := SecurityAlert{
			ID:        uuid.New(),
			Source:    alert.ID,
			Owner:     alert.Owner,
			Severity:  tracker.SeverityCritical,
			Message:   alert.Message,
			Timestamp: alert.Timestamp,
		}
		m.security = appendBounded(m.security, sa, MaxSecurityAlerts)
		fresh = append(fresh, sa)
		m.logger.Error("security alert", "owner", alert.Owner.String(), "message", alert.Message)
	}
	// Alerts that left the tracker buffer never come back.
	for id := range m.escalated {
		if _, ok := present[id]; !ok {
			delete(m.escalated, id)
		}
	}
	if m.metrics != nil {
		m.metrics.SecurityAlerts.Add(float64(len(fresh)))
	}
	return fresh
}

func (m *Monitor) Current() (Sample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.samples) == 0 {
		return Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

// History returns up to limit of the newest samples, oldest first.
func (m *Monitor) History(limit int) []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.samples) > limit {
		start = len(m.samples) - limit
	}
	return append([]Sample(nil), m.samples[start:]...)
}

func (m *Monitor) SecurityAlerts() []SecurityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SecurityAlert(nil), m.security...)
}

func appendBounded[T any](items []T, item T, max int) []T {
	items = append(items, item)
	if over := len(items) - max; over > 0 {
		items = append(items[:0:0], items[over:]...)
	}
	return items
}

func uint64Big(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}
