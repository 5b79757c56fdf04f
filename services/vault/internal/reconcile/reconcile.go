// Package reconcile compares the tracker cache against fresh ledger state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var ErrMismatch = errors.New("balance mismatch")

type Status string

const (
	StatusMatch    Status = "MATCH"
	StatusMismatch Status = "MISMATCH"
)

type Record struct {
	Owner           uuid.UUID       `json:"owner"`
	OnchainBalance  uint64          `json:"onchain_balance"`
	OffchainBalance uint64          `json:"offchain_balance"`
	Discrepancy     decimal.Decimal `json:"discrepancy"`
	Status          Status          `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Balances is the tracker surface reconciliation needs.
type Balances interface {
	GetCachedBalance(owner uuid.UUID) (tracker.CachedBalance, bool)
	GetVaultBalance(ctx context.Context, owner uuid.UUID) (tracker.CachedBalance, error)
	Advance(ctx context.Context, owner uuid.UUID, slot uint64) (tracker.CachedBalance, error)
	RecordAlert(ctx context.Context, alert tracker.Alert) tracker.Alert
	Owners() []uuid.UUID
}

type Store interface {
	InsertReconciliation(ctx context.Context, rec storage.ReconciliationLog) error
}

type Metrics struct {
	Runs *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_runs_total",
				Help: "Reconciliations by outcome.",
			},
			[]string{"status"},
		),
	}
	registry.MustRegister(m.Runs)
	return m
}

func (m *Metrics) observe(status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
}

type Reconciler struct {
	balances Balances
	store    Store
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func New(balances Balances, store Store, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		balances: balances,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile compares the cached total read before the fetch with the total
// the fetch returns. An owner with no cache entry matches trivially.
func (r *Reconciler) Reconcile(ctx context.Context, owner uuid.UUID) (Record, error) {
	cached, hadCache := r.balances.GetCachedBalance(owner)
	fresh, err := r.balances.GetVaultBalance(ctx, owner)
	return r.compare(ctx, owner, cached, hadCache, fresh, err)
}

// ReconcileAfter reconciles owner once the ledger has committed slot at
// committedAt. A cache entry read before that commit has not had the chance
// to see it, so it is refreshed and treated like a missing entry.
func (r *Reconciler) ReconcileAfter(ctx context.Context, owner uuid.UUID, slot uint64, committedAt time.Time) (Record, error) {
	cached, hadCache := r.balances.GetCachedBalance(owner)
	if hadCache && cached.Behind(slot, committedAt) {
		hadCache = false
	}
	fresh, err := r.balances.Advance(ctx, owner, slot)
	return r.compare(ctx, owner, cached, hadCache, fresh, err)
}

func (r *Reconciler) compare(ctx context.Context, owner uuid.UUID, cached tracker.CachedBalance, hadCache bool, fresh tracker.CachedBalance, err error) (Record, error) {
	if err != nil {
		r.metrics.observe("error")
		return Record{}, fmt.Errorf("reconcile %s: %w", owner, err)
	}

	offchain := fresh.TotalBalance
	if hadCache {
		offchain = cached.TotalBalance
	}
	rec := Record{
		Owner:           owner,
		OnchainBalance:  fresh.TotalBalance,
		OffchainBalance: offchain,
		Discrepancy:     difference(fresh.TotalBalance, offchain),
		Status:          StatusMatch,
		Timestamp:       r.now(),
	}
	if rec.OnchainBalance != rec.OffchainBalance {
		rec.Status = StatusMismatch
	}

	if r.store != nil {
		err := r.store.InsertReconciliation(ctx, storage.ReconciliationLog{
			Owner:           owner,
			OnchainBalance:  rec.OnchainBalance,
			OffchainBalance: rec.OffchainBalance,
			Discrepancy:     rec.Discrepancy,
			Status:          string(rec.Status),
			CreatedAt:       rec.Timestamp,
		})
		if err != nil {
			r.logger.Warn("reconciliation log failed", "owner", owner.String(), "error", err)
		}
	}

	if rec.Status == StatusMatch {
		r.metrics.observe("match")
		return rec, nil
	}

	r.metrics.observe("mismatch")
	r.balances.RecordAlert(ctx, tracker.Alert{
		Owner:    owner,
		Type:     tracker.AlertDiscrepancy,
		Severity: tracker.SeverityCritical,
		Message:  fmt.Sprintf("Balance mismatch! Cached: %d, On-chain: %d", rec.OffchainBalance, rec.OnchainBalance),
	})
	return rec, ErrMismatch
}

type Summary struct {
	Checked    int `json:"checked"`
	Mismatched int `json:"mismatched"`
	Failed     int `json:"failed"`
}

// ReconcileAll reconciles every cached owner. Per-owner failures are counted
// and logged, not returned.
func (r *Reconciler) ReconcileAll(ctx context.Context) Summary {
	var sum Summary
	for _, owner := range r.balances.Owners() {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		_, err := r.Reconcile(ctx, owner)
		switch {
		case err == nil:
		case errors.Is(err, ErrMismatch):
			sum.Mismatched++
		default:
			sum.Failed++
			r.logger.Error("reconciliation failed", "owner", owner.String(), "error", err)
		}
	}
	return sum
}

// Start runs ReconcileAll every interval until ctx is done.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn("periodic reconciliation disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sum := r.ReconcileAll(ctx)
				if sum.Mismatched > 0 || sum.Failed > 0 {
					r.logger.Warn("reconciliation pass finished", "checked", sum.Checked, "mismatched", sum.Mismatched, "failed", sum.Failed)
				} else {
					r.logger.Debug("reconciliation pass finished", "checked", sum.Checked)
				}
			}
		}
	}()
}

func difference(onchain, offchain uint64) decimal.Decimal {
	d := new(big.Int).SetUint64(onchain)
	d.Sub(d, new(big.Int).SetUint64(offchain))
	return decimal.NewFromBigInt(d, 0)
}
