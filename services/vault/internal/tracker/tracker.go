// Package tracker mirrors vault balances from the ledger into a local cache
// and raises alerts on the balances it sees.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LedgerReader interface {
	FetchAccount(ctx context.Context, address uuid.UUID) ([]byte, error)
}

// Store receives balance history and alerts. Failures are logged only.
type Store interface {
	InsertSnapshot(ctx context.Context, snap storage.BalanceSnapshot) error
	InsertAlert(ctx context.Context, alert storage.Alert) error
}

// OwnerLister lists every owner with a recorded vault.
type OwnerLister interface {
	ListVaultOwners(ctx context.Context) ([]uuid.UUID, error)
}

type Option func(*Tracker)

func WithMirror(mirror Mirror) Option {
	return func(t *Tracker) { t.mirror = mirror }
}

func WithThresholds(th Thresholds) Option {
	return func(t *Tracker) {
		if th.LowBalance > 0 {
			t.thresholds.LowBalance = th.LowBalance
		}
		if th.HighLockedRatio.IsPositive() {
			t.thresholds.HighLockedRatio = th.HighLockedRatio
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(t *Tracker) { t.metrics = metrics }
}

func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

type Tracker struct {
	ledger     LedgerReader
	store      Store
	mirror     Mirror
	cache      *Cache
	alerts     *AlertBuffer
	thresholds Thresholds
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

func New(ledger LedgerReader, store Store, logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		ledger:     ledger,
		store:      store,
		cache:      NewCache(),
		alerts:     NewAlertBuffer(MaxAlerts),
		thresholds: DefaultThresholds(),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Warm loads mirrored balances into the cache.
func (t *Tracker) Warm(ctx context.Context) error {
	if t.mirror == nil {
		return nil
	}
	loaded, err := t.cache.Warm(ctx, t.mirror)
	if err != nil {
		return fmt.Errorf("warm cache: %w", err)
	}
	t.logger.Info("balance cache warmed", "vaults", loaded)
	return nil
}

// Preload fetches every listed owner that is not cached yet, so periodic
// reconciliation and the monitor cover all vaults after a cold start.
// Per-owner failures are logged and skipped.
func (t *Tracker) Preload(ctx context.Context, lister OwnerLister) (int, error) {
	owners, err := lister.ListVaultOwners(ctx)
	if err != nil {
		return 0, fmt.Errorf("list vault owners: %w", err)
	}
	loaded := 0
	for _, owner := range owners {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		if _, ok := t.cache.Get(owner); ok {
			continue
		}
		if _, err := t.GetVaultBalance(ctx, owner); err != nil {
			t.logger.Warn("vault preload failed", "owner", owner.String(), "error", err)
			continue
		}
		loaded++
	}
	t.logger.Info("balance cache preloaded", "vaults", loaded, "listed", len(owners))
	return loaded, nil
}

// GetVaultBalance fetches the owner's vault from the ledger, overwrites the
// cache entry and evaluates the alert rules.
func (t *Tracker) GetVaultBalance(ctx context.Context, owner uuid.UUID) (CachedBalance, error) {
	return t.fetch(ctx, owner, 0)
}

// Advance is GetVaultBalance after a confirmed commit at slot. The entry keeps
// the newest slot it has seen.
func (t *Tracker) Advance(ctx context.Context, owner uuid.UUID, slot uint64) (CachedBalance, error) {
	return t.fetch(ctx, owner, slot)
}

func (t *Tracker) fetch(ctx context.Context, owner uuid.UUID, slot uint64) (CachedBalance, error) {
	start := time.Now()
	data, err := t.ledger.FetchAccount(ctx, account.VaultAddress(owner))
	if err != nil {
		t.metrics.observeFetch("error", time.Since(start).Seconds(), t.cache.Size())
		return CachedBalance{}, fmt.Errorf("fetch vault %s: %w", owner, err)
	}
	vault, err := account.DecodeVault(data)
	if err != nil {
		t.metrics.observeFetch("error", time.Since(start).Seconds(), t.cache.Size())
		return CachedBalance{}, fmt.Errorf("decode vault %s: %w", owner, err)
	}

	balance := CachedBalance{
		Owner:            owner,
		TotalBalance:     vault.TotalBalance,
		LockedBalance:    vault.LockedBalance,
		AvailableBalance: vault.AvailableBalance,
		TotalDeposited:   vault.TotalDeposited,
		TotalWithdrawn:   vault.TotalWithdrawn,
		CreatedAt:        vault.CreatedAt,
		FetchedAt:        t.now(),
		Slot:             slot,
	}
	if prev, ok := t.cache.Get(owner); ok && prev.Slot > slot {
		balance.Slot = prev.Slot
	}
	t.cache.Set(balance)
	t.metrics.observeFetch("success", time.Since(start).Seconds(), t.cache.Size())

	if t.mirror != nil {
		if err := t.mirror.Save(ctx, balance); err != nil {
			t.logger.Warn("cache mirror write failed", "owner", owner.String(), "error", err)
		}
	}
	if t.store != nil {
		err := t.store.InsertSnapshot(ctx, storage.BalanceSnapshot{
			Owner:            owner,
			TotalBalance:     balance.TotalBalance,
			LockedBalance:    balance.LockedBalance,
			AvailableBalance: balance.AvailableBalance,
			TotalDeposited:   balance.TotalDeposited,
			TotalWithdrawn:   balance.TotalWithdrawn,
			CreatedAt:        balance.FetchedAt,
		})
		if err != nil {
			t.logger.Warn("balance snapshot failed", "owner", owner.String(), "error", err)
		}
	}

	for _, alert := range Evaluate(balance, t.thresholds) {
		alert.Owner = owner
		t.RecordAlert(ctx, alert)
	}
	return balance, nil
}

func (t *Tracker) GetCachedBalance(owner uuid.UUID) (CachedBalance, bool) {
	return t.cache.Get(owner)
}

// CalculateTVL sums the cached totals. It can lag the ledger between fetches.
func (t *Tracker) CalculateTVL() decimal.Decimal {
	return t.cache.TVL()
}

func (t *Tracker) Owners() []uuid.UUID {
	return t.cache.Owners()
}

func (t *Tracker) Balances() []CachedBalance {
	return t.cache.Snapshot()
}

func (t *Tracker) Alerts() []Alert {
	return t.alerts.List()
}

// RecordAlert retains the alert in memory and persists it best-effort.
func (t *Tracker) RecordAlert(ctx context.Context, alert Alert) Alert {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.Timestamp.IsZero() {
		alert.Timestamp = t.now()
	}
	t.alerts.Append(alert)
	t.metrics.incAlert(alert)
	t.logger.Warn("vault alert", "owner", alert.Owner.String(), "type", string(alert.Type), "severity", string(alert.Severity), "message", alert.Message)

	if t.store != nil {
		err := t.store.InsertAlert(ctx, storage.Alert{
			ID:        alert.ID,
			Owner:     alert.Owner,
			AlertType: string(alert.Type),
			Severity:  string(alert.Severity),
			Message:   alert.Message,
			Status:    storage.AlertStatusActive,
			CreatedAt: alert.Timestamp,
		})
		if err != nil {
			t.logger.Warn("alert persist failed", "alert_id", alert.ID.String(), "error", err)
		}
	}
	return alert
}

// RecordUnauthorized reports a privileged call the ledger refused.
func (t *Tracker) RecordUnauthorized(ctx context.Context, owner, caller uuid.UUID, operation string) Alert {
	return t.RecordAlert(ctx, Alert{
		Owner:    owner,
		Type:     AlertUnauthorizedAccess,
		Severity: SeverityHigh,
		Message:  fmt.Sprintf("Unauthorized %s attempt by caller %s", operation, caller),
	})
}
