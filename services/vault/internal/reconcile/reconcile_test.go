package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/AfshinJalili/collateral/libs/kafka"
	"github.com/AfshinJalili/collateral/services/vault/internal/events"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/service"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	mu   sync.Mutex
	logs []storage.ReconciliationLog
	err  error
}

func (f *fakeStore) InsertReconciliation(ctx context.Context, rec storage.ReconciliationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.logs = append(f.logs, rec)
	return nil
}

type fixture struct {
	ledger  *ledger.Ledger
	tracker *tracker.Tracker
	store   *fakeStore
	rec     *Reconciler
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), nil, nil)
	tr := tracker.New(l, nil, nil)
	store := &fakeStore{}
	return fixture{ledger: l, tracker: tr, store: store, rec: New(tr, store, nil, nil)}
}

func (f fixture) openVault(t *testing.T, amount uint64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	owner := uuid.New()
	if _, err := f.ledger.Send(ctx, ledger.InitializeVault{Owner: owner}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	f.deposit(t, owner, amount)
	return owner
}

func (f fixture) deposit(t *testing.T, owner uuid.UUID, amount uint64) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.ledger.Fund(ctx, owner, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := f.ledger.Send(ctx, ledger.Deposit{Owner: owner, Amount: amount}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func TestReconcileDetectsStaleCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.openVault(t, 4500)
	if _, err := f.tracker.GetVaultBalance(ctx, owner); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	f.deposit(t, owner, 500)

	rec, err := f.rec.Reconcile(ctx, owner)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if rec.Status != StatusMismatch || rec.OffchainBalance != 4500 || rec.OnchainBalance != 5000 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if !rec.Discrepancy.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected discrepancy 500, got %s", rec.Discrepancy)
	}

	var discrepancies []tracker.Alert
	for _, a := range f.tracker.Alerts() {
		if a.Type == tracker.AlertDiscrepancy {
			discrepancies = append(discrepancies, a)
		}
	}
	if len(discrepancies) != 1 || discrepancies[0].Severity != tracker.SeverityCritical {
		t.Fatalf("expected one CRITICAL discrepancy alert, got %+v", discrepancies)
	}
	if discrepancies[0].Message != "Balance mismatch! Cached: 4500, On-chain: 5000" {
		t.Fatalf("unexpected message %q", discrepancies[0].Message)
	}
	if len(f.store.logs) != 1 || f.store.logs[0].Status != string(StatusMismatch) {
		t.Fatalf("expected mismatch log, got %+v", f.store.logs)
	}

	rec, err = f.rec.Reconcile(ctx, owner)
	if err != nil || rec.Status != StatusMatch {
		t.Fatalf("expected match once cache refreshed, got %+v (%v)", rec, err)
	}
}

func TestReconcileNegativeDiscrepancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.openVault(t, 5000)
	if _, err := f.tracker.GetVaultBalance(ctx, owner); err != nil {
		t.Fatalf("prime cache: %v", err)
	}
	if _, err := f.ledger.Send(ctx, ledger.Withdraw{Owner: owner, Amount: 700}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	rec, err := f.rec.Reconcile(ctx, owner)
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if !rec.Discrepancy.Equal(decimal.NewFromInt(-700)) {
		t.Fatalf("expected discrepancy -700, got %s", rec.Discrepancy)
	}
}

func TestReconcileWithoutCacheMatches(t *testing.T) {
	f := newFixture(t)
	owner := f.openVault(t, 1200)

	rec, err := f.rec.Reconcile(context.Background(), owner)
	if err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if rec.OffchainBalance != 1200 || rec.OnchainBalance != 1200 || !rec.Discrepancy.IsZero() {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, ok := f.tracker.GetCachedBalance(owner); !ok {
		t.Fatalf("expected fetch to populate the cache")
	}
}

func TestReconcilePersistenceFailureKeepsVerdict(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("db down")
	owner := f.openVault(t, 10)

	if _, err := f.rec.Reconcile(context.Background(), owner); err != nil {
		t.Fatalf("expected match despite store failure, got %v", err)
	}
}

func TestReconcileAllCountsOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := f.openVault(t, 100)
	fresh := f.openVault(t, 200)
	for _, owner := range []uuid.UUID{stale, fresh} {
		if _, err := f.tracker.GetVaultBalance(ctx, owner); err != nil {
			t.Fatalf("prime cache: %v", err)
		}
	}
	f.deposit(t, stale, 50)

	sum := f.rec.ReconcileAll(ctx)
	if sum.Checked != 2 || sum.Mismatched != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func ledgerMessage(t *testing.T, event ledger.Event) *sarama.ConsumerMessage {
	t.Helper()
	return ledgerMessageAt(t, 1, event)
}

func ledgerMessageAt(t *testing.T, slot uint64, event ledger.Event) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(events.LedgerEventType, 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	raw, err := json.Marshal(events.LedgerEvent{Envelope: env, Signature: "sig", Slot: slot, Event: event})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: events.DefaultLedgerTopic, Value: raw}
}

func TestEventConsumerReconcilesBothTransferParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := f.openVault(t, 1000)
	to := f.openVault(t, 500)
	for _, owner := range []uuid.UUID{from, to} {
		if _, err := f.tracker.GetVaultBalance(ctx, owner); err != nil {
			t.Fatalf("prime cache: %v", err)
		}
	}

	consumer := NewEventConsumer(f.rec, nil)
	msg := ledgerMessage(t, ledger.Event{Type: ledger.EventCollateralTransferred, Owner: from, Counterparty: to, Amount: 0})
	if err := consumer.HandleMessage(ctx, msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(f.store.logs) != 2 {
		t.Fatalf("expected both owners reconciled, got %d", len(f.store.logs))
	}
}

func TestEventConsumerRejectsBadPayloads(t *testing.T) {
	f := newFixture(t)
	consumer := NewEventConsumer(f.rec, nil)

	var dlqErr *kafka.DLQError
	err := consumer.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{not json")})
	if !errors.As(err, &dlqErr) || dlqErr.Reason != "invalid_payload" {
		t.Fatalf("expected invalid_payload dlq error, got %v", err)
	}

	err = consumer.HandleMessage(context.Background(), ledgerMessage(t, ledger.Event{Type: ledger.EventDeposited, Owner: uuid.New()}))
	if !errors.As(err, &dlqErr) || dlqErr.Reason != "unknown_vault" {
		t.Fatalf("expected unknown_vault dlq error, got %v", err)
	}
}

// inlineBus hands every published ledger event straight to the consumer, so
// the consumer runs before the sender gets its confirmation back.
type inlineBus struct {
	consumer *EventConsumer
	errs     []error
}

func (b *inlineBus) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, 0, err
	}
	msg := &sarama.ConsumerMessage{Topic: topic, Key: []byte(key), Value: raw}
	if err := b.consumer.HandleMessage(ctx, msg); err != nil {
		b.errs = append(b.errs, err)
	}
	return 0, 0, nil
}

func (b *inlineBus) Close() error { return nil }

func TestEventAheadOfServiceRefreshIsNotAMismatch(t *testing.T) {
	bus := &inlineBus{}
	l := ledger.New(ledger.NewMemoryStore(), nil, nil, ledger.WithEventSink(events.NewLedgerSink(bus, "")))
	tr := tracker.New(l, nil, nil)
	store := &fakeStore{}
	bus.consumer = NewEventConsumer(New(tr, store, nil, nil), nil)
	svc := service.NewVaultService(l, tr, nil, nil, nil, nil)

	ctx := context.Background()
	owner := uuid.New()
	if _, err := svc.InitializeVault(ctx, owner, nil); err != nil {
		t.Fatalf("InitializeVault: %v", err)
	}
	if _, err := l.Fund(ctx, owner, 5000); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	res, err := svc.Deposit(ctx, owner, 5000)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	if len(bus.errs) != 0 {
		t.Fatalf("consumer errors: %v", bus.errs)
	}
	for _, a := range tr.Alerts() {
		if a.Type == tracker.AlertDiscrepancy {
			t.Fatalf("ordinary deposit raised discrepancy alert: %+v", a)
		}
	}
	if len(store.logs) != 2 {
		t.Fatalf("expected a log per event, got %+v", store.logs)
	}
	for _, log := range store.logs {
		if log.Status != string(StatusMatch) {
			t.Fatalf("expected MATCH, got %+v", log)
		}
	}
	cached, ok := tr.GetCachedBalance(owner)
	if !ok || cached.TotalBalance != 5000 || cached.Slot != res.Slot {
		t.Fatalf("unexpected cache entry: %+v (deposit slot %d)", cached, res.Slot)
	}
}

func TestEventConsumerFlagsCacheThatMissedLaterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := uuid.New()
	if _, err := f.ledger.Send(ctx, ledger.InitializeVault{Owner: owner}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if _, err := f.ledger.Fund(ctx, owner, 5000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	conf, err := f.ledger.Send(ctx, ledger.Deposit{Owner: owner, Amount: 4500})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.tracker.Advance(ctx, owner, conf.Slot); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := f.ledger.Send(ctx, ledger.Deposit{Owner: owner, Amount: 500}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	consumer := NewEventConsumer(f.rec, nil)
	if err := consumer.HandleMessage(ctx, ledgerMessageAt(t, conf.Slot, conf.Event)); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(f.store.logs) != 1 || f.store.logs[0].Status != string(StatusMismatch) {
		t.Fatalf("expected mismatch log, got %+v", f.store.logs)
	}
	if f.store.logs[0].OffchainBalance != 4500 || f.store.logs[0].OnchainBalance != 5000 {
		t.Fatalf("unexpected balances: %+v", f.store.logs[0])
	}
}
