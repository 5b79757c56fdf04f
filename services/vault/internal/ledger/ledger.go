package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/google/uuid"
)

// StateStore serializes access to ledger accounts. Update loads the listed
// addresses, hands them to fn and commits whatever fn returns as one unit.
// Nothing is written when fn fails.
type StateStore interface {
	Update(ctx context.Context, addresses []uuid.UUID, fn func(State) (State, error)) error
	Get(ctx context.Context, address uuid.UUID) (account.Raw, error)
}

// EventSink receives every committed confirmation.
type EventSink interface {
	PublishConfirmation(ctx context.Context, conf Confirmation) error
}

type Clock func() time.Time

type Option func(*Ledger)

func WithClock(clock Clock) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

func WithWithdrawalDelay(delay time.Duration) Option {
	return func(l *Ledger) {
		if delay >= 0 {
			l.rules.WithdrawalDelay = delay
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) {
		l.sink = sink
	}
}

// Ledger is the reference executor for vault instructions.
type Ledger struct {
	store   StateStore
	rules   Rules
	clock   Clock
	sink    EventSink
	logger  *slog.Logger
	metrics *Metrics
	slot    atomic.Uint64
}

func New(store StateStore, logger *slog.Logger, metrics *Metrics, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		store:   store,
		rules:   DefaultRules,
		clock:   time.Now,
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Send(ctx context.Context, in Instruction) (Confirmation, error) {
	if in == nil {
		return Confirmation{}, fmt.Errorf("instruction is required")
	}
	start := time.Now()
	now := l.clock()

	var event Event
	err := l.store.Update(ctx, in.Accounts(), func(snap State) (State, error) {
		changes, ev, err := l.rules.Apply(snap, in, now)
		if err != nil {
			return State{}, err
		}
		event = ev
		return changes, nil
	})
	l.metrics.ObserveInstruction(in.Name(), err, time.Since(start))
	if err != nil {
		if account.ClassOf(err) == account.ClassInfrastructure {
			l.logger.Error("instruction failed", "instruction", in.Name(), "error", err)
		} else {
			l.logger.Debug("instruction rejected", "instruction", in.Name(), "error", err)
		}
		return Confirmation{}, err
	}

	conf := Confirmation{
		Signature: uuid.NewString(),
		Slot:      l.slot.Add(1),
		Event:     event,
	}
	if l.sink != nil {
		if err := l.sink.PublishConfirmation(ctx, conf); err != nil {
			l.logger.Warn("ledger event publish failed", "instruction", in.Name(), "signature", conf.Signature, "error", err)
		}
	}
	return conf, nil
}

func (l *Ledger) FetchAccount(ctx context.Context, address uuid.UUID) ([]byte, error) {
	raw, err := l.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	return raw.Data, nil
}

// Fund mints amount into owner's token account, creating it when absent.
func (l *Ledger) Fund(ctx context.Context, owner uuid.UUID, amount uint64) (account.TokenAccount, error) {
	if owner == uuid.Nil {
		return account.TokenAccount{}, account.ErrInvalidAuthority
	}
	if amount == 0 {
		return account.TokenAccount{}, account.ErrInvalidAmount
	}
	addr := account.TokenAddress(owner)
	var funded account.TokenAccount
	err := l.store.Update(ctx, []uuid.UUID{addr}, func(snap State) (State, error) {
		token, err := snap.token(addr)
		if err != nil {
			if !errors.Is(err, account.ErrAccountNotFound) {
				return State{}, err
			}
			token = account.TokenAccount{Address: addr, Owner: owner}
		}
		token.Amount, err = addU64(token.Amount, amount)
		if err != nil {
			return State{}, err
		}
		changes := NewState()
		changes.Tokens[addr] = token
		funded = token
		return changes, nil
	})
	if err != nil {
		return account.TokenAccount{}, err
	}
	return funded, nil
}

// DeployCaller registers a caller identity. Inert identities can be deployed
// with executable false; they may be listed but never act.
func (l *Ledger) DeployCaller(ctx context.Context, id uuid.UUID, executable bool) (account.Caller, error) {
	if id == uuid.Nil {
		return account.Caller{}, account.ErrInvalidAuthority
	}
	addr := account.CallerAddress(id)
	caller := account.Caller{ID: id, Executable: executable, DeployedAt: l.clock().UTC()}
	err := l.store.Update(ctx, []uuid.UUID{addr}, func(snap State) (State, error) {
		if snap.Has(addr) {
			return State{}, fmt.Errorf("caller %s: %w", id, account.ErrAccountExists)
		}
		changes := NewState()
		changes.Callers[addr] = caller
		return changes, nil
	})
	if err != nil {
		return account.Caller{}, err
	}
	return caller, nil
}

func (l *Ledger) RevokeCaller(ctx context.Context, id uuid.UUID) (account.Caller, error) {
	addr := account.CallerAddress(id)
	var revoked account.Caller
	err := l.store.Update(ctx, []uuid.UUID{addr}, func(snap State) (State, error) {
		caller, ok := snap.Callers[addr]
		if !ok {
			return State{}, fmt.Errorf("caller %s: %w", id, account.ErrAccountNotFound)
		}
		if caller.RevokedAt == nil {
			now := l.clock().UTC()
			caller.RevokedAt = &now
		}
		changes := NewState()
		changes.Callers[addr] = caller
		revoked = caller
		return changes, nil
	})
	if err != nil {
		return account.Caller{}, err
	}
	return revoked, nil
}
