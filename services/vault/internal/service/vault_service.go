// Package service drives ledger transitions for external callers and keeps
// the tracker, history and subscribers in step with each confirmation.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledgerclient"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/AfshinJalili/collateral/services/vault/internal/tracker"
	"github.com/google/uuid"
)

type Tracker interface {
	GetVaultBalance(ctx context.Context, owner uuid.UUID) (tracker.CachedBalance, error)
	Advance(ctx context.Context, owner uuid.UUID, slot uint64) (tracker.CachedBalance, error)
	RecordUnauthorized(ctx context.Context, owner, caller uuid.UUID, operation string) tracker.Alert
}

// Store keeps the service's own records of vaults and transactions.
type Store interface {
	UpsertVault(ctx context.Context, v storage.VaultAccount) error
	InsertTransaction(ctx context.Context, tx storage.Transaction) error
	CountTransactions(ctx context.Context) (int64, error)
}

type BalancePublisher interface {
	PublishBalanceUpdated(ctx context.Context, owner uuid.UUID, available uint64, signature string) error
}

// Result is a confirmed operation plus the balances refreshed after it.
// Balances may be missing an owner whose refresh failed.
type Result struct {
	Signature string                  `json:"signature"`
	Slot      uint64                  `json:"slot"`
	Event     ledger.Event            `json:"event"`
	Balances  []tracker.CachedBalance `json:"balances,omitempty"`
}

type VaultService struct {
	ledger    ledgerclient.Client
	tracker   Tracker
	store     Store
	publisher BalancePublisher
	logger    *slog.Logger
	metrics   *Metrics

	confirmed atomic.Int64
}

func NewVaultService(client ledgerclient.Client, tr Tracker, store Store, publisher BalancePublisher, logger *slog.Logger, metrics *Metrics) *VaultService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VaultService{
		ledger:    client,
		tracker:   tr,
		store:     store,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

func (s *VaultService) InitializeVault(ctx context.Context, owner uuid.UUID, callers []uuid.UUID) (Result, error) {
	res, err := s.send(ctx, ledger.InitializeVault{Owner: owner, Callers: callers}, uuid.Nil)
	if err != nil {
		return Result{}, err
	}
	if s.store != nil {
		vaultAddr := account.VaultAddress(owner)
		err := s.store.UpsertVault(ctx, storage.VaultAccount{
			Owner:        owner,
			VaultAddress: vaultAddr,
			TokenAccount: account.VaultTokenAddress(vaultAddr),
			Authority:    account.AuthorityAddress(vaultAddr),
			CreatedAt:    res.Event.Timestamp,
		})
		if err != nil {
			s.metrics.postCommitFailure("vault_record")
			s.logger.Warn("vault record failed", "owner", owner.String(), "error", err)
		}
	}
	return res, nil
}

func (s *VaultService) Deposit(ctx context.Context, owner uuid.UUID, amount uint64) (Result, error) {
	return s.send(ctx, ledger.Deposit{Owner: owner, Amount: amount}, uuid.Nil)
}

func (s *VaultService) Withdraw(ctx context.Context, owner uuid.UUID, amount uint64) (Result, error) {
	return s.send(ctx, ledger.Withdraw{Owner: owner, Amount: amount}, uuid.Nil)
}

func (s *VaultService) Lock(ctx context.Context, caller, owner uuid.UUID, amount uint64) (Result, error) {
	return s.send(ctx, ledger.Lock{Caller: caller, Owner: owner, Amount: amount}, caller, owner)
}

func (s *VaultService) Unlock(ctx context.Context, caller, owner uuid.UUID, amount uint64) (Result, error) {
	return s.send(ctx, ledger.Unlock{Caller: caller, Owner: owner, Amount: amount}, caller, owner)
}

func (s *VaultService) Transfer(ctx context.Context, caller, from, to uuid.UUID, amount uint64) (Result, error) {
	return s.send(ctx, ledger.Transfer{Caller: caller, From: from, To: to, Amount: amount}, caller, from, to)
}

func (s *VaultService) RequestWithdrawal(ctx context.Context, owner uuid.UUID, requestID, amount uint64) (Result, error) {
	return s.send(ctx, ledger.RequestWithdrawal{Owner: owner, RequestID: requestID, Amount: amount}, uuid.Nil)
}

// ExecuteWithdrawal settles the signer's own request on the signer's vault.
func (s *VaultService) ExecuteWithdrawal(ctx context.Context, signer uuid.UUID, requestID uint64) (Result, error) {
	return s.send(ctx, ledger.ExecuteWithdrawal{Signer: signer, RequestID: requestID}, uuid.Nil)
}

func (s *VaultService) AddAuthorizedCaller(ctx context.Context, owner, caller uuid.UUID) (Result, error) {
	return s.send(ctx, ledger.AddAuthorizedCaller{Owner: owner, Caller: caller}, uuid.Nil)
}

func (s *VaultService) RemoveAuthorizedCaller(ctx context.Context, owner, caller uuid.UUID) (Result, error) {
	return s.send(ctx, ledger.RemoveAuthorizedCaller{Owner: owner, Caller: caller}, uuid.Nil)
}

// GetBalance reads the vault from the ledger through the tracker.
func (s *VaultService) GetBalance(ctx context.Context, owner uuid.UUID) (tracker.CachedBalance, error) {
	return s.tracker.GetVaultBalance(ctx, owner)
}

func (s *VaultService) GetWithdrawalRequest(ctx context.Context, owner uuid.UUID, requestID uint64) (account.WithdrawalRequest, error) {
	data, err := s.ledger.FetchAccount(ctx, account.WithdrawalAddress(account.VaultAddress(owner), requestID))
	if err != nil {
		return account.WithdrawalRequest{}, err
	}
	return account.DecodeWithdrawal(data)
}

func (s *VaultService) GetRegistry(ctx context.Context, owner uuid.UUID) (account.Registry, error) {
	data, err := s.ledger.FetchAccount(ctx, account.AuthorityAddress(account.VaultAddress(owner)))
	if err != nil {
		return account.Registry{}, err
	}
	return account.DecodeRegistry(data)
}

// CountTransactions prefers the persisted count and falls back to the number
// of operations this process confirmed.
func (s *VaultService) CountTransactions(ctx context.Context) (int64, error) {
	if s.store != nil {
		return s.store.CountTransactions(ctx)
	}
	return s.confirmed.Load(), nil
}

// send submits in and runs the post-commit steps. caller is the privileged
// caller for lock, unlock and transfer; targets are the vault owners it acted on.
func (s *VaultService) send(ctx context.Context, in ledger.Instruction, caller uuid.UUID, targets ...uuid.UUID) (Result, error) {
	start := time.Now()
	conf, err := s.ledger.Send(ctx, in)
	if err != nil {
		s.metrics.observe(in.Name(), resultLabel(err), time.Since(start).Seconds())
		if caller != uuid.Nil && errors.Is(err, account.ErrUnauthorized) {
			for _, owner := range targets {
				s.tracker.RecordUnauthorized(ctx, owner, caller, in.Name())
			}
		}
		if account.ClassOf(err) == account.ClassInfrastructure {
			s.logger.Error("ledger send failed", "instruction", in.Name(), "error", err)
			return Result{}, fmt.Errorf("%s: %w", in.Name(), err)
		}
		return Result{}, err
	}
	s.metrics.observe(in.Name(), "success", time.Since(start).Seconds())
	s.confirmed.Add(1)

	res := Result{Signature: conf.Signature, Slot: conf.Slot, Event: conf.Event}
	s.recordTransaction(ctx, conf)
	for _, owner := range conf.Event.Owners() {
		balance, err := s.tracker.Advance(ctx, owner, conf.Slot)
		if err != nil {
			s.metrics.postCommitFailure("refresh")
			s.logger.Warn("post-commit refresh failed", "owner", owner.String(), "signature", conf.Signature, "error", err)
			continue
		}
		res.Balances = append(res.Balances, balance)
		if s.publisher == nil {
			continue
		}
		if err := s.publisher.PublishBalanceUpdated(ctx, owner, balance.AvailableBalance, conf.Signature); err != nil {
			s.metrics.postCommitFailure("publish")
			s.logger.Warn("balance update publish failed", "owner", owner.String(), "signature", conf.Signature, "error", err)
		}
	}
	return res, nil
}

func (s *VaultService) recordTransaction(ctx context.Context, conf ledger.Confirmation) {
	if s.store == nil {
		return
	}
	err := s.store.InsertTransaction(ctx, storage.Transaction{
		Owner:        conf.Event.Owner,
		Counterparty: conf.Event.Counterparty,
		TxType:       transactionType(conf.Event.Type),
		Amount:       conf.Event.Amount,
		Signature:    conf.Signature,
		Slot:         conf.Slot,
		Status:       storage.TransactionStatusConfirmed,
		CreatedAt:    conf.Event.Timestamp,
	})
	if err != nil {
		s.metrics.postCommitFailure("transaction_record")
		s.logger.Warn("transaction record failed", "signature", conf.Signature, "error", err)
	}
}

func transactionType(t ledger.EventType) string {
	switch t {
	case ledger.EventVaultInitialized:
		return "INITIALIZE"
	case ledger.EventDeposited:
		return "DEPOSIT"
	case ledger.EventWithdrawn:
		return "WITHDRAW"
	case ledger.EventCollateralLocked:
		return "LOCK"
	case ledger.EventCollateralUnlocked:
		return "UNLOCK"
	case ledger.EventCollateralTransferred:
		return "TRANSFER"
	case ledger.EventWithdrawalRequested:
		return "REQUEST_WITHDRAWAL"
	case ledger.EventWithdrawalExecuted:
		return "EXECUTE_WITHDRAWAL"
	case ledger.EventAuthorizedCallerAdded:
		return "ADD_CALLER"
	case ledger.EventAuthorizedCallerRemoved:
		return "REMOVE_CALLER"
	default:
		return string(t)
	}
}

func resultLabel(err error) string {
	if code := account.CodeOf(err); code != "" {
		return code
	}
	return "error"
}
