package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	AlertStatusActive   = "ACTIVE"
	AlertStatusResolved = "RESOLVED"

	TransactionStatusConfirmed = "CONFIRMED"
)

type VaultAccount struct {
	Owner        uuid.UUID
	VaultAddress uuid.UUID
	TokenAccount uuid.UUID
	Authority    uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type BalanceSnapshot struct {
	ID               uuid.UUID
	Owner            uuid.UUID
	TotalBalance     uint64
	LockedBalance    uint64
	AvailableBalance uint64
	TotalDeposited   uint64
	TotalWithdrawn   uint64
	CreatedAt        time.Time
}

type Alert struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	AlertType string
	Severity  string
	Message   string
	Status    string
	CreatedAt time.Time
}

// ReconciliationLog records one cache-versus-ledger comparison. Discrepancy is
// onchain - offchain and may be negative.
type ReconciliationLog struct {
	ID              uuid.UUID
	Owner           uuid.UUID
	OnchainBalance  uint64
	OffchainBalance uint64
	Discrepancy     decimal.Decimal
	Status          string
	CreatedAt       time.Time
}

type Transaction struct {
	ID           uuid.UUID
	Owner        uuid.UUID
	Counterparty uuid.UUID
	TxType       string
	Amount       uint64
	Signature    string
	Slot         uint64
	Status       string
	CreatedAt    time.Time
}

// TVLPoint is the locked value at the end of one hour, summed over the latest
// snapshot each vault took during that hour.
type TVLPoint struct {
	Hour   time.Time
	TVL    decimal.Decimal
	Vaults int64
}

// VaultRanking is a vault's most recent snapshot, used to rank vaults by size.
type VaultRanking struct {
	Owner          uuid.UUID
	TotalBalance   uint64
	LockedBalance  uint64
	TotalDeposited uint64
	TotalWithdrawn uint64
	SnapshotAt     time.Time
}

// LockedPercent is locked/total as a percentage, zero for an empty vault.
func (r VaultRanking) LockedPercent() decimal.Decimal {
	if r.TotalBalance == 0 {
		return decimal.Zero
	}
	locked := decimal.NewFromUint64(r.LockedBalance)
	return locked.Mul(decimal.NewFromInt(100)).Div(decimal.NewFromUint64(r.TotalBalance)).Round(2)
}

// Activity summarises token flow since a cutoff.
type Activity struct {
	Volume       decimal.Decimal
	Transactions int64
	ActiveVaults int64
}
