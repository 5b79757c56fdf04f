// Package account defines the ledger-owned records of the collateral vault:
// vaults, their authorization registries, delayed withdrawal requests, custody
// token accounts and deployed callers.
package account

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const MaxAuthorizedCallers = 16

type Kind string

const (
	KindVault      Kind = "vault"
	KindRegistry   Kind = "registry"
	KindWithdrawal Kind = "withdrawal"
	KindToken      Kind = "token"
	KindCaller     Kind = "caller"
)

type Vault struct {
	Owner            uuid.UUID `json:"owner"`
	TokenAccount     uuid.UUID `json:"token_account"`
	Authority        uuid.UUID `json:"vault_authority"`
	TotalBalance     uint64    `json:"total_balance"`
	LockedBalance    uint64    `json:"locked_balance"`
	AvailableBalance uint64    `json:"available_balance"`
	TotalDeposited   uint64    `json:"total_deposited"`
	TotalWithdrawn   uint64    `json:"total_withdrawn"`
	CreatedAt        time.Time `json:"created_at"`
}

// Balanced reports whether total == locked + available.
func (v Vault) Balanced() bool {
	return v.LockedBalance <= v.TotalBalance && v.TotalBalance-v.LockedBalance == v.AvailableBalance
}

type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "REQUESTED"
	WithdrawalExecuted  WithdrawalStatus = "EXECUTED"
)

type WithdrawalRequest struct {
	Vault       uuid.UUID        `json:"vault"`
	User        uuid.UUID        `json:"user"`
	RequestID   uint64           `json:"request_id"`
	Amount      uint64           `json:"amount"`
	RequestedAt time.Time        `json:"requested_at"`
	AvailableAt time.Time        `json:"available_at"`
	Status      WithdrawalStatus `json:"status"`
}

func (w WithdrawalRequest) Executed() bool {
	return w.Status == WithdrawalExecuted
}

// TokenAccount holds custody funds outside of any vault's accounting.
type TokenAccount struct {
	Address uuid.UUID `json:"address"`
	Owner   uuid.UUID `json:"owner"`
	Amount  uint64    `json:"amount"`
}

// Caller is a deployed identity that may be listed in registries.
type Caller struct {
	ID         uuid.UUID  `json:"id"`
	Executable bool       `json:"executable"`
	DeployedAt time.Time  `json:"deployed_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Valid reports whether the caller may currently act on vaults.
func (c Caller) Valid() bool {
	return c.Executable && c.RevokedAt == nil
}

// Raw is the stored form of any ledger account.
type Raw struct {
	Address uuid.UUID `json:"address"`
	Kind    Kind      `json:"kind"`
	Data    []byte    `json:"data"`
}

func Encode(address uuid.UUID, kind Kind, value any) (Raw, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return Raw{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Raw{Address: address, Kind: kind, Data: data}, nil
}

func DecodeVault(data []byte) (Vault, error) {
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return Vault{}, fmt.Errorf("decode vault: %w", err)
	}
	return v, nil
}

func DecodeRegistry(data []byte) (Registry, error) {
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return Registry{}, fmt.Errorf("decode registry: %w", err)
	}
	return r, nil
}

func DecodeWithdrawal(data []byte) (WithdrawalRequest, error) {
	var w WithdrawalRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return WithdrawalRequest{}, fmt.Errorf("decode withdrawal: %w", err)
	}
	return w, nil
}

func DecodeToken(data []byte) (TokenAccount, error) {
	var t TokenAccount
	if err := json.Unmarshal(data, &t); err != nil {
		return TokenAccount{}, fmt.Errorf("decode token account: %w", err)
	}
	return t, nil
}

func DecodeCaller(data []byte) (Caller, error) {
	var c Caller
	if err := json.Unmarshal(data, &c); err != nil {
		return Caller{}, fmt.Errorf("decode caller: %w", err)
	}
	return c, nil
}
