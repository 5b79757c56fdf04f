package ledger

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventVaultInitialized        EventType = "VaultInitialized"
	EventDeposited               EventType = "Deposited"
	EventWithdrawn               EventType = "Withdrawn"
	EventCollateralLocked        EventType = "CollateralLocked"
	EventCollateralUnlocked      EventType = "CollateralUnlocked"
	EventCollateralTransferred   EventType = "CollateralTransferred"
	EventAuthorizedCallerAdded   EventType = "AuthorizedCallerAdded"
	EventAuthorizedCallerRemoved EventType = "AuthorizedCallerRemoved"
	EventWithdrawalRequested     EventType = "WithdrawalRequested"
	EventWithdrawalExecuted      EventType = "WithdrawalExecuted"
)

// Event describes a committed transition. Balance is the vault's total after
// the transition, except for lock and unlock where it is the locked balance.
type Event struct {
	Type         EventType `json:"type"`
	Owner        uuid.UUID `json:"owner"`
	Vault        uuid.UUID `json:"vault"`
	Counterparty uuid.UUID `json:"counterparty"`
	Caller       uuid.UUID `json:"caller"`
	Amount       uint64    `json:"amount"`
	Balance      uint64    `json:"new_balance"`
	RequestID    uint64    `json:"request_id"`
	AvailableAt  time.Time `json:"available_at"`
	Timestamp    time.Time `json:"timestamp"`
}

// Owners returns the vault owners whose balances the event changed.
func (e Event) Owners() []uuid.UUID {
	owners := []uuid.UUID{e.Owner}
	if e.Counterparty != uuid.Nil && e.Counterparty != e.Owner {
		owners = append(owners, e.Counterparty)
	}
	return owners
}

// Confirmation is returned for every committed instruction.
type Confirmation struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Event     Event  `json:"event"`
}
