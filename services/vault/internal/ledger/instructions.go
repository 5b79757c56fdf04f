package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/google/uuid"
)

// Instruction is a signed request for one state transition. Accounts lists
// every address the transition may read or write.
type Instruction interface {
	Name() string
	Accounts() []uuid.UUID
}

// InitializeVault is signed by Owner.
type InitializeVault struct {
	Owner   uuid.UUID   `json:"owner"`
	Callers []uuid.UUID `json:"authorized_callers"`
}

type Deposit struct {
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
	// Source defaults to the owner's token account.
	Source uuid.UUID `json:"source"`
}

type Withdraw struct {
	Owner       uuid.UUID `json:"owner"`
	Amount      uint64    `json:"amount"`
	Destination uuid.UUID `json:"destination"`
}

// Lock is signed by Caller on Owner's vault.
type Lock struct {
	Caller uuid.UUID `json:"caller"`
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
}

type Unlock struct {
	Caller uuid.UUID `json:"caller"`
	Owner  uuid.UUID `json:"owner"`
	Amount uint64    `json:"amount"`
}

// Transfer moves available collateral between the vaults of two owners.
type Transfer struct {
	Caller uuid.UUID `json:"caller"`
	From   uuid.UUID `json:"from_owner"`
	To     uuid.UUID `json:"to_owner"`
	Amount uint64    `json:"amount"`
}

type RequestWithdrawal struct {
	Owner     uuid.UUID `json:"owner"`
	RequestID uint64    `json:"request_id"`
	Amount    uint64    `json:"amount"`
}

// ExecuteWithdrawal is signed by Signer against the vault of Owner. Owner
// defaults to Signer.
type ExecuteWithdrawal struct {
	Signer      uuid.UUID `json:"signer"`
	Owner       uuid.UUID `json:"owner"`
	RequestID   uint64    `json:"request_id"`
	Destination uuid.UUID `json:"destination"`
}

type AddAuthorizedCaller struct {
	Owner  uuid.UUID `json:"owner"`
	Caller uuid.UUID `json:"caller"`
}

type RemoveAuthorizedCaller struct {
	Owner  uuid.UUID `json:"owner"`
	Caller uuid.UUID `json:"caller"`
}

func (InitializeVault) Name() string        { return "InitializeVault" }
func (Deposit) Name() string                { return "Deposit" }
func (Withdraw) Name() string               { return "Withdraw" }
func (Lock) Name() string                   { return "Lock" }
func (Unlock) Name() string                 { return "Unlock" }
func (Transfer) Name() string               { return "Transfer" }
func (RequestWithdrawal) Name() string      { return "RequestWithdrawal" }
func (ExecuteWithdrawal) Name() string      { return "ExecuteWithdrawal" }
func (AddAuthorizedCaller) Name() string    { return "AddAuthorizedCaller" }
func (RemoveAuthorizedCaller) Name() string { return "RemoveAuthorizedCaller" }

func (in InitializeVault) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.Owner)
	return []uuid.UUID{vault, account.AuthorityAddress(vault), account.VaultTokenAddress(vault)}
}

func (in Deposit) source() uuid.UUID {
	if in.Source != uuid.Nil {
		return in.Source
	}
	return account.TokenAddress(in.Owner)
}

func (in Deposit) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.Owner)
	return []uuid.UUID{vault, in.source(), account.VaultTokenAddress(vault)}
}

func (in Withdraw) destination() uuid.UUID {
	return destinationOr(in.Destination, in.Owner)
}

func (in Withdraw) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.Owner)
	return []uuid.UUID{vault, account.VaultTokenAddress(vault), in.destination()}
}

func (in Lock) Accounts() []uuid.UUID {
	return callerAccounts(in.Caller, in.Owner)
}

func (in Unlock) Accounts() []uuid.UUID {
	return callerAccounts(in.Caller, in.Owner)
}

func (in Transfer) Accounts() []uuid.UUID {
	return append(callerAccounts(in.Caller, in.From), callerAccounts(uuid.Nil, in.To)[:2]...)
}

func (in RequestWithdrawal) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.Owner)
	return []uuid.UUID{vault, account.WithdrawalAddress(vault, in.RequestID)}
}

func (in ExecuteWithdrawal) owner() uuid.UUID {
	if in.Owner != uuid.Nil {
		return in.Owner
	}
	return in.Signer
}

func (in ExecuteWithdrawal) destination() uuid.UUID {
	return destinationOr(in.Destination, in.Signer)
}

func (in ExecuteWithdrawal) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.owner())
	return []uuid.UUID{
		vault,
		account.WithdrawalAddress(vault, in.RequestID),
		account.VaultTokenAddress(vault),
		in.destination(),
	}
}

func (in AddAuthorizedCaller) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.Owner)
	return []uuid.UUID{vault, account.AuthorityAddress(vault)}
}

func (in RemoveAuthorizedCaller) Accounts() []uuid.UUID {
	vault := account.VaultAddress(in.Owner)
	return []uuid.UUID{vault, account.AuthorityAddress(vault)}
}

func destinationOr(destination, owner uuid.UUID) uuid.UUID {
	if destination != uuid.Nil {
		return destination
	}
	return account.TokenAddress(owner)
}

// callerAccounts returns vault, registry and caller addresses in that order.
func callerAccounts(caller, owner uuid.UUID) []uuid.UUID {
	vault := account.VaultAddress(owner)
	return []uuid.UUID{vault, account.AuthorityAddress(vault), account.CallerAddress(caller)}
}

// Envelope is the wire form of an instruction.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func EncodeInstruction(in Instruction) (Envelope, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", in.Name(), err)
	}
	return Envelope{Type: in.Name(), Payload: payload}, nil
}

func DecodeInstruction(env Envelope) (Instruction, error) {
	switch env.Type {
	case InitializeVault{}.Name():
		return decodeAs[InitializeVault](env)
	case Deposit{}.Name():
		return decodeAs[Deposit](env)
	case Withdraw{}.Name():
		return decodeAs[Withdraw](env)
	case Lock{}.Name():
		return decodeAs[Lock](env)
	case Unlock{}.Name():
		return decodeAs[Unlock](env)
	case Transfer{}.Name():
		return decodeAs[Transfer](env)
	case RequestWithdrawal{}.Name():
		return decodeAs[RequestWithdrawal](env)
	case ExecuteWithdrawal{}.Name():
		return decodeAs[ExecuteWithdrawal](env)
	case AddAuthorizedCaller{}.Name():
		return decodeAs[AddAuthorizedCaller](env)
	case RemoveAuthorizedCaller{}.Name():
		return decodeAs[RemoveAuthorizedCaller](env)
	default:
		return nil, fmt.Errorf("unknown instruction %q", env.Type)
	}
}

func decodeAs[T Instruction](env Envelope) (Instruction, error) {
	var in T
	if err := json.Unmarshal(env.Payload, &in); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return in, nil
}
