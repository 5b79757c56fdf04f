package ledger

import (
	"fmt"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/google/uuid"
)

// State is a typed set of ledger accounts keyed by address. It serves both as
// the read snapshot handed to Apply and as the change set Apply returns.
type State struct {
	Vaults      map[uuid.UUID]account.Vault
	Registries  map[uuid.UUID]account.Registry
	Withdrawals map[uuid.UUID]account.WithdrawalRequest
	Tokens      map[uuid.UUID]account.TokenAccount
	Callers     map[uuid.UUID]account.Caller
}

func NewState() State {
	return State{
		Vaults:      make(map[uuid.UUID]account.Vault),
		Registries:  make(map[uuid.UUID]account.Registry),
		Withdrawals: make(map[uuid.UUID]account.WithdrawalRequest),
		Tokens:      make(map[uuid.UUID]account.TokenAccount),
		Callers:     make(map[uuid.UUID]account.Caller),
	}
}

func (s State) Len() int {
	return len(s.Vaults) + len(s.Registries) + len(s.Withdrawals) + len(s.Tokens) + len(s.Callers)
}

func (s State) Has(address uuid.UUID) bool {
	if _, ok := s.Vaults[address]; ok {
		return true
	}
	if _, ok := s.Registries[address]; ok {
		return true
	}
	if _, ok := s.Withdrawals[address]; ok {
		return true
	}
	if _, ok := s.Tokens[address]; ok {
		return true
	}
	_, ok := s.Callers[address]
	return ok
}

func (s State) vault(address uuid.UUID) (account.Vault, error) {
	v, ok := s.Vaults[address]
	if !ok {
		return account.Vault{}, fmt.Errorf("vault %s: %w", address, account.ErrAccountNotFound)
	}
	return v, nil
}

func (s State) registry(address uuid.UUID) (account.Registry, error) {
	r, ok := s.Registries[address]
	if !ok {
		return account.Registry{}, fmt.Errorf("registry %s: %w", address, account.ErrAccountNotFound)
	}
	return r, nil
}

func (s State) withdrawal(address uuid.UUID) (account.WithdrawalRequest, error) {
	w, ok := s.Withdrawals[address]
	if !ok {
		return account.WithdrawalRequest{}, fmt.Errorf("withdrawal %s: %w", address, account.ErrAccountNotFound)
	}
	return w, nil
}

func (s State) token(address uuid.UUID) (account.TokenAccount, error) {
	t, ok := s.Tokens[address]
	if !ok {
		return account.TokenAccount{}, fmt.Errorf("token account %s: %w", address, account.ErrAccountNotFound)
	}
	return t, nil
}

// Raw flattens the state into stored accounts.
func (s State) Raw() ([]account.Raw, error) {
	out := make([]account.Raw, 0, s.Len())
	add := func(address uuid.UUID, kind account.Kind, value any) error {
		raw, err := account.Encode(address, kind, value)
		if err != nil {
			return err
		}
		out = append(out, raw)
		return nil
	}
	for addr, v := range s.Vaults {
		if err := add(addr, account.KindVault, v); err != nil {
			return nil, err
		}
	}
	for addr, r := range s.Registries {
		if err := add(addr, account.KindRegistry, r); err != nil {
			return nil, err
		}
	}
	for addr, w := range s.Withdrawals {
		if err := add(addr, account.KindWithdrawal, w); err != nil {
			return nil, err
		}
	}
	for addr, t := range s.Tokens {
		if err := add(addr, account.KindToken, t); err != nil {
			return nil, err
		}
	}
	for addr, c := range s.Callers {
		if err := add(addr, account.KindCaller, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func StateFromRaw(raws []account.Raw) (State, error) {
	s := NewState()
	for _, raw := range raws {
		switch raw.Kind {
		case account.KindVault:
			v, err := account.DecodeVault(raw.Data)
			if err != nil {
				return State{}, err
			}
			s.Vaults[raw.Address] = v
		case account.KindRegistry:
			r, err := account.DecodeRegistry(raw.Data)
			if err != nil {
				return State{}, err
			}
			s.Registries[raw.Address] = r
		case account.KindWithdrawal:
			w, err := account.DecodeWithdrawal(raw.Data)
			if err != nil {
				return State{}, err
			}
			s.Withdrawals[raw.Address] = w
		case account.KindToken:
			t, err := account.DecodeToken(raw.Data)
			if err != nil {
				return State{}, err
			}
			s.Tokens[raw.Address] = t
		case account.KindCaller:
			c, err := account.DecodeCaller(raw.Data)
			if err != nil {
				return State{}, err
			}
			s.Callers[raw.Address] = c
		default:
			return State{}, fmt.Errorf("unknown account kind %q at %s", raw.Kind, raw.Address)
		}
	}
	return s, nil
}
