package ledger

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/google/uuid"
)

// WithdrawalDelay is the time lock between requesting and executing a
// delayed withdrawal.
const WithdrawalDelay = 24 * time.Hour

type Rules struct {
	WithdrawalDelay time.Duration
}

var DefaultRules = Rules{WithdrawalDelay: WithdrawalDelay}

// Apply validates in against snap and returns the accounts it would write.
// Nothing is returned on error, so a rejected instruction changes nothing.
func Apply(snap State, in Instruction, now time.Time) (State, Event, error) {
	return DefaultRules.Apply(snap, in, now)
}

func (r Rules) Apply(snap State, in Instruction, now time.Time) (State, Event, error) {
	now = now.UTC()
	changes := NewState()

	var (
		event Event
		err   error
	)
	switch in := in.(type) {
	case InitializeVault:
		event, err = initializeVault(snap, changes, in, now)
	case Deposit:
		event, err = deposit(snap, changes, in, now)
	case Withdraw:
		event, err = withdraw(snap, changes, in, now)
	case Lock:
		event, err = lock(snap, changes, in, now)
	case Unlock:
		event, err = unlock(snap, changes, in, now)
	case Transfer:
		event, err = transfer(snap, changes, in, now)
	case RequestWithdrawal:
		event, err = r.requestWithdrawal(snap, changes, in, now)
	case ExecuteWithdrawal:
		event, err = executeWithdrawal(snap, changes, in, now)
	case AddAuthorizedCaller:
		event, err = addAuthorizedCaller(snap, changes, in, now)
	case RemoveAuthorizedCaller:
		event, err = removeAuthorizedCaller(snap, changes, in, now)
	default:
		err = fmt.Errorf("unsupported instruction %T", in)
	}
	if err != nil {
		return State{}, Event{}, err
	}
	for addr, v := range changes.Vaults {
		if !v.Balanced() {
			return State{}, Event{}, fmt.Errorf("vault %s unbalanced after %s", addr, in.Name())
		}
	}
	return changes, event, nil
}

func initializeVault(snap, changes State, in InitializeVault, now time.Time) (Event, error) {
	if in.Owner == uuid.Nil {
		return Event{}, account.ErrInvalidAuthority
	}
	vaultAddr := account.VaultAddress(in.Owner)
	if snap.Has(vaultAddr) {
		return Event{}, fmt.Errorf("vault %s: %w", vaultAddr, account.ErrAccountExists)
	}
	registry, err := account.NewRegistry(vaultAddr, in.Callers)
	if err != nil {
		return Event{}, err
	}

	authority := account.AuthorityAddress(vaultAddr)
	tokenAddr := account.VaultTokenAddress(vaultAddr)
	changes.Vaults[vaultAddr] = account.Vault{
		Owner:        in.Owner,
		TokenAccount: tokenAddr,
		Authority:    authority,
		CreatedAt:    now,
	}
	changes.Registries[authority] = registry
	changes.Tokens[tokenAddr] = account.TokenAccount{Address: tokenAddr, Owner: vaultAddr}

	return Event{Type: EventVaultInitialized, Owner: in.Owner, Vault: vaultAddr, Timestamp: now}, nil
}

func deposit(snap, changes State, in Deposit, now time.Time) (Event, error) {
	if in.Amount == 0 {
		return Event{}, account.ErrInvalidAmount
	}
	vaultAddr, vault, err := ownedVault(snap, in.Owner)
	if err != nil {
		return Event{}, err
	}
	source, err := snap.token(in.source())
	if err != nil {
		return Event{}, err
	}
	if source.Owner != in.Owner {
		return Event{}, account.ErrInvalidAuthority
	}
	custody, err := snap.token(vault.TokenAccount)
	if err != nil {
		return Event{}, err
	}
	if source.Amount < in.Amount {
		return Event{}, account.ErrInsufficientFunds
	}

	var c checked
	source.Amount = c.sub(source.Amount, in.Amount)
	custody.Amount = c.add(custody.Amount, in.Amount)
	vault.TotalBalance = c.add(vault.TotalBalance, in.Amount)
	vault.AvailableBalance = c.add(vault.AvailableBalance, in.Amount)
	vault.TotalDeposited = c.add(vault.TotalDeposited, in.Amount)
	if c.err != nil {
		return Event{}, c.err
	}

	changes.Tokens[source.Address] = source
	changes.Tokens[custody.Address] = custody
	changes.Vaults[vaultAddr] = vault
	return Event{
		Type:      EventDeposited,
		Owner:     in.Owner,
		Vault:     vaultAddr,
		Amount:    in.Amount,
		Balance:   vault.TotalBalance,
		Timestamp: now,
	}, nil
}

func withdraw(snap, changes State, in Withdraw, now time.Time) (Event, error) {
	vaultAddr, vault, err := ownedVault(snap, in.Owner)
	if err != nil {
		return Event{}, err
	}
	if in.Amount == 0 {
		return Event{}, account.ErrInvalidAmount
	}
	if vault.AvailableBalance < in.Amount {
		return Event{}, account.ErrInsufficientFunds
	}
	if vault.LockedBalance != 0 {
		return Event{}, account.ErrActivePosition
	}
	vault, err = payout(snap, changes, vault, in.Owner, in.destination(), in.Amount)
	if err != nil {
		return Event{}, err
	}

	changes.Vaults[vaultAddr] = vault
	return Event{
		Type:      EventWithdrawn,
		Owner:     in.Owner,
		Vault:     vaultAddr,
		Amount:    in.Amount,
		Balance:   vault.TotalBalance,
		Timestamp: now,
	}, nil
}

func lock(snap, changes State, in Lock, now time.Time) (Event, error) {
	vaultAddr, vault, err := callerVault(snap, in.Caller, in.Owner)
	if err != nil {
		return Event{}, err
	}
	if in.Amount == 0 {
		return Event{}, account.ErrInvalidAmount
	}
	if vault.AvailableBalance < in.Amount {
		return Event{}, account.ErrInsufficientFunds
	}

	var c checked
	vault.AvailableBalance = c.sub(vault.AvailableBalance, in.Amount)
	vault.LockedBalance = c.add(vault.LockedBalance, in.Amount)
	if c.err != nil {
		return Event{}, c.err
	}

	changes.Vaults[vaultAddr] = vault
	return Event{
		Type:      EventCollateralLocked,
		Owner:     in.Owner,
		Vault:     vaultAddr,
		Caller:    in.Caller,
		Amount:    in.Amount,
		Balance:   vault.LockedBalance,
		Timestamp: now,
	}, nil
}

func unlock(snap, changes State, in Unlock, now time.Time) (Event, error) {
	vaultAddr, vault, err := callerVault(snap, in.Caller, in.Owner)
	if err != nil {
		return Event{}, err
	}
	if in.Amount == 0 {
		return Event{}, account.ErrInvalidAmount
	}
	if vault.LockedBalance < in.Amount {
		return Event{}, account.ErrInsufficientLockedFunds
	}

	var c checked
	vault.LockedBalance = c.sub(vault.LockedBalance, in.Amount)
	vault.AvailableBalance = c.add(vault.AvailableBalance, in.Amount)
	if c.err != nil {
		return Event{}, c.err
	}

	changes.Vaults[vaultAddr] = vault
	return Event{
		Type:      EventCollateralUnlocked,
		Owner:     in.Owner,
		Vault:     vaultAddr,
		Caller:    in.Caller,
		Amount:    in.Amount,
		Balance:   vault.LockedBalance,
		Timestamp: now,
	}, nil
}

func transfer(snap, changes State, in Transfer, now time.Time) (Event, error) {
	if in.From == in.To {
		return Event{}, account.ErrSameVault
	}
	fromAddr, from, err := callerVault(snap, in.Caller, in.From)
	if err != nil {
		return Event{}, err
	}
	toAddr, to, err := callerVault(snap, in.Caller, in.To)
	if err != nil {
		return Event{}, err
	}
	if in.Amount == 0 {
		return Event{}, account.ErrInvalidAmount
	}
	if from.AvailableBalance < in.Amount {
		return Event{}, account.ErrInsufficientFunds
	}

	var c checked
	from.AvailableBalance = c.sub(from.AvailableBalance, in.Amount)
	from.TotalBalance = c.sub(from.TotalBalance, in.Amount)
	to.AvailableBalance = c.add(to.AvailableBalance, in.Amount)
	to.TotalBalance = c.add(to.TotalBalance, in.Amount)
	if c.err != nil {
		return Event{}, c.err
	}

	changes.Vaults[fromAddr] = from
	changes.Vaults[toAddr] = to
	return Event{
		Type:         EventCollateralTransferred,
		Owner:        in.From,
		Vault:        fromAddr,
		Counterparty: in.To,
		Caller:       in.Caller,
		Amount:       in.Amount,
		Balance:      from.TotalBalance,
		Timestamp:    now,
	}, nil
}

func (r Rules) requestWithdrawal(snap, changes State, in RequestWithdrawal, now time.Time) (Event, error) {
	vaultAddr, vault, err := ownedVault(snap, in.Owner)
	if err != nil {
		return Event{}, err
	}
	requestAddr := account.WithdrawalAddress(vaultAddr, in.RequestID)
	if snap.Has(requestAddr) {
		return Event{}, fmt.Errorf("withdrawal request %d: %w", in.RequestID, account.ErrAccountExists)
	}
	if in.Amount == 0 {
		return Event{}, account.ErrInvalidAmount
	}
	if vault.AvailableBalance < in.Amount {
		return Event{}, account.ErrInsufficientFunds
	}
	if vault.LockedBalance > 0 {
		return Event{}, account.ErrActivePosition
	}

	request := account.WithdrawalRequest{
		Vault:       vaultAddr,
		User:        in.Owner,
		RequestID:   in.RequestID,
		Amount:      in.Amount,
		RequestedAt: now,
		AvailableAt: now.Add(r.WithdrawalDelay),
		Status:      account.WithdrawalRequested,
	}
	changes.Withdrawals[requestAddr] = request
	return Event{
		Type:        EventWithdrawalRequested,
		Owner:       in.Owner,
		Vault:       vaultAddr,
		Amount:      in.Amount,
		Balance:     vault.TotalBalance,
		RequestID:   in.RequestID,
		AvailableAt: request.AvailableAt,
		Timestamp:   now,
	}, nil
}

func executeWithdrawal(snap, changes State, in ExecuteWithdrawal, now time.Time) (Event, error) {
	owner := in.owner()
	vaultAddr := account.VaultAddress(owner)
	vault, err := snap.vault(vaultAddr)
	if err != nil {
		return Event{}, err
	}
	if vault.Authority == uuid.Nil {
		return Event{}, account.ErrInvalidVaultAuthority
	}
	requestAddr := account.WithdrawalAddress(vaultAddr, in.RequestID)
	request, err := snap.withdrawal(requestAddr)
	if err != nil {
		return Event{}, err
	}
	if request.Executed() {
		return Event{}, account.ErrAlreadyExecuted
	}
	if request.User != in.Signer {
		return Event{}, account.ErrUnauthorized
	}
	if request.Vault != vaultAddr || request.RequestID != in.RequestID {
		return Event{}, account.ErrInvalidWithdrawalRequest
	}
	if now.Before(request.AvailableAt) {
		return Event{}, account.ErrWithdrawalDelayNotMet
	}
	if vault.AvailableBalance < request.Amount {
		return Event{}, account.ErrInsufficientFunds
	}
	if vault.LockedBalance != 0 {
		return Event{}, account.ErrActivePosition
	}
	vault, err = payout(snap, changes, vault, in.Signer, in.destination(), request.Amount)
	if err != nil {
		return Event{}, err
	}

	request.Status = account.WithdrawalExecuted
	changes.Withdrawals[requestAddr] = request
	changes.Vaults[vaultAddr] = vault
	return Event{
		Type:      EventWithdrawalExecuted,
		Owner:     owner,
		Vault:     vaultAddr,
		Amount:    request.Amount,
		Balance:   vault.TotalBalance,
		RequestID: in.RequestID,
		Timestamp: now,
	}, nil
}

func addAuthorizedCaller(snap, changes State, in AddAuthorizedCaller, now time.Time) (Event, error) {
	vaultAddr, vault, err := ownedVault(snap, in.Owner)
	if err != nil {
		return Event{}, err
	}
	registry, err := vaultRegistry(snap, vaultAddr, vault)
	if err != nil {
		return Event{}, err
	}
	registry, err = registry.Add(in.Caller)
	if err != nil {
		return Event{}, err
	}
	changes.Registries[vault.Authority] = registry
	return Event{Type: EventAuthorizedCallerAdded, Owner: in.Owner, Vault: vaultAddr, Caller: in.Caller, Timestamp: now}, nil
}

func removeAuthorizedCaller(snap, changes State, in RemoveAuthorizedCaller, now time.Time) (Event, error) {
	vaultAddr, vault, err := ownedVault(snap, in.Owner)
	if err != nil {
		return Event{}, err
	}
	registry, err := vaultRegistry(snap, vaultAddr, vault)
	if err != nil {
		return Event{}, err
	}
	registry, err = registry.Remove(in.Caller)
	if err != nil {
		return Event{}, err
	}
	changes.Registries[vault.Authority] = registry
	return Event{Type: EventAuthorizedCallerRemoved, Owner: in.Owner, Vault: vaultAddr, Caller: in.Caller, Timestamp: now}, nil
}

// ownedVault loads the vault derived from owner and checks it belongs to owner.
func ownedVault(snap State, owner uuid.UUID) (uuid.UUID, account.Vault, error) {
	addr := account.VaultAddress(owner)
	vault, err := snap.vault(addr)
	if err != nil {
		return uuid.Nil, account.Vault{}, err
	}
	if vault.Owner != owner {
		return uuid.Nil, account.Vault{}, account.ErrInvalidAuthority
	}
	return addr, vault, nil
}

func vaultRegistry(snap State, vaultAddr uuid.UUID, vault account.Vault) (account.Registry, error) {
	if vault.Authority != account.AuthorityAddress(vaultAddr) {
		return account.Registry{}, account.ErrInvalidVaultAuthority
	}
	registry, err := snap.registry(vault.Authority)
	if err != nil {
		return account.Registry{}, err
	}
	if registry.Vault != vaultAddr {
		return account.Registry{}, account.ErrInvalidVaultAuthority
	}
	return registry, nil
}

// callerVault loads owner's vault and authorizes caller against it. Listing in
// the registry and being a currently valid caller are both required.
func callerVault(snap State, caller, owner uuid.UUID) (uuid.UUID, account.Vault, error) {
	addr := account.VaultAddress(owner)
	vault, err := snap.vault(addr)
	if err != nil {
		return uuid.Nil, account.Vault{}, err
	}
	registry, err := vaultRegistry(snap, addr, vault)
	if err != nil {
		return uuid.Nil, account.Vault{}, err
	}
	if !registry.Contains(caller) {
		return uuid.Nil, account.Vault{}, account.ErrUnauthorized
	}
	if !validCaller(snap, caller) {
		return uuid.Nil, account.Vault{}, account.ErrUnauthorized
	}
	return addr, vault, nil
}

func validCaller(snap State, caller uuid.UUID) bool {
	c, ok := snap.Callers[account.CallerAddress(caller)]
	return ok && c.ID == caller && c.Valid()
}

// payout moves amount from the vault's custody account to destination, which
// must belong to recipient, and debits the vault.
func payout(snap, changes State, vault account.Vault, recipient, destination uuid.UUID, amount uint64) (account.Vault, error) {
	dest, err := snap.token(destination)
	if err != nil {
		if !errors.Is(err, account.ErrAccountNotFound) || destination != account.TokenAddress(recipient) {
			return account.Vault{}, err
		}
		dest = account.TokenAccount{Address: destination, Owner: recipient}
	}
	if dest.Owner != recipient {
		return account.Vault{}, account.ErrInvalidAuthority
	}
	custody, err := snap.token(vault.TokenAccount)
	if err != nil {
		return account.Vault{}, err
	}

	var c checked
	custody.Amount = c.sub(custody.Amount, amount)
	dest.Amount = c.add(dest.Amount, amount)
	vault.TotalBalance = c.sub(vault.TotalBalance, amount)
	vault.AvailableBalance = c.sub(vault.AvailableBalance, amount)
	vault.TotalWithdrawn = c.add(vault.TotalWithdrawn, amount)
	if c.err != nil {
		return account.Vault{}, c.err
	}

	changes.Tokens[custody.Address] = custody
	changes.Tokens[dest.Address] = dest
	return vault, nil
}

// checked accumulates the first overflow or underflow across a sequence of
// uint64 operations. Results after a failure are meaningless.
type checked struct {
	err error
}

func (c *checked) add(a, b uint64) uint64 {
	sum, err := addU64(a, b)
	if err != nil && c.err == nil {
		c.err = err
	}
	return sum
}

func (c *checked) sub(a, b uint64) uint64 {
	diff, err := subU64(a, b)
	if err != nil && c.err == nil {
		c.err = err
	}
	return diff
}

func addU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, account.ErrOverflow
	}
	return sum, nil
}

func subU64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, account.ErrUnderflow
	}
	return diff, nil
}
