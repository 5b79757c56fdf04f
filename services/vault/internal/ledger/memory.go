package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/google/uuid"
)

// MemoryStore keeps ledger accounts in process. A single mutex serializes
// every update, which makes multi-account transitions atomic.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]account.Raw
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[uuid.UUID]account.Raw)}
}

func (m *MemoryStore) Update(ctx context.Context, addresses []uuid.UUID, fn func(State) (State, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	raws := make([]account.Raw, 0, len(addresses))
	for _, addr := range addresses {
		if raw, ok := m.accounts[addr]; ok {
			raws = append(raws, raw)
		}
	}
	snap, err := StateFromRaw(raws)
	if err != nil {
		return err
	}
	changes, err := fn(snap)
	if err != nil {
		return err
	}
	out, err := changes.Raw()
	if err != nil {
		return err
	}
	for _, raw := range out {
		m.accounts[raw.Address] = raw
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address uuid.UUID) (account.Raw, error) {
	if err := ctx.Err(); err != nil {
		return account.Raw{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok := m.accounts[address]
	if !ok {
		return account.Raw{}, fmt.Errorf("account %s: %w", address, account.ErrAccountNotFound)
	}
	return raw, nil
}
