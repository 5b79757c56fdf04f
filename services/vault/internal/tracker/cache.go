package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedBalance is the tracker's copy of a vault's balances. It is advisory
// and overwritten on every successful fetch.
type CachedBalance struct {
	Owner            uuid.UUID `json:"owner"`
	TotalBalance     uint64    `json:"total_balance"`
	LockedBalance    uint64    `json:"locked_balance"`
	AvailableBalance uint64    `json:"available_balance"`
	TotalDeposited   uint64    `json:"total_deposited"`
	TotalWithdrawn   uint64    `json:"total_withdrawn"`
	CreatedAt        time.Time `json:"created_at"`
	FetchedAt        time.Time `json:"fetched_at"`
	// Slot is the newest ledger slot the entry is known to include.
	Slot uint64 `json:"slot"`
}

// Behind reports whether the entry was read before the ledger committed the
// transition at slot and committedAt. Ledger slots restart with the node, so
// the fetch time is checked as well.
func (b CachedBalance) Behind(slot uint64, committedAt time.Time) bool {
	return b.Slot < slot || b.FetchedAt.Before(committedAt)
}

// Mirror persists cache entries outside the process so a restarted tracker
// starts warm.
type Mirror interface {
	Save(ctx context.Context, balance CachedBalance) error
	LoadAll(ctx context.Context) ([]CachedBalance, error)
}

// Cache maps owners to their last fetched balance. A single RWMutex guards
// the whole map.
type Cache struct {
	mu       sync.RWMutex
	balances map[uuid.UUID]CachedBalance
}

func NewCache() *Cache {
	return &Cache{balances: make(map[uuid.UUID]CachedBalance)}
}

func (c *Cache) Get(owner uuid.UUID) (CachedBalance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.balances[owner]
	return b, ok
}

func (c *Cache) Set(balance CachedBalance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[balance.Owner] = balance
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.balances)
}

// Owners returns the cached owners in a stable order.
func (c *Cache) Owners() []uuid.UUID {
	c.mu.RLock()
	owners := make([]uuid.UUID, 0, len(c.balances))
	for owner := range c.balances {
		owners = append(owners, owner)
	}
	c.mu.RUnlock()

	sort.Slice(owners, func(i, j int) bool {
		return owners[i].String() < owners[j].String()
	})
	return owners
}

// Snapshot copies every cached balance.
func (c *Cache) Snapshot() []CachedBalance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CachedBalance, 0, len(c.balances))
	for _, b := range c.balances {
		out = append(out, b)
	}
	return out
}

// TVL sums cached total balances. The sum is exact even past uint64.
func (c *Cache) TVL() decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sum := new(big.Int)
	for _, b := range c.balances {
		sum.Add(sum, new(big.Int).SetUint64(b.TotalBalance))
	}
	return decimal.NewFromBigInt(sum, 0)
}

// Warm fills the cache from a mirror without overwriting newer entries.
func (c *Cache) Warm(ctx context.Context, mirror Mirror) (int, error) {
	balances, err := mirror.LoadAll(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	for _, b := range balances {
		if existing, ok := c.balances[b.Owner]; ok && !existing.FetchedAt.Before(b.FetchedAt) {
			continue
		}
		c.balances[b.Owner] = b
		loaded++
	}
	return loaded, nil
}

const DefaultMirrorKey = "vault:tracker:balances"

// RedisMirror keeps one hash field per owner.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	if key == "" {
		key = DefaultMirrorKey
	}
	return &RedisMirror{client: client, key: key}
}

func (m *RedisMirror) Save(ctx context.Context, balance CachedBalance) error {
	payload, err := json.Marshal(balance)
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}
	return m.client.HSet(ctx, m.key, balance.Owner.String(), payload).Err()
}

func (m *RedisMirror) LoadAll(ctx context.Context) ([]CachedBalance, error) {
	fields, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return nil, err
	}

	out := make([]CachedBalance, 0, len(fields))
	for field, raw := range fields {
		var b CachedBalance
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, fmt.Errorf("decode balance %s: %w", field, err)
		}
		out = append(out, b)
	}
	return out, nil
}
