// Package ledgerclient is the boundary between the vault service and the
// authoritative ledger. The in-process *ledger.Ledger satisfies Client
// directly; GRPCClient reaches a ledger node over the network.
package ledgerclient

import (
	"context"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/google/uuid"
)

type Client interface {
	Send(ctx context.Context, in ledger.Instruction) (ledger.Confirmation, error)
	FetchAccount(ctx context.Context, address uuid.UUID) ([]byte, error)
}

// Admin covers reference-ledger operations outside the vault program:
// minting custody funds and deploying callers.
type Admin interface {
	Fund(ctx context.Context, owner uuid.UUID, amount uint64) (account.TokenAccount, error)
	DeployCaller(ctx context.Context, id uuid.UUID, executable bool) (account.Caller, error)
	RevokeCaller(ctx context.Context, id uuid.UUID) (account.Caller, error)
}

type Backend interface {
	Client
	Admin
}

var (
	_ Backend = (*ledger.Ledger)(nil)
	_ Backend = (*GRPCClient)(nil)
)
