package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerStore keeps the reference ledger's accounts in Postgres. Each update
// runs in one transaction holding row and advisory locks on every touched
// address, so concurrent nodes serialize per account.
type LedgerStore struct {
	pool *pgxpool.Pool
}

func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

var _ ledger.StateStore = (*LedgerStore)(nil)

func (s *LedgerStore) Update(ctx context.Context, addresses []uuid.UUID, fn func(ledger.State) (ledger.State, error)) error {
	keys := sortedUnique(addresses)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		// Absent rows cannot be locked with FOR UPDATE, so creation races are
		// serialized on an advisory lock per address.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key.String()); err != nil {
			return err
		}
		ids = append(ids, key.String())
	}

	rows, err := tx.Query(ctx, `
		SELECT address, kind, data
		FROM ledger_accounts
		WHERE address = ANY($1::uuid[])
		ORDER BY address
		FOR UPDATE
	`, ids)
	if err != nil {
		return err
	}
	raws, err := scanRaw(rows)
	if err != nil {
		return err
	}

	snap, err := ledger.StateFromRaw(raws)
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

	now := time.Now().UTC()
	for _, raw := range out {
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_accounts (address, kind, data, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (address) DO UPDATE
			SET kind = EXCLUDED.kind, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		`, raw.Address, string(raw.Kind), raw.Data, now); err != nil {
			return fmt.Errorf("write %s %s: %w", raw.Kind, raw.Address, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *LedgerStore) Get(ctx context.Context, address uuid.UUID) (account.Raw, error) {
	var raw account.Raw
	var kind string
	row := s.pool.QueryRow(ctx, `SELECT address, kind, data FROM ledger_accounts WHERE address = $1`, address)
	if err := row.Scan(&raw.Address, &kind, &raw.Data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Raw{}, fmt.Errorf("account %s: %w", address, account.ErrAccountNotFound)
		}
		return account.Raw{}, err
	}
	raw.Kind = account.Kind(kind)
	return raw, nil
}

func scanRaw(rows pgx.Rows) ([]account.Raw, error) {
	defer rows.Close()
	var out []account.Raw
	for rows.Next() {
		var raw account.Raw
		var kind string
		if err := rows.Scan(&raw.Address, &kind, &raw.Data); err != nil {
			return nil, err
		}
		raw.Kind = account.Kind(kind)
		out = append(out, raw)
	}
	return out, rows.Err()
}

// sortedUnique orders addresses so concurrent updates take locks in the same
// sequence.
func sortedUnique(addresses []uuid.UUID) []uuid.UUID {
	keys := slices.Clone(addresses)
	slices.SortFunc(keys, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return slices.Compact(keys)
}
