package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// flowTypes are the transactions that move tokens in or out of a vault.
var flowTypes = []string{"DEPOSIT", "WITHDRAW", "EXECUTE_WITHDRAWAL"}

// TVLHistory buckets snapshots taken since the cutoff by hour, newest first.
func (s *Store) TVLHistory(ctx context.Context, since time.Time) ([]TVLPoint, error) {
	rows, err := s.pool.Query(ctx, `
		WITH hourly AS (
			SELECT DISTINCT ON (owner, hour) owner, hour, total_balance
			FROM (
				SELECT owner, total_balance, created_at,
					date_trunc('hour', created_at AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS hour
				FROM balance_snapshots
				WHERE created_at >= $1
			) bucketed
			ORDER BY owner, hour, created_at DESC
		)
		SELECT hour, SUM(total_balance)::text, COUNT(*)
		FROM hourly
		GROUP BY hour
		ORDER BY hour DESC
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TVLPoint
	for rows.Next() {
		var p TVLPoint
		var tvl string
		if err := rows.Scan(&p.Hour, &tvl, &p.Vaults); err != nil {
			return nil, err
		}
		if p.TVL, err = decimal.NewFromString(tvl); err != nil {
			return nil, fmt.Errorf("parse tvl at %s: %w", p.Hour, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TopVaults ranks vaults by the total balance of their latest snapshot.
func (s *Store) TopVaults(ctx context.Context, limit int) ([]VaultRanking, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT owner, total_balance::text, locked_balance::text, total_deposited::text, total_withdrawn::text, created_at
		FROM (
			SELECT DISTINCT ON (owner) owner, total_balance, locked_balance, total_deposited, total_withdrawn, created_at
			FROM balance_snapshots
			ORDER BY owner, created_at DESC
		) latest
		ORDER BY total_balance DESC, owner
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VaultRanking
	for rows.Next() {
		var r VaultRanking
		var total, locked, deposited, withdrawn string
		if err := rows.Scan(&r.Owner, &total, &locked, &deposited, &withdrawn, &r.SnapshotAt); err != nil {
			return nil, err
		}
		if err := parseUints(
			field{total, &r.TotalBalance},
			field{locked, &r.LockedBalance},
			field{deposited, &r.TotalDeposited},
			field{withdrawn, &r.TotalWithdrawn},
		); err != nil {
			return nil, fmt.Errorf("parse ranking for %s: %w", r.Owner, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActivitySince reports deposit and withdrawal volume, the number of recorded
// transactions, and how many vaults held a balance in their latest snapshot.
func (s *Store) ActivitySince(ctx context.Context, since time.Time) (Activity, error) {
	var a Activity
	var volume string
	err := s.pool.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE tx_type = ANY($2)), 0)::text,
			COUNT(*)
		FROM transactions
		WHERE created_at >= $1
	`, since, flowTypes).Scan(&volume, &a.Transactions)
	if err != nil {
		return Activity{}, err
	}
	if a.Volume, err = decimal.NewFromString(volume); err != nil {
		return Activity{}, fmt.Errorf("parse volume: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM (
			SELECT DISTINCT ON (owner) total_balance
			FROM balance_snapshots
			ORDER BY owner, created_at DESC
		) latest
		WHERE total_balance > 0
	`).Scan(&a.ActiveVaults)
	if err != nil {
		return Activity{}, err
	}
	return a, nil
}
