package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/AfshinJalili/collateral/libs/apikey"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

//go:embed schema.sql
var schema string

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Store is the service's persistence collaborator. Every write is an audit or
// history record; none of it is authoritative for balances.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema creates the service tables when they are missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) UpsertVault(ctx context.Context, v VaultAccount) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vault_accounts (owner, vault_address, token_account, authority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner) DO UPDATE
		SET vault_address = EXCLUDED.vault_address,
			token_account = EXCLUDED.token_account,
			authority = EXCLUDED.authority,
			updated_at = EXCLUDED.updated_at
	`, v.Owner, v.VaultAddress, v.TokenAccount, v.Authority, v.CreatedAt, now)
	return err
}

func (s *Store) GetVaultByOwner(ctx context.Context, owner uuid.UUID) (VaultAccount, error) {
	var v VaultAccount
	row := s.pool.QueryRow(ctx, `
		SELECT owner, vault_address, token_account, authority, created_at, updated_at
		FROM vault_accounts
		WHERE owner = $1
	`, owner)
	if err := row.Scan(&v.Owner, &v.VaultAddress, &v.TokenAccount, &v.Authority, &v.CreatedAt, &v.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VaultAccount{}, ErrNotFound
		}
		return VaultAccount{}, err
	}
	return v, nil
}

func (s *Store) ListVaultOwners(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT owner FROM vault_accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []uuid.UUID
	for rows.Next() {
		var owner uuid.UUID
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

func (s *Store) InsertSnapshot(ctx context.Context, snap BalanceSnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO balance_snapshots (id, owner, total_balance, locked_balance, available_balance, total_deposited, total_withdrawn, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, snap.ID, snap.Owner,
		formatUint(snap.TotalBalance),
		formatUint(snap.LockedBalance),
		formatUint(snap.AvailableBalance),
		formatUint(snap.TotalDeposited),
		formatUint(snap.TotalWithdrawn),
		snap.CreatedAt,
	)
	return err
}

func (s *Store) ListSnapshots(ctx context.Context, owner uuid.UUID, limit int) ([]BalanceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, total_balance::text, locked_balance::text, available_balance::text,
			total_deposited::text, total_withdrawn::text, created_at
		FROM balance_snapshots
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceSnapshot
	for rows.Next() {
		var snap BalanceSnapshot
		var total, locked, available, deposited, withdrawn string
		if err := rows.Scan(&snap.ID, &snap.Owner, &total, &locked, &available, &deposited, &withdrawn, &snap.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseUints(
			field{total, &snap.TotalBalance},
			field{locked, &snap.LockedBalance},
			field{available, &snap.AvailableBalance},
			field{deposited, &snap.TotalDeposited},
			field{withdrawn, &snap.TotalWithdrawn},
		); err != nil {
			return nil, fmt.Errorf("parse snapshot %s: %w", snap.ID, err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) InsertAlert(ctx context.Context, alert Alert) error {
	if alert.ID == uuid.Nil {
		alert.ID = uuid.New()
	}
	if alert.Status == "" {
		alert.Status = AlertStatusActive
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (id, owner, alert_type, severity, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, alert.ID, nullUUID(alert.Owner), alert.AlertType, alert.Severity, alert.Message, alert.Status, alert.CreatedAt)
	return err
}

func (s *Store) ListActiveAlerts(ctx context.Context, limit int) ([]Alert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, alert_type, severity, message, status, created_at
		FROM alerts
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, AlertStatusActive, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var alert Alert
		var owner uuid.NullUUID
		if err := rows.Scan(&alert.ID, &owner, &alert.AlertType, &alert.Severity, &alert.Message, &alert.Status, &alert.CreatedAt); err != nil {
			return nil, err
		}
		alert.Owner = owner.UUID
		out = append(out, alert)
	}
	return out, rows.Err()
}

func (s *Store) ResolveAlert(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `UPDATE alerts SET status = $1 WHERE id = $2`, AlertStatusResolved, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) InsertReconciliation(ctx context.Context, rec ReconciliationLog) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_logs (id, owner, onchain_balance, offchain_balance, discrepancy, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.Owner, formatUint(rec.OnchainBalance), formatUint(rec.OffchainBalance), rec.Discrepancy.String(), rec.Status, rec.CreatedAt)
	return err
}

func (s *Store) ListReconciliations(ctx context.Context, owner uuid.UUID, limit int) ([]ReconciliationLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, onchain_balance::text, offchain_balance::text, discrepancy::text, status, created_at
		FROM reconciliation_logs
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReconciliationLog
	for rows.Next() {
		var rec ReconciliationLog
		var onchain, offchain, discrepancy string
		if err := rows.Scan(&rec.ID, &rec.Owner, &onchain, &offchain, &discrepancy, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseUints(field{onchain, &rec.OnchainBalance}, field{offchain, &rec.OffchainBalance}); err != nil {
			return nil, fmt.Errorf("parse reconciliation %s: %w", rec.ID, err)
		}
		rec.Discrepancy, err = decimal.NewFromString(discrepancy)
		if err != nil {
			return nil, fmt.Errorf("parse discrepancy: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InsertTransaction(ctx context.Context, tx Transaction) error {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = TransactionStatusConfirmed
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, owner, counterparty, tx_type, amount, signature, slot, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.Owner, nullUUID(tx.Counterparty), tx.TxType, formatUint(tx.Amount), tx.Signature, formatUint(tx.Slot), tx.Status, tx.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListTransactions(ctx context.Context, owner uuid.UUID, limit int) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, counterparty, tx_type, amount::text, signature, slot::text, status, created_at
		FROM transactions
		WHERE owner = $1 OR counterparty = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var tx Transaction
		var counterparty uuid.NullUUID
		var amount, slot string
		if err := rows.Scan(&tx.ID, &tx.Owner, &counterparty, &tx.TxType, &amount, &tx.Signature, &slot, &tx.Status, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Counterparty = counterparty.UUID
		if err := parseUints(field{amount, &tx.Amount}, field{slot, &tx.Slot}); err != nil {
			return nil, fmt.Errorf("parse transaction %s: %w", tx.ID, err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (s *Store) CountTransactions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, rec apikey.Record) error {
	if err := apikey.ValidateIPWhitelist(rec.IPWhitelist); err != nil {
		return err
	}
	callerID, err := uuid.Parse(rec.CallerID)
	if err != nil {
		return fmt.Errorf("caller id: %w", err)
	}
	whitelist := rec.IPWhitelist
	if whitelist == nil {
		whitelist = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO caller_api_keys (prefix, caller_id, key_hash, ip_whitelist)
		VALUES ($1, $2, $3, $4)
	`, rec.Prefix, callerID, rec.KeyHash, whitelist)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (apikey.Record, error) {
	var rec apikey.Record
	var callerID uuid.UUID
	row := s.pool.QueryRow(ctx, `
		SELECT prefix, caller_id, key_hash, ip_whitelist, revoked_at
		FROM caller_api_keys
		WHERE prefix = $1
	`, prefix)
	if err := row.Scan(&rec.Prefix, &callerID, &rec.KeyHash, &rec.IPWhitelist, &rec.RevokedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apikey.Record{}, ErrNotFound
		}
		return apikey.Record{}, err
	}
	rec.CallerID = callerID.String()
	return rec, nil
}

func (s *Store) RevokeAPIKey(ctx context.Context, prefix string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE caller_api_keys SET revoked_at = NOW()
		WHERE prefix = $1 AND revoked_at IS NULL
	`, prefix)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type field struct {
	raw string
	dst *uint64
}

func parseUints(fields ...field) error {
	for _, f := range fields {
		v, err := strconv.ParseUint(f.raw, 10, 64)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}

func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
