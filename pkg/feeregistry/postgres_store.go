package feeregistry

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL.
//
// Schema:
//
//	CREATE TABLE fee_config (
//	    key   TEXT PRIMARY KEY,    -- 'base' or an address
//	    bps   SMALLINT NOT NULL
//	);
//	CREATE TABLE fee_balance (
//	    id      INT PRIMARY KEY DEFAULT 1,
//	    balance BIGINT NOT NULL DEFAULT 0
//	);
type PostgresStorage struct {
	db *sql.DB
}

const baseFeeKey = "base"

// NewPostgresStorage creates a Postgres-backed fee store.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) BaseFee(ctx context.Context) (uint16, error) {
	var bps uint16
	err := s.db.QueryRowContext(ctx,
		"SELECT bps FROM fee_config WHERE key = $1", baseFeeKey).Scan(&bps)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query base fee: %w", err)
	}
	return bps, nil
}

func (s *PostgresStorage) SetBaseFee(ctx context.Context, bps uint16) error {
	return s.upsertFee(ctx, baseFeeKey, bps)
}

func (s *PostgresStorage) Override(ctx context.Context, addr string) (uint16, bool, error) {
	var bps uint16
	err := s.db.QueryRowContext(ctx,
		"SELECT bps FROM fee_config WHERE key = $1", addr).Scan(&bps)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query override: %w", err)
	}
	return bps, true, nil
}

func (s *PostgresStorage) SetOverride(ctx context.Context, addr string, bps uint16) error {
	return s.upsertFee(ctx, addr, bps)
}

func (s *PostgresStorage) upsertFee(ctx context.Context, key string, bps uint16) error {
	query := `
		INSERT INTO fee_config (key, bps) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET bps = EXCLUDED.bps
	`
	if _, err := s.db.ExecContext(ctx, query, key, bps); err != nil {
		return fmt.Errorf("upsert fee %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStorage) Credit(ctx context.Context, amount uint64) error {
	query := `
		INSERT INTO fee_balance (id, balance) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET balance = fee_balance.balance + EXCLUDED.balance
	`
	if _, err := s.db.ExecContext(ctx, query, amount); err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Debit(ctx context.Context, amount uint64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE fee_balance SET balance = balance - $1 WHERE id = 1 AND balance >= $1", amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("debit %d: balance too low", amount)
	}
	return nil
}

func (s *PostgresStorage) Balance(ctx context.Context) (uint64, error) {
	var balance uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM fee_balance WHERE id = 1").Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}
