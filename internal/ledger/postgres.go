package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS x402_settlements (
	tx_hash    TEXT PRIMARY KEY,
	network    TEXT NOT NULL,
	payer      TEXT NOT NULL,
	pay_to     TEXT NOT NULL,
	asset      TEXT NOT NULL,
	amount     NUMERIC(39, 0) NOT NULL,
	resource   TEXT NOT NULL,
	ledger     INTEGER NOT NULL,
	settled_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS x402_settlements_payer_idx ON x402_settlements (payer, settled_at DESC);`

const selectColumns = `tx_hash, network, payer, pay_to, asset, amount, resource, ledger, settled_at`

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// OpenPostgres opens and pings a Postgres connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}
	return db, nil
}

// PostgresRepository stores settlements in Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository wraps db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the settlements table when missing.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Save(ctx context.Context, r Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO x402_settlements (`+selectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.TxHash, r.Network, r.Payer, r.PayTo, r.Asset, r.Amount, r.Resource, r.Ledger, r.SettledAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("ledger: save %s: %w", r.TxHash, err)
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, txHash string) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM x402_settlements WHERE tx_hash = $1`, txHash)

	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get %s: %w", txHash, err)
	}
	return r, nil
}

func (p *PostgresRepository) Exists(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM x402_settlements WHERE tx_hash = $1)`, txHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: exists %s: %w", txHash, err)
	}
	return exists, nil
}

func (p *PostgresRepository) ListByPayer(ctx context.Context, payer string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM x402_settlements WHERE payer = $1 ORDER BY settled_at DESC LIMIT $2`,
		payer, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", payer, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	err := s.Scan(&r.TxHash, &r.Network, &r.Payer, &r.PayTo, &r.Asset, &r.Amount, &r.Resource, &r.Ledger, &r.SettledAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
