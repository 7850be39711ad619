package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlements (
	key        TEXT PRIMARY KEY,
	network    TEXT NOT NULL,
	tx_ref     TEXT NOT NULL DEFAULT '',
	payer      TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps records in a PostgreSQL table shared by every
// facilitator replica.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the settlements table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate settlements table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	var (
		rec    Record
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, network, tx_ref, payer, status, reason, updated_at
		   FROM settlements WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.Network, &rec.Transaction, &rec.Payer, &status, &rec.Reason, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement %s: %w", key, err)
	}

	rec.Status = Status(status)
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (key, network, tx_ref, payer, status, reason, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (key) DO UPDATE SET
		   network = EXCLUDED.network,
		   tx_ref = EXCLUDED.tx_ref,
		   payer = EXCLUDED.payer,
		   status = EXCLUDED.status,
		   reason = EXCLUDED.reason,
		   updated_at = EXCLUDED.updated_at
		 WHERE settlements.status <> 'confirmed'`,
		rec.Key, rec.Network, rec.Transaction, rec.Payer, string(rec.Status), rec.Reason, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put settlement %s: %w", rec.Key, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
