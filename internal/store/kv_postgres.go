package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresKV implements KV using PostgreSQL. Same single-table layout as the
// SQLite adapter. The region label is informational only (managed-KV parity).
type PostgresKV struct {
	db     *sql.DB
	region string
}

// NewPostgresKV connects to dsn and runs migrations.
func NewPostgresKV(dsn, region string) (*PostgresKV, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		code TEXT PRIMARY KEY,
		doc JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &PostgresKV{db: db, region: region}, nil
}

// Region returns the deployment region label this adapter was opened with.
func (p *PostgresKV) Region() string { return p.region }

func (p *PostgresKV) Put(ctx context.Context, code string, doc []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sessions (code, doc, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT(code) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		code, string(doc))
	return err
}

func (p *PostgresKV) Get(ctx context.Context, code string) ([]byte, error) {
	var doc string
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM sessions WHERE code = $1`, code).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

func (p *PostgresKV) Delete(ctx context.Context, code string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE code = $1`, code)
	return err
}

func (p *PostgresKV) Close() error {
	return p.db.Close()
}
