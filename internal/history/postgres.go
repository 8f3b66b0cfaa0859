package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createTable = `CREATE TABLE IF NOT EXISTS push_history (
	ph_page      INTEGER     NOT NULL,
	ph_target    TEXT        NOT NULL,
	ph_user      TEXT        NOT NULL DEFAULT '',
	ph_timestamp TIMESTAMPTZ NOT NULL,
	UNIQUE (ph_page, ph_target)
)`

const upsertRecord = `INSERT INTO push_history (ph_page, ph_target, ph_user, ph_timestamp)
VALUES ($1, $2, $3, $4)
ON CONFLICT (ph_page, ph_target) DO UPDATE
SET ph_user = EXCLUDED.ph_user, ph_timestamp = EXCLUDED.ph_timestamp`

const selectRecord = `SELECT ph_page, ph_target, ph_user, ph_timestamp
FROM push_history WHERE ph_page = $1 AND ph_target = $2`

// Postgres stores records in the push_history table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and creates the push_history table if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if _, err := pool.Exec(ctx, createTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create push_history table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Get(ctx context.Context, pageID int, target string) (*Record, error) {
	var rec Record
	err := p.pool.QueryRow(ctx, selectRecord, pageID, target).
		Scan(&rec.PageID, &rec.Target, &rec.User, &rec.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read push history: %w", err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, nil
}

func (p *Postgres) Upsert(ctx context.Context, rec Record) error {
	if _, err := p.pool.Exec(ctx, upsertRecord, rec.PageID, rec.Target, rec.User, rec.Timestamp); err != nil {
		return fmt.Errorf("failed to store push history: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
