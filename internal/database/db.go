// internal/database/db.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS guests (
	id           UUID PRIMARY KEY,
	display_name TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS sessions (
	room       TEXT PRIMARY KEY,
	status     TEXT NOT NULL DEFAULT 'in_progress',
	start_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	end_time   TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS room_actions (
	id             BIGSERIAL PRIMARY KEY,
	room           TEXT NOT NULL REFERENCES sessions (room) ON DELETE CASCADE,
	game           TEXT NOT NULL,
	action_index   INT NOT NULL,
	actor          TEXT NOT NULL,
	action_type    TEXT NOT NULL,
	action_payload JSONB,
	action_time    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS match_results (
	room    TEXT NOT NULL REFERENCES sessions (room) ON DELETE CASCADE,
	game    TEXT NOT NULL,
	player  TEXT NOT NULL,
	score   INT NOT NULL,
	did_win BOOLEAN NOT NULL,
	PRIMARY KEY (room, game, player)
);
`

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
