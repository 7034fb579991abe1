// Package database provides PostgreSQL connection management using pgx.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sanghaapp/sangha-events/internal/config"
)

// NewPool creates and validates a pgxpool connection pool.
// It retries up to 5 times to accommodate containers starting up.
func NewPool(ctx context.Context, cfg config.DBConfig, log zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}

	// Sensible pool defaults for a small service.
	poolCfg.MaxConns = 20
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 5; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			pingErr := pool.Ping(ctx)
			if pingErr == nil {
				break
			}
			pool.Close()
			err = pingErr
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("db connect failed, retrying in 2s")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return pool, nil
}

// schema is applied on startup. All writes that affect capacity go through a
// FOR UPDATE transaction on the events row. Participants keep one row per
// participation attempt: the partial unique index limits a user to a single
// live row per event while cancelled and refunded rows stay behind as the
// payment audit trail.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	id                 TEXT PRIMARY KEY,
	title              TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	starts_at          TIMESTAMPTZ NOT NULL,
	ends_at            TIMESTAMPTZ NOT NULL,
	fee                BIGINT NOT NULL DEFAULT 0,
	currency           TEXT NOT NULL DEFAULT '',
	max_participants   INT,
	created_by         TEXT NOT NULL,
	cancelled          BOOLEAN NOT NULL DEFAULT FALSE,
	online             BOOLEAN NOT NULL DEFAULT FALSE,
	location           TEXT NOT NULL DEFAULT '',
	is_recorded        BOOLEAN NOT NULL DEFAULT FALSE,
	archive_expires_at TIMESTAMPTZ,
	archive_price      BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id                TEXT PRIMARY KEY,
	event_id          TEXT NOT NULL REFERENCES events(id),
	user_id           TEXT NOT NULL,
	state             TEXT NOT NULL,
	payment_intent_id TEXT,
	refund_id         TEXT,
	message           TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_participants_live
	ON participants (event_id, user_id)
	WHERE state IN ('interested', 'attending_free', 'attending_pending', 'attending_paid');

CREATE INDEX IF NOT EXISTS idx_participants_intent
	ON participants (payment_intent_id);

CREATE TABLE IF NOT EXISTS archive_purchases (
	id                TEXT PRIMARY KEY,
	workshop_id       TEXT NOT NULL REFERENCES events(id),
	user_id           TEXT NOT NULL,
	payment_intent_id TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL,
	purchased_at      TIMESTAMPTZ,
	expires_at        TIMESTAMPTZ,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_events (
	delivery_id  TEXT PRIMARY KEY,
	event_type   TEXT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema. Idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
