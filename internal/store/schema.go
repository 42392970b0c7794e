package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is idempotent; Migrate may run on every start.
// Financial rows have no ON DELETE CASCADE: they are never hard-deleted.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL,
    balance    NUMERIC(28, 8) NOT NULL CHECK (balance >= 0),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq            BIGSERIAL,
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES accounts (id),
    delta          NUMERIC(28, 8) NOT NULL,
    balance_before NUMERIC(28, 8) NOT NULL,
    balance_after  NUMERIC(28, 8) NOT NULL CHECK (balance_after >= 0),
    kind           TEXT NOT NULL,
    reference      TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL,
    CONSTRAINT ledger_entries_reference_key UNIQUE (reference),
    CONSTRAINT ledger_entries_balance_check CHECK (balance_after = balance_before + delta)
);

CREATE INDEX IF NOT EXISTS ledger_entries_account_idx ON ledger_entries (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS trades (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL REFERENCES accounts (id),
    order_no            TEXT NOT NULL,
    pair                TEXT NOT NULL,
    direction           TEXT NOT NULL CHECK (direction IN ('buy', 'sell')),
    stake               NUMERIC(28, 8) NOT NULL CHECK (stake > 0),
    entry_price         NUMERIC(28, 8) NOT NULL,
    leverage            INTEGER NOT NULL DEFAULT 1,
    profit_rate         NUMERIC(10, 4) NOT NULL,
    duration_seconds    INTEGER NOT NULL,
    status              TEXT NOT NULL CHECK (status IN ('pending', 'won', 'lost', 'cancelled')),
    precomputed_outcome BOOLEAN,
    win_probability     DOUBLE PRECISION,
    target_price        NUMERIC(28, 8),
    resolve_at          TIMESTAMPTZ NOT NULL,
    exit_price          NUMERIC(28, 8),
    pnl                 NUMERIC(28, 8),
    settled_at          TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL,
    CONSTRAINT trades_order_no_key UNIQUE (order_no)
);

CREATE INDEX IF NOT EXISTS trades_account_idx ON trades (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS trades_pending_idx ON trades (resolve_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS outcome_controls (
    account_id TEXT PRIMARY KEY REFERENCES accounts (id),
    level      TEXT NOT NULL CHECK (level IN ('none', 'low', 'medium', 'high')),
    active     BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id         BIGSERIAL PRIMARY KEY,
    action     TEXT NOT NULL,
    account_id TEXT NOT NULL,
    trade_id   TEXT,
    payload    JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the tables the PostgresStore and the audit writer use.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
