package storage

import "database/sql"

// schema holds the table definitions, executed on startup. Statements are
// idempotent and restricted to syntax both Postgres and SQLite accept:
// uuids as TEXT, money as BIGINT cents, timestamps as BIGINT unix seconds,
// booleans as INTEGER 0/1.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    payment_handle TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token TEXT NOT NULL UNIQUE,
    expires_at BIGINT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    contribution_amount BIGINT NOT NULL,
    frequency TEXT NOT NULL,
    total_rounds INTEGER NOT NULL,
    current_round INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_by TEXT NOT NULL DEFAULT '',
    start_date BIGINT NOT NULL,
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS pool_members (
    id TEXT PRIMARY KEY,
    pool_id TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL DEFAULT '',
    display_name TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL,
    status TEXT NOT NULL,
    payout_destination TEXT NOT NULL DEFAULT '',
    total_contributed BIGINT NOT NULL DEFAULT 0,
    payments_on_time INTEGER NOT NULL DEFAULT 0,
    payments_missed INTEGER NOT NULL DEFAULT 0,
    payout_received INTEGER NOT NULL DEFAULT 0,
    payout_date BIGINT,
    joined_at BIGINT NOT NULL,
    UNIQUE (pool_id, position)
);

CREATE TABLE IF NOT EXISTS pool_rounds (
    pool_id TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
    round INTEGER NOT NULL,
    opened_at BIGINT NOT NULL,
    due_date BIGINT NOT NULL,
    closed_at BIGINT,
    PRIMARY KEY (pool_id, round)
);

CREATE TABLE IF NOT EXISTS round_payments (
    id TEXT PRIMARY KEY,
    pool_id TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
    round INTEGER NOT NULL,
    member_id TEXT NOT NULL REFERENCES pool_members(id) ON DELETE CASCADE,
    amount BIGINT NOT NULL,
    status TEXT NOT NULL,
    method TEXT NOT NULL DEFAULT '',
    due_date BIGINT NOT NULL,
    member_confirmed_at BIGINT,
    admin_verified_at BIGINT,
    verified_by TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    excuse_reason TEXT NOT NULL DEFAULT '',
    reminder_count INTEGER NOT NULL DEFAULT 0,
    UNIQUE (pool_id, round, member_id)
);

CREATE TABLE IF NOT EXISTS payout_records (
    id TEXT PRIMARY KEY,
    pool_id TEXT NOT NULL REFERENCES pools(id) ON DELETE CASCADE,
    round INTEGER NOT NULL,
    recipient_member_id TEXT NOT NULL,
    amount BIGINT NOT NULL,
    scheduled_date BIGINT NOT NULL,
    actual_payout_date BIGINT NOT NULL,
    was_early_payout INTEGER NOT NULL DEFAULT 0,
    early_payout_reason TEXT NOT NULL DEFAULT '',
    initiated_by TEXT NOT NULL DEFAULT '',
    UNIQUE (pool_id, round)
);

CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    pool_id TEXT NOT NULL DEFAULT '',
    event_data TEXT NOT NULL DEFAULT '{}',
    event_metadata TEXT NOT NULL DEFAULT '{}',
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pool_members_pool_id ON pool_members(pool_id);
CREATE INDEX IF NOT EXISTS idx_round_payments_pool_round ON round_payments(pool_id, round);
CREATE INDEX IF NOT EXISTS idx_payout_records_pool_id ON payout_records(pool_id);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_pool_id ON events(pool_id);
CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(token);
`

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
