package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the chainhook store (SQLite).
var Migrations = migrate.NewGroup("chainhook")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_chainhook_subscriptions",
			Version: "20240101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainhook_subscriptions (
    id                TEXT PRIMARY KEY,
    url               TEXT NOT NULL,
    token_address     TEXT NOT NULL DEFAULT '',
    event_types       TEXT NOT NULL DEFAULT '[]',
    secret            TEXT NOT NULL,
    active            INTEGER NOT NULL DEFAULT 1,
    rate_limit        INTEGER NOT NULL DEFAULT 0,
    created_by        TEXT NOT NULL DEFAULT '',
    last_triggered_at TEXT,
    deleted_at        TEXT,
    created_at        TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at        TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_chainhook_subscriptions_active ON chainhook_subscriptions (active);
CREATE INDEX IF NOT EXISTS idx_chainhook_subscriptions_created_by ON chainhook_subscriptions (created_by);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainhook_subscriptions`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainhook_delivery_logs",
			Version: "20240101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainhook_delivery_logs (
    id              TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL REFERENCES chainhook_subscriptions(id),
    event_key       TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    payload         TEXT NOT NULL,
    status_code     INTEGER NOT NULL DEFAULT 0,
    success         INTEGER NOT NULL DEFAULT 0,
    terminal        INTEGER NOT NULL DEFAULT 0,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TEXT NOT NULL,
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (subscription_id, event_key)
);

CREATE INDEX IF NOT EXISTS idx_chainhook_delivery_logs_recent ON chainhook_delivery_logs (subscription_id, last_attempt_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainhook_delivery_logs`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainhook_rate_limits",
			Version: "20240101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainhook_rate_limits (
    subscription_id TEXT PRIMARY KEY,
    request_count   INTEGER NOT NULL DEFAULT 0,
    window_start_ns INTEGER NOT NULL
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainhook_rate_limits`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chainhook_cursors",
			Version: "20240101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chainhook_cursors (
    name        TEXT PRIMARY KEY,
    ledger      INTEGER NOT NULL,
    event_index INTEGER NOT NULL,
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chainhook_cursors`)
				return err
			},
		},
	)
}
