package storage

import (
	"context"

	"github.com/jmoiron/sqlx"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		api_key TEXT NOT NULL,
		models TEXT NOT NULL DEFAULT '[]',
		model_blacklist TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL DEFAULT 'pending',
		last_synced_at INTEGER,
		last_used_at INTEGER,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_logs (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		provider_name TEXT NOT NULL,
		model TEXT NOT NULL,
		result TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_logs_provider ON sync_logs(provider_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS request_logs (
		id TEXT PRIMARY KEY,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		status INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		ip TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at)`,
	`CREATE TABLE IF NOT EXISTS hermes_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		admin_scope INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_counters (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_models (
		model TEXT PRIMARY KEY,
		count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		count INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0
	)`,
}

func (db *DB) migrate(ctx context.Context) error {
	return db.WriteTx(ctx, func(tx *sqlx.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}
