package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		outlet_id INTEGER NOT NULL,
		tenant_id INTEGER NOT NULL,
		store_id INTEGER NOT NULL,
		customer TEXT NOT NULL,
		items TEXT NOT NULL,
		items_version INTEGER NOT NULL,
		subtotal REAL NOT NULL,
		tax REAL NOT NULL DEFAULT 0,
		service_charge REAL NOT NULL DEFAULT 0,
		total_amount REAL NOT NULL,
		payment_method TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0,
		sync_attempts INTEGER NOT NULL DEFAULT 0,
		last_sync_attempt INTEGER,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_synced ON orders (synced, created_at)`,
	`CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		priority TEXT NOT NULL,
		order_number TEXT NOT NULL,
		payload TEXT,
		timestamp INTEGER NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue (order_number)`,
}

// Migrate creates the orders and sync_queue tables if missing.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating order schema: %w", err)
		}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
