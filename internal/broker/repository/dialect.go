package repository

import (
	"context"
	"database/sql"
	"fmt"

	"possync/internal/infrastructure/mysql"
	"possync/internal/infrastructure/sqlite"
)

// Dialect carries the engine-specific parts of the store. Queries themselves
// are portable between SQLite and MySQL.
type Dialect struct {
	Name        string
	Schema      []string
	IsRetryable func(error) bool
	// Checkpoint and Backup are nil when the engine handles them itself.
	Checkpoint func(ctx context.Context, db *sql.DB) error
	Backup     func(ctx context.Context, db *sql.DB, path string) error
}

var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS broker_orders (
			id TEXT PRIMARY KEY,
			outlet_id INTEGER NOT NULL,
			order_number TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			payload_version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			synced_to_cloud INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_broker_orders_number ON broker_orders (outlet_id, order_number)`,
		`CREATE INDEX IF NOT EXISTS idx_broker_orders_updated ON broker_orders (outlet_id, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_broker_orders_unsynced ON broker_orders (synced_to_cloud, id)`,
	},
	IsRetryable: sqlite.IsRetryable,
	Checkpoint:  sqlite.Checkpoint,
	Backup:      sqlite.BackupTo,
}

// MySQL relies on InnoDB's redo log for durability; backups are left to the
// database's own tooling.
var MySQL = Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS broker_orders (
			id CHAR(36) NOT NULL PRIMARY KEY,
			outlet_id BIGINT NOT NULL,
			order_number VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			payload JSON NOT NULL,
			payload_version INT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			synced_to_cloud TINYINT(1) NOT NULL DEFAULT 0,
			UNIQUE KEY idx_broker_orders_number (outlet_id, order_number),
			KEY idx_broker_orders_updated (outlet_id, updated_at),
			KEY idx_broker_orders_unsynced (synced_to_cloud, id)
		) ENGINE=InnoDB`,
	},
	IsRetryable: mysql.IsRetryable,
}

func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "", "sqlite":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("unsupported broker store driver %q", driver)
}
