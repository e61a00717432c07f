package testutil

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/go-sql-driver/mysql"

	"possync/internal/infrastructure/sqlite"
)

// SetupSQLiteDB opens a WAL database in a per-test temp dir. It is closed
// when the test ends.
func SetupSQLiteDB(t *testing.T) (*sql.DB, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("failed to open sqlite database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db, path
}

// SetupMySQLDB connects to the broker test database. The DSN comes from
// POSSYNC_TEST_MYSQL_DSN and defaults to a local possync_test schema; the
// test is skipped when nothing answers.
func SetupMySQLDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		dsn = "root:@tcp(localhost:3306)/possync_test?parseTime=true"
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("test database not available: %v", err)
	}

	t.Cleanup(func() {
		if _, err := db.Exec("DROP TABLE IF EXISTS broker_orders"); err != nil {
			t.Logf("failed to drop broker_orders: %v", err)
		}
		db.Close()
	})

	return db
}
