package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	CollectionProducts   = "products"
	CollectionCategories = "categories"
	CollectionPromotions = "promotions"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS catalog_items (
		collection TEXT NOT NULL,
		id INTEGER NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Row is one cached catalog entry, stored as the JSON the cloud sent.
type Row struct {
	ID        int64
	Data      json.RawMessage
	UpdatedAt time.Time
}

type SQLiteCatalogRepository struct {
	db *sql.DB
}

func NewSQLiteCatalogRepository(db *sql.DB) *SQLiteCatalogRepository {
	return &SQLiteCatalogRepository{db: db}
}

func (r *SQLiteCatalogRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating catalog schema: %w", err)
		}
	}
	return nil
}

// ApplyPage upserts rows and records the collection version and refresh
// time in one transaction, so a version is never stored without its rows.
func (r *SQLiteCatalogRepository) ApplyPage(ctx context.Context, collection string, version int64, rows []Row, refreshedAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO catalog_items (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			collection, row.ID, string(row.Data), row.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upserting %s %d: %w", collection, row.ID, err)
		}
	}

	if err := setMeta(ctx, tx, versionKey(collection), strconv.FormatInt(version, 10)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, refreshedKey(collection), refreshedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %s page: %w", collection, err)
	}
	return nil
}

func (r *SQLiteCatalogRepository) List(ctx context.Context, collection string) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, data, updated_at FROM catalog_items WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", collection, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (r *SQLiteCatalogRepository) FindByIDs(ctx context.Context, collection string, ids []int64) ([]Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, collection)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, data, updated_at FROM catalog_items
		WHERE collection = ? AND id IN (%s)
		ORDER BY id`,
		strings.Join(placeholders, ", "),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer rows.Close()
	return scanRows(rows)
}

// Version is 0 for a collection never pulled.
func (r *SQLiteCatalogRepository) Version(ctx context.Context, collection string) (int64, error) {
	raw, ok, err := r.meta(ctx, versionKey(collection))
	if err != nil || !ok {
		return 0, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s version %q: %w", collection, raw, err)
	}
	return v, nil
}

// RefreshedAt is the zero time for a collection never pulled.
func (r *SQLiteCatalogRepository) RefreshedAt(ctx context.Context, collection string) (time.Time, error) {
	raw, ok, err := r.meta(ctx, refreshedKey(collection))
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s refresh time %q: %w", collection, raw, err)
	}
	return t, nil
}

func (r *SQLiteCatalogRepository) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM catalog_items WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", collection, err)
	}
	return n, nil
}

func (r *SQLiteCatalogRepository) meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading metadata %s: %w", key, err)
	}
	return value, true, nil
}

func setMeta(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("writing metadata %s: %w", key, err)
	}
	return nil
}

func versionKey(collection string) string {
	return "catalog." + collection + ".version"
}

func refreshedKey(collection string) string {
	return "catalog." + collection + ".refreshed_at"
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var row Row
		var data string
		var updatedAt int64
		if err := rows.Scan(&row.ID, &data, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning catalog row: %w", err)
		}
		row.Data = json.RawMessage(data)
		row.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating catalog rows: %w", err)
	}
	return out, nil
}
