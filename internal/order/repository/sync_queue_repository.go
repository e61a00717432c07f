package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"possync/internal/domain"
	"possync/internal/errors"
)

const queueColumns = `id, type, priority, order_number, payload, timestamp, retries, max_retries, last_error`

type SQLiteSyncQueueRepository struct {
	db *sql.DB
}

func NewSQLiteSyncQueueRepository(db *sql.DB) *SQLiteSyncQueueRepository {
	return &SQLiteSyncQueueRepository{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertQueueItem(ctx context.Context, ex execer, item domain.SyncQueueItem) error {
	var payload sql.NullString
	if len(item.Payload) > 0 {
		payload = sql.NullString{String: string(item.Payload), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Type), string(item.Priority), item.OrderNumber, payload,
		toMillis(item.Timestamp), item.Retries, item.MaxRetries, item.LastError,
	)
	if err != nil {
		return fmt.Errorf("inserting sync queue item: %w", err)
	}
	return nil
}

func (r *SQLiteSyncQueueRepository) Enqueue(ctx context.Context, item domain.SyncQueueItem) error {
	return insertQueueItem(ctx, r.db, item)
}

// List returns the whole queue in drain order.
func (r *SQLiteSyncQueueRepository) List(ctx context.Context) ([]domain.SyncQueueItem, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue`)
	if err != nil {
		return nil, fmt.Errorf("listing sync queue: %w", err)
	}
	defer rows.Close()

	var items []domain.SyncQueueItem
	for rows.Next() {
		var (
			item     domain.SyncQueueItem
			typ      string
			priority string
			payload  sql.NullString
			ts       int64
		)
		if err := rows.Scan(&item.ID, &typ, &priority, &item.OrderNumber, &payload, &ts,
			&item.Retries, &item.MaxRetries, &item.LastError); err != nil {
			return nil, fmt.Errorf("scanning sync queue item: %w", err)
		}
		item.Type = domain.SyncType(typ)
		item.Priority = domain.SyncPriority(priority)
		item.Timestamp = fromMillis(ts)
		if payload.Valid {
			item.Payload = []byte(payload.String)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	domain.SortQueue(items)
	return items, nil
}

// Delete removes a queue item. The order it refers to is left alone.
func (r *SQLiteSyncQueueRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting sync queue item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("sync queue item %s not found", id))
	}
	return nil
}

// Complete removes a confirmed item. A create item also marks its order
// synced; both happen in one transaction.
func (r *SQLiteSyncQueueRepository) Complete(ctx context.Context, item domain.SyncQueueItem, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID); err != nil {
		return fmt.Errorf("deleting sync queue item: %w", err)
	}

	if item.Type == domain.SyncTypeCreate {
		_, err := tx.ExecContext(ctx,
			`UPDATE orders SET synced = 1, last_sync_attempt = ?, last_error = '' WHERE order_number = ?`,
			toMillis(at), item.OrderNumber)
		if err != nil {
			return fmt.Errorf("marking order synced: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sync completion: %w", err)
	}
	return nil
}

// Fail records a failed attempt on the item and its order. Once retries
// reach max_retries the item is deleted and dropped is true; the order keeps
// its last_error.
func (r *SQLiteSyncQueueRepository) Fail(ctx context.Context, item domain.SyncQueueItem, message string, at time.Time) (retries int, dropped bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var maxRetries int
	err = tx.QueryRowContext(ctx, `SELECT retries, max_retries FROM sync_queue WHERE id = ?`, item.ID).Scan(&retries, &maxRetries)
	if err == sql.ErrNoRows {
		return 0, false, errors.NewNotFoundError(fmt.Sprintf("sync queue item %s not found", item.ID))
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading sync queue item: %w", err)
	}

	retries++
	dropped = retries >= maxRetries
	if dropped {
		_, err = tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, item.ID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE sync_queue SET retries = ?, last_error = ? WHERE id = ?`, retries, message, item.ID)
	}
	if err != nil {
		return 0, false, fmt.Errorf("recording sync queue failure: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE orders SET sync_attempts = sync_attempts + 1, last_sync_attempt = ?, last_error = ? WHERE order_number = ?`,
		toMillis(at), message, item.OrderNumber)
	if err != nil {
		return 0, false, fmt.Errorf("recording order sync failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("committing sync failure: %w", err)
	}
	return retries, dropped, nil
}

// RebuildCreates replaces every create item with a fresh one per unsynced
// order. Update and status-change items are kept. newID supplies item ids.
func (r *SQLiteSyncQueueRepository) RebuildCreates(ctx context.Context, maxRetries int, newID func() string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue WHERE type = ?`, string(domain.SyncTypeCreate)); err != nil {
		return 0, fmt.Errorf("clearing create items: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT order_number, created_at FROM orders WHERE synced = 0 ORDER BY created_at`)
	if err != nil {
		return 0, fmt.Errorf("listing unsynced orders: %w", err)
	}
	type pending struct {
		number    string
		createdAt int64
	}
	var orders []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.number, &p.createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning unsynced order: %w", err)
		}
		orders = append(orders, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range orders {
		item := domain.SyncQueueItem{
			ID:          newID(),
			Type:        domain.SyncTypeCreate,
			Priority:    domain.PriorityHigh,
			OrderNumber: p.number,
			Timestamp:   fromMillis(p.createdAt),
			MaxRetries:  maxRetries,
		}
		if err := insertQueueItem(ctx, tx, item); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing queue rebuild: %w", err)
	}
	return len(orders), nil
}
