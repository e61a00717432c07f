package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"possync/internal/domain"
	"possync/internal/dto"
	"possync/internal/errors"
)

const orderColumns = `id, order_number, outlet_id, tenant_id, store_id, customer, items, items_version,
	subtotal, tax, service_charge, total_amount, payment_method, status, created_at, updated_at,
	synced, sync_attempts, last_sync_attempt, last_error`

type SQLiteOrderRepository struct {
	db *sql.DB
}

func NewSQLiteOrderRepository(db *sql.DB) *SQLiteOrderRepository {
	return &SQLiteOrderRepository{db: db}
}

// InsertWithQueueItem stores the order and its first queue item atomically:
// either both rows exist afterwards or neither does.
func (r *SQLiteOrderRepository) InsertWithQueueItem(ctx context.Context, order domain.OfflineOrder, item domain.SyncQueueItem) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE order_number = ?`, order.OrderNumber).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking order number: %w", err)
	}
	if exists > 0 {
		return errors.NewConflictError(fmt.Sprintf("order %s already exists", order.OrderNumber))
	}

	customer, err := json.Marshal(order.Customer)
	if err != nil {
		return fmt.Errorf("encoding customer: %w", err)
	}
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("encoding items: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.OrderNumber, order.OutletID, order.TenantID, order.StoreID,
		string(customer), string(items), domain.ItemsVersion,
		order.Subtotal, order.Tax, order.ServiceCharge, order.TotalAmount,
		order.PaymentMethod, order.Status, toMillis(order.CreatedAt), toMillis(order.UpdatedAt),
		order.Synced, order.SyncAttempts, nullMillis(order.LastSyncAttempt), order.LastError,
	)
	if err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}

	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing order: %w", err)
	}
	return nil
}

func (r *SQLiteOrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (*domain.OfflineOrder, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = ?`, orderNumber)

	order, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(fmt.Sprintf("order %s not found", orderNumber))
	}
	if err != nil {
		return nil, fmt.Errorf("querying order %s: %w", orderNumber, err)
	}
	return order, nil
}

// ListUnsynced returns unsynced orders, oldest first.
func (r *SQLiteOrderRepository) ListUnsynced(ctx context.Context) ([]domain.OfflineOrder, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE synced = 0 ORDER BY created_at, order_number`)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.OfflineOrder
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (r *SQLiteOrderRepository) MarkSynced(ctx context.Context, orderNumber string, at time.Time) error {
	return r.updateOne(ctx, orderNumber,
		`UPDATE orders SET synced = 1, last_sync_attempt = ?, last_error = '' WHERE order_number = ?`,
		toMillis(at), orderNumber)
}

func (r *SQLiteOrderRepository) RecordSyncFailure(ctx context.Context, orderNumber, message string, at time.Time) error {
	return r.updateOne(ctx, orderNumber,
		`UPDATE orders SET sync_attempts = sync_attempts + 1, last_sync_attempt = ?, last_error = ? WHERE order_number = ?`,
		toMillis(at), message, orderNumber)
}

// UpdateStatus applies a status change unless the stored row is newer. It
// reports whether the row changed. Price fields are never touched.
func (r *SQLiteOrderRepository) UpdateStatus(ctx context.Context, orderNumber, status string, updatedAt time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	applied, err := updateStatus(ctx, tx, orderNumber, status, updatedAt)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing order status: %w", err)
	}
	return applied, nil
}

// UpdateStatusWithQueueItem applies a local status change and queues its
// sync item in one transaction. The item is only stored when the status was
// applied; a failed insert leaves the status untouched.
func (r *SQLiteOrderRepository) UpdateStatusWithQueueItem(ctx context.Context, status string, item domain.SyncQueueItem) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	applied, err := updateStatus(ctx, tx, item.OrderNumber, status, item.Timestamp)
	if err != nil || !applied {
		return false, err
	}
	if err := insertQueueItem(ctx, tx, item); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing order status: %w", err)
	}
	return true, nil
}

// UpdateDetailsWithQueueItem edits customer and payment method and queues the
// update item in one transaction. Nil fields keep their stored value; prices,
// status and updated_at are never touched.
func (r *SQLiteOrderRepository) UpdateDetailsWithQueueItem(ctx context.Context, customer *domain.Customer, paymentMethod *string, item domain.SyncQueueItem) error {
	var customerArg, paymentArg sql.NullString
	if customer != nil {
		raw, err := json.Marshal(customer)
		if err != nil {
			return fmt.Errorf("encoding customer: %w", err)
		}
		customerArg = sql.NullString{String: string(raw), Valid: true}
	}
	if paymentMethod != nil {
		paymentArg = sql.NullString{String: *paymentMethod, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE orders SET customer = COALESCE(?, customer), payment_method = COALESCE(?, payment_method) WHERE order_number = ?`,
		customerArg, paymentArg, item.OrderNumber)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", item.OrderNumber, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("order %s not found", item.OrderNumber))
	}

	if err := insertQueueItem(ctx, tx, item); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing order update: %w", err)
	}
	return nil
}

func updateStatus(ctx context.Context, tx *sql.Tx, orderNumber, status string, updatedAt time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE order_number = ? AND updated_at <= ?`,
		status, toMillis(updatedAt), orderNumber, toMillis(updatedAt))
	if err != nil {
		return false, fmt.Errorf("updating order status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM orders WHERE order_number = ?`, orderNumber).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking order number: %w", err)
	}
	if exists == 0 {
		return false, errors.NewNotFoundError(fmt.Sprintf("order %s not found", orderNumber))
	}
	return false, nil
}

// Stats counts orders. An unsynced order with more than failedAfter attempts
// counts as failed.
func (r *SQLiteOrderRepository) Stats(ctx context.Context, failedAfter int) (dto.OrderStats, error) {
	var stats dto.OrderStats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(1),
			COALESCE(SUM(CASE WHEN synced = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN synced = 0 AND sync_attempts > ? THEN 1 ELSE 0 END), 0)
		FROM orders`, failedAfter,
	).Scan(&stats.TotalOrders, &stats.SyncedOrders, &stats.PendingOrders, &stats.FailedSyncs)
	if err != nil {
		return stats, fmt.Errorf("counting orders: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sync_queue`).Scan(&stats.SyncQueueSize); err != nil {
		return stats, fmt.Errorf("counting sync queue: %w", err)
	}
	return stats, nil
}

// PurgeSynced deletes synced orders created before the cutoff.
func (r *SQLiteOrderRepository) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE synced = 1 AND created_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("purging synced orders: %w", err)
	}
	return result.RowsAffected()
}

func (r *SQLiteOrderRepository) updateOne(ctx context.Context, orderNumber, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", orderNumber, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return errors.NewNotFoundError(fmt.Sprintf("order %s not found", orderNumber))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*domain.OfflineOrder, error) {
	var (
		order          domain.OfflineOrder
		customer       string
		items          string
		itemsVersion   int
		createdAt      int64
		updatedAt      int64
		lastAttemptRaw sql.NullInt64
	)
	err := s.Scan(
		&order.ID, &order.OrderNumber, &order.OutletID, &order.TenantID, &order.StoreID,
		&customer, &items, &itemsVersion,
		&order.Subtotal, &order.Tax, &order.ServiceCharge, &order.TotalAmount,
		&order.PaymentMethod, &order.Status, &createdAt, &updatedAt,
		&order.Synced, &order.SyncAttempts, &lastAttemptRaw, &order.LastError,
	)
	if err != nil {
		return nil, err
	}

	if itemsVersion != domain.ItemsVersion {
		return nil, fmt.Errorf("order %s: unsupported items_version %d", order.OrderNumber, itemsVersion)
	}
	if err := json.Unmarshal([]byte(customer), &order.Customer); err != nil {
		return nil, fmt.Errorf("decoding customer: %w", err)
	}
	if err := json.Unmarshal([]byte(items), &order.Items); err != nil {
		return nil, fmt.Errorf("decoding items: %w", err)
	}

	order.CreatedAt = fromMillis(createdAt)
	order.UpdatedAt = fromMillis(updatedAt)
	if lastAttemptRaw.Valid {
		t := fromMillis(lastAttemptRaw.Int64)
		order.LastSyncAttempt = &t
	}
	return &order, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
