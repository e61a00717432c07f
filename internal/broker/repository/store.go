package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"possync/internal/domain"
	"possync/internal/errors"
	"possync/internal/ids"
)

const (
	recordColumns = `id, outlet_id, order_number, status, payload, payload_version,
	created_at, updated_at, synced_to_cloud`

	DefaultRetention = 100
	maxListLimit     = 500
	maxWriteAttempts = 3
)

var ErrBackupUnsupported = stderrors.New("backup not supported by this store driver")

type Stats struct {
	TotalOrders    int           `json:"total_orders"`
	UnsyncedOrders int           `json:"unsynced_orders"`
	Outlets        map[int64]int `json:"outlets"`
}

// Store is the broker's durable order buffer. Every insert prunes the
// outlet down to the retention cap inside the same transaction.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	retention int
	logger    *zap.Logger

	newID func() string
	now   func() time.Time
}

func NewStore(db *sql.DB, dialect Dialect, retention int, logger *zap.Logger) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		db:        db,
		dialect:   dialect,
		retention: retention,
		logger:    logger,
		newID:     ids.New,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating broker schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Driver() string {
	return s.dialect.Name
}

// Insert stores a new order record. A record with the same order number in
// the same outlet is returned as is with existing=true.
func (s *Store) Insert(ctx context.Context, outletID int64, orderNumber, status string, payload json.RawMessage) (rec domain.BrokerOrderRecord, existing bool, err error) {
	err = s.withRetry(ctx, "insert", func(tx *sql.Tx) error {
		found, err := scanRecord(tx.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM broker_orders WHERE outlet_id = ? AND order_number = ?`,
			outletID, orderNumber))
		if err == nil {
			rec, existing = found, true
			return nil
		}
		if !stderrors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking order number: %w", err)
		}

		now := s.now()
		rec = domain.BrokerOrderRecord{
			ID:             s.newID(),
			OutletID:       outletID,
			OrderNumber:    orderNumber,
			Status:         status,
			Payload:        payload,
			PayloadVersion: domain.PayloadVersion,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		existing = false

		_, err = tx.ExecContext(ctx, `
			INSERT INTO broker_orders (`+recordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.OutletID, rec.OrderNumber, rec.Status, string(rec.Payload), rec.PayloadVersion,
			now.UnixMilli(), now.UnixMilli(), false,
		)
		if err != nil {
			return fmt.Errorf("inserting broker order: %w", err)
		}
		return s.prune(ctx, tx, outletID)
	})
	if err != nil {
		return domain.BrokerOrderRecord{}, false, err
	}
	return rec, existing, nil
}

// prune keeps the newest retention rows of the outlet.
func (s *Store) prune(ctx context.Context, tx *sql.Tx, outletID int64) error {
	var cutoff string
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM broker_orders WHERE outlet_id = ?
		ORDER BY id DESC LIMIT 1 OFFSET ?`,
		outletID, s.retention-1,
	).Scan(&cutoff)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("finding retention cutoff: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM broker_orders WHERE outlet_id = ? AND id < ?`, outletID, cutoff)
	if err != nil {
		return fmt.Errorf("pruning outlet %d: %w", outletID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("pruned broker orders", zap.Int64("outletId", outletID), zap.Int64("rows", n))
	}
	return nil
}

// UpdateStatus sets the status of a stored order; updated_at is the broker's
// receive time so REST pollers can use it as a cursor. found is false when
// the outlet has no such order.
func (s *Store) UpdateStatus(ctx context.Context, outletID int64, orderNumber, status string) (found bool, err error) {
	err = s.withRetry(ctx, "update status", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE broker_orders SET status = ?, updated_at = ?
			WHERE outlet_id = ? AND order_number = ?`,
			status, s.now().UnixMilli(), outletID, orderNumber,
		)
		if err != nil {
			return fmt.Errorf("updating broker order status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading affected rows: %w", err)
		}
		found = n > 0
		return nil
	})
	return found, err
}

// ListSince returns the outlet's records newer than sinceID or touched at or
// after updatedSince, oldest id first.
func (s *Store) ListSince(ctx context.Context, outletID int64, sinceID string, updatedSince time.Time, limit int) ([]domain.BrokerOrderRecord, error) {
	var since int64
	if !updatedSince.IsZero() {
		since = updatedSince.UnixMilli()
	} else if sinceID != "" {
		// Without an update cursor only the id cursor applies.
		since = s.now().Add(time.Hour).UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM broker_orders
		WHERE outlet_id = ? AND (id > ? OR updated_at >= ?)
		ORDER BY id ASC LIMIT ?`,
		outletID, sinceID, since, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing broker orders: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) Get(ctx context.Context, id string) (*domain.BrokerOrderRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM broker_orders WHERE id = ?`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("broker order %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("reading broker order: %w", err)
	}
	return &rec, nil
}

func (s *Store) MarkSynced(ctx context.Context, id string) error {
	var found bool
	err := s.withRetry(ctx, "mark synced", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE broker_orders SET synced_to_cloud = ? WHERE id = ?`, true, id)
		if err != nil {
			return fmt.Errorf("marking broker order synced: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("reading affected rows: %w", err)
		}
		found = n > 0
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errors.NewNotFoundError(fmt.Sprintf("broker order %s not found", id))
	}
	return nil
}

func (s *Store) ListUnsynced(ctx context.Context, limit int) ([]domain.BrokerOrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM broker_orders
		WHERE synced_to_cloud = ?
		ORDER BY id ASC LIMIT ?`,
		false, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("listing unsynced broker orders: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Outlets: make(map[int64]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT outlet_id, COUNT(1), SUM(CASE WHEN synced_to_cloud = 0 THEN 1 ELSE 0 END)
		FROM broker_orders GROUP BY outlet_id`)
	if err != nil {
		return Stats{}, fmt.Errorf("reading broker stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outletID int64
		var total, unsynced int
		if err := rows.Scan(&outletID, &total, &unsynced); err != nil {
			return Stats{}, fmt.Errorf("scanning broker stats: %w", err)
		}
		stats.Outlets[outletID] = total
		stats.TotalOrders += total
		stats.UnsyncedOrders += unsynced
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating broker stats: %w", err)
	}
	return stats, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Checkpoint flushes the write-ahead log into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if s.dialect.Checkpoint == nil {
		return nil
	}
	return s.dialect.Checkpoint(ctx, s.db)
}

func (s *Store) BackupTo(ctx context.Context, path string) error {
	if s.dialect.Backup == nil {
		return ErrBackupUnsupported
	}
	return s.dialect.Backup(ctx, s.db, path)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn in a transaction, retrying when the engine reports lock
// contention that rolled the whole transaction back.
func (s *Store) withRetry(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	backoffs := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond}

	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = s.inTx(ctx, fn)
		if err == nil || !s.dialect.IsRetryable(err) {
			return err
		}
		if attempt == maxWriteAttempts {
			break
		}

		jitter := time.Duration(float64(backoffs[attempt]) * (0.8 + rand.Float64()*0.4))
		s.logger.Warn("store contention, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxWriteAttempts),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter):
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.BrokerOrderRecord, error) {
	var rec domain.BrokerOrderRecord
	var payload []byte
	var createdAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.OutletID, &rec.OrderNumber, &rec.Status, &payload, &rec.PayloadVersion,
		&createdAt, &updatedAt, &rec.SyncedToCloud)
	if err != nil {
		return domain.BrokerOrderRecord{}, err
	}
	if rec.PayloadVersion != domain.PayloadVersion {
		return domain.BrokerOrderRecord{}, fmt.Errorf("broker order %s: unsupported payload version %d", rec.ID, rec.PayloadVersion)
	}

	rec.Payload = json.RawMessage(payload)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]domain.BrokerOrderRecord, error) {
	out := []domain.BrokerOrderRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning broker order: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating broker orders: %w", err)
	}
	return out, nil
}
