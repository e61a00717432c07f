package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"possync/internal/domain"
	apperrors "possync/internal/errors"
	"possync/internal/infrastructure/sqlite"
	"possync/internal/testutil"
)

func setupStore(t *testing.T, retention int) (*Store, string) {
	t.Helper()
	db, path := testutil.SetupSQLiteDB(t)
	store := NewStore(db, SQLite, retention, zap.NewNop())
	require.NoError(t, store.Migrate(context.Background()))
	return store, path
}

func orderPayload(outletID int64, orderNumber string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"order_number":%q,"outlet_id":%d}`, orderNumber, outletID))
}

func TestStore_RetentionKeepsNewestPerOutlet(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, 3)

	for i := 1; i <= 4; i++ {
		n := fmt.Sprintf("ORD-%d", i)
		_, _, err := store.Insert(ctx, 7, n, domain.OrderStatusPending, orderPayload(7, n))
		require.NoError(t, err)
	}
	_, _, err := store.Insert(ctx, 8, "ORD-X", domain.OrderStatusPending, orderPayload(8, "ORD-X"))
	require.NoError(t, err)

	records, err := store.ListSince(ctx, 7, "", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ORD-2", records[0].OrderNumber)
	assert.Equal(t, "ORD-4", records[2].OrderNumber)

	other, err := store.ListSince(ctx, 8, "", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestStore_InsertDuplicateReturnsExisting(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, 10)

	first, existing, err := store.Insert(ctx, 7, "ORD-1", domain.OrderStatusPending, orderPayload(7, "ORD-1"))
	require.NoError(t, err)
	assert.False(t, existing)

	again, existing, err := store.Insert(ctx, 7, "ORD-1", domain.OrderStatusPending, orderPayload(7, "ORD-1"))
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, again.ID)
	assert.JSONEq(t, string(first.Payload), string(again.Payload))
}

func TestStore_ListSinceFollowsBothCursors(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, 10)

	clock := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	a, _, err := store.Insert(ctx, 7, "ORD-A", domain.OrderStatusPending, orderPayload(7, "ORD-A"))
	require.NoError(t, err)
	b, _, err := store.Insert(ctx, 7, "ORD-B", domain.OrderStatusPending, orderPayload(7, "ORD-B"))
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	found, err := store.UpdateStatus(ctx, 7, "ORD-A", domain.OrderStatusPreparing)
	require.NoError(t, err)
	assert.True(t, found)

	byID, err := store.ListSince(ctx, 7, b.ID, time.Time{}, 0)
	require.NoError(t, err)
	assert.Empty(t, byID)

	changed, err := store.ListSince(ctx, 7, b.ID, clock, 0)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, a.ID, changed[0].ID)
	assert.Equal(t, domain.OrderStatusPreparing, changed[0].Status)
	assert.Equal(t, clock, changed[0].UpdatedAt)

	found, err = store.UpdateStatus(ctx, 7, "ORD-UNKNOWN", domain.OrderStatusReady)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_SyncedFlagAndStats(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, 10)

	a, _, err := store.Insert(ctx, 7, "ORD-A", domain.OrderStatusPending, orderPayload(7, "ORD-A"))
	require.NoError(t, err)
	_, _, err = store.Insert(ctx, 9, "ORD-B", domain.OrderStatusPending, orderPayload(9, "ORD-B"))
	require.NoError(t, err)

	require.NoError(t, store.MarkSynced(ctx, a.ID))

	unsynced, err := store.ListUnsynced(ctx, 0)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "ORD-B", unsynced[0].OrderNumber)

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.SyncedToCloud)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.UnsyncedOrders)
	assert.Equal(t, map[int64]int{7: 1, 9: 1}, stats.Outlets)

	err = store.MarkSynced(ctx, "missing")
	_, ok := apperrors.IsNotFoundError(err)
	assert.True(t, ok)
}

// Copying the files while the writer still holds them open mimics a power
// cut: nothing is checkpointed and the committed rows live only in the WAL.
func TestStore_AcknowledgedWriteSurvivesAbruptStop(t *testing.T) {
	ctx := context.Background()
	store, path := setupStore(t, 10)

	rec, _, err := store.Insert(ctx, 7, "ORD-KEEP", domain.OrderStatusPending, orderPayload(7, "ORD-KEEP"))
	require.NoError(t, err)

	crashDir := t.TempDir()
	crashPath := filepath.Join(crashDir, "broker.db")
	copyFile(t, path, crashPath)
	if _, err := os.Stat(path + "-wal"); err == nil {
		copyFile(t, path+"-wal", crashPath+"-wal")
	}

	db, err := sqlite.Open(crashPath)
	require.NoError(t, err)
	defer db.Close()

	recovered := NewStore(db, SQLite, 10, zap.NewNop())
	got, err := recovered.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ORD-KEEP", got.OrderNumber)
}

func TestStore_CheckpointAndBackup(t *testing.T) {
	ctx := context.Background()
	store, _ := setupStore(t, 10)

	_, _, err := store.Insert(ctx, 7, "ORD-1", domain.OrderStatusPending, orderPayload(7, "ORD-1"))
	require.NoError(t, err)
	require.NoError(t, store.Checkpoint(ctx))

	backupPath := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, store.BackupTo(ctx, backupPath))

	db, err := sqlite.Open(backupPath)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(1) FROM broker_orders`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("mysql")
	require.NoError(t, err)
	assert.Equal(t, "mysql", d.Name)
	assert.Nil(t, d.Backup)

	d, err = DialectFor("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name)

	_, err = DialectFor("postgres")
	assert.Error(t, err)
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	in, err := os.Open(src)
	require.NoError(t, err)
	defer in.Close()

	out, err := os.Create(dst)
	require.NoError(t, err)
	defer out.Close()

	_, err = io.Copy(out, in)
	require.NoError(t, err)
}
