package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"possync/internal/config"
)

type mockSource struct {
	BackupToFunc func(ctx context.Context, path string) error
}

func (m *mockSource) BackupTo(ctx context.Context, path string) error {
	if m.BackupToFunc != nil {
		return m.BackupToFunc(ctx, path)
	}
	return os.WriteFile(path, []byte("snapshot"), 0o644)
}

func TestScheduler_KeepsLastK(t *testing.T) {
	dir := t.TempDir()
	s := NewScheduler(&mockSource{}, "sqlite", config.BackupConfig{Dir: dir, Keep: 2}, zap.NewNop())

	clock := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	var written []Entry
	for i := 0; i < 3; i++ {
		e, err := s.BackupNow(context.Background())
		require.NoError(t, err)
		written = append(written, e)
		clock = clock.Add(time.Minute)
	}

	_, err := os.Stat(filepath.Join(dir, written[0].File))
	assert.True(t, os.IsNotExist(err), "oldest backup should be rotated out")

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", m.Driver)
	assert.Equal(t, 2, m.Keep)
	require.Len(t, m.Backups, 2)
	assert.Equal(t, written[1].File, m.Backups[0].File)
	assert.Equal(t, written[2].File, m.Backups[1].File)
	assert.True(t, written[2].CreatedAt.Equal(m.Backups[1].CreatedAt))
	assert.Equal(t, int64(len("snapshot")), m.Backups[1].SizeBytes)
}

func TestScheduler_SourceFailure(t *testing.T) {
	dir := t.TempDir()
	source := &mockSource{BackupToFunc: func(context.Context, string) error { return errors.New("locked") }}
	s := NewScheduler(source, "sqlite", config.BackupConfig{Dir: dir, Keep: 3}, zap.NewNop())

	_, err := s.BackupNow(context.Background())

	require.Error(t, err)
	_, err = ReadManifest(dir)
	assert.Error(t, err)
}

func TestScheduler_RunDisabledReturns(t *testing.T) {
	s := NewScheduler(&mockSource{}, "sqlite", config.BackupConfig{Dir: t.TempDir()}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero interval should return immediately")
	}
}
