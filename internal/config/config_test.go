package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 30*24*time.Hour, cfg.Terminal.PurgeAfter)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.Interval)
	assert.Equal(t, 2*time.Second, cfg.Connectivity.Timeout)
	assert.Equal(t, 3, cfg.Connectivity.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.ItemDelay)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, 5, cfg.Transport.ReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Transport.ReconnectDelay)
	assert.Equal(t, 100, cfg.Broker.RetentionPerOutlet)
	assert.Equal(t, "sqlite", cfg.Broker.Store.Driver)
	assert.Equal(t, 5, cfg.Broker.Backup.Keep)
	assert.False(t, cfg.Broker.Relay.Enabled)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "possync.yaml")
	content := `
log:
  level: debug
terminal:
  outlet_id: 7
broker:
  retention_per_outlet: 25
  store:
    driver: mysql
    mysql:
      host: db.lan
transport:
  central:
    kind: mqtt
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("POSSYNC_SYNC_MAX_RETRIES", "9")
	t.Setenv("POSSYNC_BROKER_BACKUP_KEEP", "2")
	t.Setenv("POSSYNC_TERMINAL_PURGE_AFTER", "168h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, int64(7), cfg.Terminal.OutletID)
	assert.Equal(t, 25, cfg.Broker.RetentionPerOutlet)
	assert.Equal(t, "mysql", cfg.Broker.Store.Driver)
	assert.Equal(t, "db.lan", cfg.Broker.Store.MySQL.Host)
	assert.Equal(t, 3306, cfg.Broker.Store.MySQL.Port)
	assert.Equal(t, "mqtt", cfg.Transport.Central.Kind)
	assert.Equal(t, 9, cfg.Sync.MaxRetries)
	assert.Equal(t, 2, cfg.Broker.Backup.Keep)
	assert.Equal(t, 7*24*time.Hour, cfg.Terminal.PurgeAfter)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
