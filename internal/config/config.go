package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log          LogConfig
	Terminal     TerminalConfig
	Cloud        CloudConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	Transport    TransportConfig
	MasterData   MasterDataConfig
	Broker       BrokerConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type TerminalConfig struct {
	Port     int
	DBPath   string
	OutletID int64
	TenantID int64
	StoreID  int64
	Role     string

	// PurgeAfter is how long synced orders are kept before the daily purge.
	PurgeAfter time.Duration
}

type CloudConfig struct {
	BaseURL string
	Timeout time.Duration
	Token   string
}

type ConnectivityConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	Debounce         time.Duration
}

type SyncConfig struct {
	Interval   time.Duration
	ItemDelay  time.Duration
	MaxRetries int
}

type TransportConfig struct {
	Central           CentralChannelConfig
	LocalURL          string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	PollURL           string
}

type CentralChannelConfig struct {
	Kind string // "websocket", "mqtt" or "" (disabled)
	URL  string
	MQTT MQTTConfig
}

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

type MasterDataConfig struct {
	RefreshInterval time.Duration
}

type BrokerConfig struct {
	Port               int
	RetentionPerOutlet int
	Store              StoreConfig
	Backup             BackupConfig
	Relay              RelayConfig
	Session            SessionConfig
}

type StoreConfig struct {
	Driver string // "sqlite" or "mysql"
	Path   string
	MySQL  DatabaseConfig
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type BackupConfig struct {
	Dir      string
	Interval time.Duration
	Keep     int
}

type RelayConfig struct {
	Enabled       bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type SessionConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("terminal.port", 8090)
	v.SetDefault("terminal.db_path", "data/terminal.db")
	v.SetDefault("terminal.outlet_id", 1)
	v.SetDefault("terminal.tenant_id", 1)
	v.SetDefault("terminal.store_id", 1)
	v.SetDefault("terminal.role", "pos")
	v.SetDefault("terminal.purge_after", "720h")

	v.SetDefault("cloud.base_url", "http://localhost:8000/api")
	v.SetDefault("cloud.timeout", "10s")
	v.SetDefault("cloud.token", "")

	v.SetDefault("connectivity.interval", "30s")
	v.SetDefault("connectivity.timeout", "2s")
	v.SetDefault("connectivity.failure_threshold", 3)
	v.SetDefault("connectivity.debounce", "1s")

	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.item_delay", "500ms")
	v.SetDefault("sync.max_retries", 5)

	v.SetDefault("transport.central.kind", "websocket")
	v.SetDefault("transport.central.url", "ws://localhost:8000/ws/orders")
	v.SetDefault("transport.central.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("transport.central.mqtt.client_id", "")
	v.SetDefault("transport.central.mqtt.topic_prefix", "possync")
	v.SetDefault("transport.local.url", "ws://localhost:3002/ws")
	v.SetDefault("transport.reconnect_attempts", 5)
	v.SetDefault("transport.reconnect_delay", "3s")
	v.SetDefault("transport.poll_interval", "5s")
	v.SetDefault("transport.poll_url", "http://localhost:3002")

	v.SetDefault("masterdata.refresh_interval", "15m")

	v.SetDefault("broker.port", 3002)
	v.SetDefault("broker.retention_per_outlet", 100)
	v.SetDefault("broker.store.driver", "sqlite")
	v.SetDefault("broker.store.path", "data/broker.db")
	v.SetDefault("broker.store.mysql.host", "localhost")
	v.SetDefault("broker.store.mysql.port", 3306)
	v.SetDefault("broker.store.mysql.user", "possync")
	v.SetDefault("broker.store.mysql.password", "secret")
	v.SetDefault("broker.store.mysql.name", "possync_broker")
	v.SetDefault("broker.store.mysql.max_open_conns", 10)
	v.SetDefault("broker.store.mysql.max_idle_conns", 5)
	v.SetDefault("broker.store.mysql.conn_max_lifetime", "5m")
	v.SetDefault("broker.backup.dir", "data/backups")
	v.SetDefault("broker.backup.interval", "10m")
	v.SetDefault("broker.backup.keep", 5)
	v.SetDefault("broker.relay.enabled", false)
	v.SetDefault("broker.relay.redis_addr", "localhost:6379")
	v.SetDefault("broker.relay.redis_password", "")
	v.SetDefault("broker.relay.redis_db", 0)
	v.SetDefault("broker.session.ping_interval", "25s")
	v.SetDefault("broker.session.write_timeout", "5s")
}

// Load reads the optional YAML file at path and applies POSSYNC_* environment
// overrides (POSSYNC_BROKER_STORE_DRIVER overrides broker.store.driver).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POSSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Terminal: TerminalConfig{
			Port:       v.GetInt("terminal.port"),
			DBPath:     v.GetString("terminal.db_path"),
			OutletID:   v.GetInt64("terminal.outlet_id"),
			TenantID:   v.GetInt64("terminal.tenant_id"),
			StoreID:    v.GetInt64("terminal.store_id"),
			Role:       v.GetString("terminal.role"),
			PurgeAfter: v.GetDuration("terminal.purge_after"),
		},
		Cloud: CloudConfig{
			BaseURL: v.GetString("cloud.base_url"),
			Timeout: v.GetDuration("cloud.timeout"),
			Token:   v.GetString("cloud.token"),
		},
		Connectivity: ConnectivityConfig{
			Interval:         v.GetDuration("connectivity.interval"),
			Timeout:          v.GetDuration("connectivity.timeout"),
			FailureThreshold: v.GetInt("connectivity.failure_threshold"),
			Debounce:         v.GetDuration("connectivity.debounce"),
		},
		Sync: SyncConfig{
			Interval:   v.GetDuration("sync.interval"),
			ItemDelay:  v.GetDuration("sync.item_delay"),
			MaxRetries: v.GetInt("sync.max_retries"),
		},
		Transport: TransportConfig{
			Central: CentralChannelConfig{
				Kind: v.GetString("transport.central.kind"),
				URL:  v.GetString("transport.central.url"),
				MQTT: MQTTConfig{
					Broker:      v.GetString("transport.central.mqtt.broker"),
					ClientID:    v.GetString("transport.central.mqtt.client_id"),
					TopicPrefix: v.GetString("transport.central.mqtt.topic_prefix"),
					Username:    v.GetString("transport.central.mqtt.username"),
					Password:    v.GetString("transport.central.mqtt.password"),
				},
			},
			LocalURL:          v.GetString("transport.local.url"),
			ReconnectAttempts: v.GetInt("transport.reconnect_attempts"),
			ReconnectDelay:    v.GetDuration("transport.reconnect_delay"),
			PollInterval:      v.GetDuration("transport.poll_interval"),
			PollURL:           v.GetString("transport.poll_url"),
		},
		MasterData: MasterDataConfig{
			RefreshInterval: v.GetDuration("masterdata.refresh_interval"),
		},
		Broker: BrokerConfig{
			Port:               v.GetInt("broker.port"),
			RetentionPerOutlet: v.GetInt("broker.retention_per_outlet"),
			Store: StoreConfig{
				Driver: v.GetString("broker.store.driver"),
				Path:   v.GetString("broker.store.path"),
				MySQL: DatabaseConfig{
					Host:            v.GetString("broker.store.mysql.host"),
					Port:            v.GetInt("broker.store.mysql.port"),
					User:            v.GetString("broker.store.mysql.user"),
					Password:        v.GetString("broker.store.mysql.password"),
					Name:            v.GetString("broker.store.mysql.name"),
					MaxOpenConns:    v.GetInt("broker.store.mysql.max_open_conns"),
					MaxIdleConns:    v.GetInt("broker.store.mysql.max_idle_conns"),
					ConnMaxLifetime: v.GetDuration("broker.store.mysql.conn_max_lifetime"),
				},
			},
			Backup: BackupConfig{
				Dir:      v.GetString("broker.backup.dir"),
				Interval: v.GetDuration("broker.backup.interval"),
				Keep:     v.GetInt("broker.backup.keep"),
			},
			Relay: RelayConfig{
				Enabled:       v.GetBool("broker.relay.enabled"),
				RedisAddr:     v.GetString("broker.relay.redis_addr"),
				RedisPassword: v.GetString("broker.relay.redis_password"),
				RedisDB:       v.GetInt("broker.relay.redis_db"),
			},
			Session: SessionConfig{
				PingInterval: v.GetDuration("broker.session.ping_interval"),
				WriteTimeout: v.GetDuration("broker.session.write_timeout"),
			},
		},
	}
}
