package broker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"possync/internal/broker/backup"
	"possync/internal/broker/relay"
	"possync/internal/broker/repository"
	"possync/internal/config"
	"possync/internal/infrastructure/mysql"
	"possync/internal/infrastructure/sqlite"
)

type Module struct {
	Store      *repository.Store
	Hub        *Hub
	Dispatcher *Dispatcher
	Sessions   *SessionHandler
	Controller *Controller
	Backup     *backup.Scheduler
	Relay      *relay.Relay

	logger *zap.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenStore connects to the configured engine and applies the schema.
func OpenStore(ctx context.Context, cfg config.StoreConfig, retention int, logger *zap.Logger) (*repository.Store, error) {
	dialect, err := repository.DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch dialect.Name {
	case repository.MySQL.Name:
		db, err = mysql.NewConnection(cfg.MySQL)
	default:
		db, err = sqlite.Open(cfg.Path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", dialect.Name, err)
	}

	store := repository.NewStore(db, dialect, retention, logger)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func NewModule(ctx context.Context, cfg config.BrokerConfig, logger *zap.Logger) (*Module, error) {
	store, err := OpenStore(ctx, cfg.Store, cfg.RetentionPerOutlet, logger)
	if err != nil {
		return nil, err
	}

	hub := NewHub()
	dispatcher := NewDispatcher(hub, store, logger)

	m := &Module{
		Store:      store,
		Hub:        hub,
		Dispatcher: dispatcher,
		Sessions:   NewSessionHandler(hub, dispatcher, cfg.Session, logger),
		Controller: NewController(hub, dispatcher, store, logger),
		Backup:     backup.NewScheduler(store, store.Driver(), cfg.Backup, logger),
		logger:     logger,
	}

	if cfg.Relay.Enabled {
		client := relay.NewClient(cfg.Relay)
		r := relay.New(client, uuid.NewString(), hub, logger)
		if err := r.Ping(ctx); err != nil {
			client.Close()
			store.Close()
			return nil, fmt.Errorf("connecting to relay redis %s: %w", cfg.Relay.RedisAddr, err)
		}
		dispatcher.SetRelay(r)
		m.Relay = r
	}

	return m, nil
}

// Routes mounts the REST surface and the WebSocket endpoint at /ws.
func (m *Module) Routes(r chi.Router) {
	m.Controller.Routes(r)
	r.Get("/ws", m.Sessions.ServeHTTP)
}

// Start launches the backup schedule and the relay subscriber.
func (m *Module) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.Store.Driver() == repository.MySQL.Name {
		m.logger.Info("file backups disabled for mysql store")
	} else {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.Backup.Run(ctx)
		}()
	}

	if m.Relay != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.Relay.Run(ctx, nil); err != nil {
				m.logger.Error("relay stopped", zap.Error(err))
			}
		}()
	}
}

// Shutdown flushes the WAL before sessions are closed, then releases the
// store. Every step runs even when an earlier one fails.
func (m *Module) Shutdown(ctx context.Context) error {
	var errs error

	if err := m.Store.Checkpoint(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("checkpoint: %w", err))
	}

	m.Hub.CloseAll()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if m.Relay != nil {
		errs = multierr.Append(errs, m.Relay.Close())
	}
	if err := m.Store.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errs
}
