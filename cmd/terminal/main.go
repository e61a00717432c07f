package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"possync/internal/cloud"
	"possync/internal/config"
	"possync/internal/connectivity"
	"possync/internal/domain"
	"possync/internal/infrastructure/logger"
	"possync/internal/infrastructure/sqlite"
	"possync/internal/masterdata"
	"possync/internal/order"
	"possync/internal/protocol"
	"possync/internal/server"
	syncengine "possync/internal/sync"
	"possync/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, "possync-terminal")
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := sqlite.Open(cfg.Terminal.DBPath)
	if err != nil {
		zapLogger.Fatal("opening terminal database", zap.Error(err))
	}
	defer db.Close()
	zapLogger.Info("database opened", zap.String("path", cfg.Terminal.DBPath))

	client := cloud.NewClient(cfg.Cloud, cfg.Terminal.TenantID, zapLogger)
	monitor := connectivity.NewMonitor(client, cfg.Connectivity, zapLogger)

	manager := newTransport(cfg, zapLogger)

	orders, err := order.NewModule(ctx, db, manager, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("initializing order module", zap.Error(err))
	}

	catalog, err := masterdata.NewModule(ctx, db, client, zapLogger)
	if err != nil {
		zapLogger.Fatal("initializing catalog module", zap.Error(err))
	}

	engine := syncengine.NewEngine(orders.Queue, monitor,
		syncengine.DefaultHandlers(client, orders.Queue, zapLogger), cfg.Sync, zapLogger)

	applyRemote := func(ev protocol.OrderEvent) {
		if ev.Update == nil {
			return
		}
		applied, err := orders.Queue.ApplyRemoteStatus(ctx, ev.Update.OrderNumber, ev.Update.Status, ev.Update.UpdatedAt)
		if err != nil {
			zapLogger.Warn("applying remote status", zap.String("orderNumber", ev.Update.OrderNumber), zap.Error(err))
			return
		}
		if applied {
			zapLogger.Info("remote status applied",
				zap.String("orderNumber", ev.Update.OrderNumber),
				zap.String("status", ev.Update.Status),
				zap.String("event", ev.Name))
		}
	}
	for _, event := range []string{protocol.EventOrderUpdated, protocol.EventOrderCompleted, protocol.EventOrderCancelled} {
		manager.On(event, applyRemote)
	}

	monitor.OnOnline(func() {
		manager.Reconnect()
		go func() {
			if _, err := catalog.Service.Refresh(ctx); err != nil {
				zapLogger.Warn("catalog refresh after reconnect failed", zap.Error(err))
			}
		}()
	})

	monitor.Start(ctx)
	manager.Start(ctx)
	if err := manager.SubscribeOutlet(ctx, cfg.Terminal.OutletID); err != nil {
		zapLogger.Warn("subscribing to outlet", zap.Error(err))
	}
	if err := manager.Identify(ctx, domain.SessionRole(cfg.Terminal.Role)); err != nil {
		zapLogger.Warn("identifying terminal", zap.Error(err))
	}
	engine.Start(ctx)
	go catalog.RunRefresher(ctx, cfg.MasterData.RefreshInterval, monitor.IsOnline)
	go orders.RunPurger(ctx, order.PurgeInterval, cfg.Terminal.PurgeAfter)

	router := server.NewRouter(zapLogger,
		server.Mount{Routes: func(r chi.Router) {
			r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"status":       "ok",
					"connectivity": monitor.State().Mode,
					"transport":    manager.Mode(),
				})
			})
		}},
		server.Mount{Pattern: "/api/orders", Routes: orders.Controller.Routes},
		server.Mount{Pattern: "/api/sync", Routes: syncengine.NewController(engine, zapLogger).Routes},
		server.Mount{Pattern: "/api/connectivity", Routes: connectivity.NewController(monitor, zapLogger).Routes},
		server.Mount{Pattern: "/api/transport", Routes: transport.NewController(manager, zapLogger).Routes},
		server.Mount{Pattern: "/api/catalog", Routes: catalog.Controller.Routes},
	)

	srv := server.New(cfg.Terminal.Port, router, zapLogger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	zapLogger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown failed", zap.Error(err))
	}
	engine.Stop()
	manager.Stop()
	monitor.Stop()
	cancel()

	if err := sqlite.Checkpoint(shutdownCtx, db); err != nil {
		zapLogger.Warn("final checkpoint failed", zap.Error(err))
	}
	zapLogger.Info("terminal stopped gracefully")
}

// newTransport builds the channel set from config. Unconfigured channels stay
// nil and the manager runs without them.
func newTransport(cfg *config.Config, logger *zap.Logger) *transport.Manager {
	var central, local transport.Channel
	switch cfg.Transport.Central.Kind {
	case "websocket":
		central = transport.NewWebSocketChannel("central", cfg.Transport.Central.URL, logger)
	case "mqtt":
		central = transport.NewMQTTChannel("central", cfg.Transport.Central.MQTT, logger)
	case "":
	default:
		logger.Warn("unknown central channel kind, central disabled", zap.String("kind", cfg.Transport.Central.Kind))
	}
	if cfg.Transport.LocalURL != "" {
		local = transport.NewWebSocketChannel("local", cfg.Transport.LocalURL, logger)
	}

	var poller *transport.Poller
	if cfg.Transport.PollURL != "" {
		poller = transport.NewPoller(cfg.Transport.PollURL, 0, logger)
	}
	return transport.NewManager(central, local, poller, cfg.Transport, logger)
}
