package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"possync/internal/broker"
	"possync/internal/config"
	"possync/internal/infrastructure/logger"
	"possync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format, "possync-broker")
	if err != nil {
		log.Fatalf("creating logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	module, err := broker.NewModule(ctx, cfg.Broker, zapLogger)
	if err != nil {
		zapLogger.Fatal("initializing broker", zap.Error(err))
	}
	module.Start(ctx)

	router := server.NewRouter(zapLogger, server.Mount{Routes: module.Routes})
	srv := server.New(cfg.Broker.Port, router, zapLogger)

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

	// Sessions are closed by the module; stop accepting new ones first.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("server shutdown failed", zap.Error(err))
	}
	if err := module.Shutdown(shutdownCtx); err != nil {
		zapLogger.Fatal("broker shutdown failed", zap.Error(err))
	}
	zapLogger.Info("broker stopped gracefully")
}
