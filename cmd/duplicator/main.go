// Command duplicator runs the broker orchestration engine: it duplicates
// every order intent across all enabled brokers and serves the dashboard
// API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kratikdebdocumentation-max/Duplicator/internal/broker"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/config"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/event"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/httpapi"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/ledger"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/orchestrator"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/store"
	"github.com/kratikdebdocumentation-max/Duplicator/internal/util"
)

func main() {
	cfgPath := "config/duplicator.yaml"
	if p := os.Getenv("DUPLICATOR_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Durable stores.
	sqlitePath := cfg.Storage.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(cfg.Storage.DataDir, "orders.db")
	}
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0o755); err != nil {
		log.Fatalf("creating data directory: %v", err)
	}
	orders, err := store.NewSQLiteStore(sqlitePath)
	if err != nil {
		log.Fatalf("opening order store: %v", err)
	}
	defer orders.Close()
	ticks := store.NewParquetTickStore(cfg.Storage.DataDir)

	// Broker registry.
	registry := broker.NewRegistry()
	primary := ""
	for _, name := range cfg.EnabledBrokerNames() {
		bc := cfg.Brokers[name]
		var conn broker.Connector
		switch bc.Type {
		case "alpaca":
			conn = broker.NewAlpacaConnector(name, bc.APIKey, bc.APISecret, bc.BaseURL,
				cfg.Trading.Instruments, bc.RateLimitPerMin, logger)
		case "paper":
			conn = broker.NewPaperConnector(name)
		}
		if err := registry.Add(conn, true, bc.PrimaryQuotes); err != nil {
			log.Fatalf("registering broker %s: %v", name, err)
		}
		if bc.PrimaryQuotes {
			primary = name
		}
	}

	// Engine.
	led := ledger.New(orders, cfg.Engine.Retention(), logger)
	events := event.New(primary, cfg.Engine.BatchWindow(), cfg.Engine.SubscriberDepth, logger)
	events.Start(ctx)

	orch := orchestrator.New(cfg.Engine, cfg.Trading, registry, led, events, orders, ticks, logger)
	orch.Start(ctx)

	// HTTP API.
	api := httpapi.NewServer(orch, events, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info("duplicator listening", "addr", srv.Addr, "brokers", cfg.EnabledBrokerNames())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	for _, conn := range registry.Enabled() {
		if err := conn.Close(); err != nil {
			logger.Warn("closing broker", "broker", conn.Name(), "error", err)
		}
	}
}
