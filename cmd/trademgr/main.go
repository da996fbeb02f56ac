// trademgr runs the Polymarket trade manager: a price-driven rule engine
// that watches positions over the market WebSocket and executes stop-loss,
// take-profit, and trailing-stop rules through the CLOB.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"polymarket-trade-manager/internal/api"
	"polymarket-trade-manager/internal/broker"
	"polymarket-trade-manager/internal/config"
	"polymarket-trade-manager/internal/feed"
	"polymarket-trade-manager/internal/store"
	"polymarket-trade-manager/internal/worker"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trademgr: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting trade manager", "dry_run", cfg.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path, cfg.Store.EventRetention, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	clob, err := broker.NewCLOB(cfg.Broker, cfg.DryRun, logger)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if err := clob.Init(ctx); err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	marketFeed := feed.New(cfg.Feed, logger)
	w := worker.New(marketFeed, st, clob, cfg.Worker, cfg.Executor, logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return marketFeed.Run(ctx) })
	g.Go(func() error { return w.Run(ctx) })

	if cfg.Dashboard.Enabled {
		server := api.New(cfg.Dashboard, st, w, logger)
		g.Go(func() error { return server.Start(ctx) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return marketFeed.Close()
	})

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("trade manager stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
