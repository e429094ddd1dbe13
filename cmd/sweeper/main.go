// Package main provides the entry point for the expired-lease sweeper.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/notify"
	pgstore "github.com/narvanalabs/buildqueue/internal/store/postgres"
	"github.com/narvanalabs/buildqueue/internal/sweeper"
	"github.com/narvanalabs/buildqueue/internal/tagindex"
	"github.com/narvanalabs/buildqueue/pkg/config"
	"github.com/narvanalabs/buildqueue/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	storeCfg := pgstore.DefaultConfig(cfg.DatabaseDSN)
	st, err := pgstore.NewPostgresStore(storeCfg, log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	index := tagindex.New(st, log.Logger)
	dispatcher := notify.NewLogDispatcher(log.Logger)

	// The sweeper acts on behalf of the service itself, not a caller.
	access := auth.AllowAll{Name: "lease-sweeper"}
	manager := lifecycle.NewManager(st, index, access, dispatcher, log.Logger)

	sw := sweeper.New(st, manager, cfg.Sweeper.Interval, cfg.Sweeper.BatchSize, log.Logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	log.Info("sweeper starting",
		"interval", cfg.Sweeper.Interval,
		"batch_size", cfg.Sweeper.BatchSize)

	if err := sw.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("sweeper error", "error", err)
		os.Exit(1)
	}

	log.Info("sweeper stopped")
}
