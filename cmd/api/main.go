// Package main provides the entry point for the API server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/narvanalabs/buildqueue/internal/api"
	"github.com/narvanalabs/buildqueue/internal/auth"
	"github.com/narvanalabs/buildqueue/internal/creation"
	"github.com/narvanalabs/buildqueue/internal/idemcache"
	"github.com/narvanalabs/buildqueue/internal/lifecycle"
	"github.com/narvanalabs/buildqueue/internal/notify"
	"github.com/narvanalabs/buildqueue/internal/search"
	"github.com/narvanalabs/buildqueue/internal/sequence"
	pgstore "github.com/narvanalabs/buildqueue/internal/store/postgres"
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

	tokens := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, log.Logger)
	access := auth.NewRBACAccess(log.Logger)

	var indexOpts []tagindex.Option
	if cfg.TagIndex.ShardCount > 0 {
		indexOpts = append(indexOpts, tagindex.WithShardCount(cfg.TagIndex.ShardCount))
	}
	if cfg.TagIndex.MaxEntries > 0 {
		indexOpts = append(indexOpts, tagindex.WithMaxEntries(cfg.TagIndex.MaxEntries))
	}
	index := tagindex.New(st, log.Logger, indexOpts...)
	seq := sequence.NewGenerator(st, log.Logger)
	cache := idemcache.New(cfg.IdempotencyTTL)
	dispatcher := notify.NewLogDispatcher(log.Logger)

	configs := creation.StaticConfigProvider{}
	if cfg.ScopeConfigPath != "" {
		configs, err = creation.LoadScopeConfigs(cfg.ScopeConfigPath)
		if err != nil {
			log.Error("failed to load scope configs", "error", err)
			os.Exit(1)
		}
		log.Info("loaded scope configs", "path", cfg.ScopeConfigPath, "scopes", len(configs))
	} else {
		log.Warn("SCOPE_CONFIG_PATH not set, no scopes configured; create requests will fail")
	}

	creator := creation.NewCreator(st, seq, index, cache, configs, access, dispatcher, log.Logger)
	manager := lifecycle.NewManager(st, index, access, dispatcher, log.Logger)
	engine := search.NewEngine(st, index, access, log.Logger)

	server := api.NewServer(cfg, creator, manager, engine, tokens, st, log.Logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
