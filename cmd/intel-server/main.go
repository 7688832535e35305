package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/api"
	"github.com/anvil-online/crm-intel/internal/bootstrap"
	"github.com/anvil-online/crm-intel/internal/config"
	"github.com/anvil-online/crm-intel/internal/sections"
	"github.com/anvil-online/crm-intel/internal/store"
	"github.com/anvil-online/crm-intel/internal/workflows"
)

type server interface {
	Start(ctx context.Context, addr string) error
}

var (
	loadEnv    = func() error { return godotenv.Load() }
	loadConfig = func() (config.Config, error) {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	newLogger         = bootstrap.NewLogger
	openStore         = bootstrap.OpenStore
	newBriefService   = bootstrap.NewBriefService
	loadSections      = sections.Load
	dialTemporal      = client.Dial
	newRefreshService = func(c client.Client, st store.Store, cfg config.Config, logger *zap.Logger) api.RefreshService {
		return workflows.NewService(c, st, cfg.TemporalTaskQueue, cfg.StaleSweepConcurrency, logger)
	}
	newServer = func(st store.Store, generator api.Generator, refresher api.RefreshService, catalog *sections.Catalog, cfg config.Config, logger *zap.Logger) server {
		return api.NewServer(st, generator, refresher, catalog, cfg, logger)
	}
	notifyContext = signal.NotifyContext
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	envErr := loadEnv()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if envErr != nil {
		logger.Info("no .env file found, using environment variables")
	}

	ctx, cancel := notifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	generator, err := newBriefService(cfg, logger)
	if err != nil {
		return err
	}
	if !cfg.HasLLMCredential() {
		logger.Warn("no LLM credential configured, chat requests will return an error", zap.String("provider", cfg.LLMProvider))
	}
	catalog, err := loadSections(cfg.SectionsPath)
	if err != nil {
		return err
	}

	var refresher api.RefreshService
	temporalClient, err := dialTemporal(client.Options{HostPort: cfg.TemporalAddress})
	if err != nil {
		logger.Warn("temporal unavailable, background refresh disabled", zap.String("address", cfg.TemporalAddress), zap.Error(err))
	} else {
		if temporalClient != nil {
			defer temporalClient.Close()
		}
		refresher = newRefreshService(temporalClient, st, cfg, logger.Named("workflows"))
	}

	srv := newServer(st, generator, refresher, catalog, cfg, logger.Named("api"))

	addr := fmt.Sprintf(":%s", cfg.Port)
	logger.Info("intel server listening", zap.String("addr", addr), zap.String("store", cfg.StoreDriver))
	if err := srv.Start(ctx, addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
