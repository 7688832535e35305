package main

import (
	"log"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/anvil-online/crm-intel/internal/bootstrap"
	"github.com/anvil-online/crm-intel/internal/config"
	"github.com/anvil-online/crm-intel/internal/workflows"
)

// refreshWorker is the part of worker.Worker this binary drives.
type refreshWorker interface {
	RegisterWorkflow(w interface{})
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
	Run(interruptCh <-chan interface{}) error
}

var (
	loadEnv    = func() error { return godotenv.Load() }
	loadConfig = func() (config.Config, error) {
		cfg := config.Load()
		return cfg, cfg.Validate()
	}
	newLogger       = bootstrap.NewLogger
	dialTemporal    = client.Dial
	openStore       = bootstrap.OpenStore
	newBriefService = bootstrap.NewBriefService
	newWorker       = func(c client.Client, taskQueue string, options worker.Options) refreshWorker {
		return worker.New(c, taskQueue, options)
	}
	workerInterrupt = worker.InterruptCh
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

	temporalClient, err := dialTemporal(client.Options{
		HostPort: cfg.TemporalAddress,
	})
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	generator, err := newBriefService(cfg, logger)
	if err != nil {
		return err
	}
	activities := workflows.NewRefreshActivities(st, generator, logger.Named("activities"))

	w := newWorker(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.RefreshIntelWorkflow)
	w.RegisterActivityWithOptions(activities.RefreshIntel, activity.RegisterOptions{Name: workflows.RefreshActivityName})

	logger.Info("intel refresh worker started", zap.String("task_queue", cfg.TemporalTaskQueue), zap.String("store", cfg.StoreDriver))
	return w.Run(workerInterrupt())
}
