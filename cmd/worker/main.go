package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"effectsvc/internal/adapter/repo"
	"effectsvc/internal/assets"
	"effectsvc/internal/effects"
	"effectsvc/internal/infra"
	"effectsvc/internal/providers/replicate"
	"effectsvc/internal/queue"
	"effectsvc/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	if err := jobs.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("worker: migrate jobs table failed")
	}

	// A standalone worker without its queue has nothing to consume.
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: work queue connection failed")
	}
	defer redisClient.Close()
	pollQueue := queue.New(redisClient)

	registry := effects.NewRegistry()
	provider := replicate.NewClient(replicate.Options{
		APIKey:  cfg.ReplicateAPIToken,
		BaseURL: cfg.ReplicateBaseURL,
		Timeout: cfg.ProviderTimeout,
	})

	var store assets.Store
	if cfg.AssetStoreBaseURL != "" {
		store, err = assets.NewClient(assets.Options{
			BaseURL: cfg.AssetStoreBaseURL,
			Token:   cfg.AssetStoreToken,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: configure asset store failed")
		}
	} else {
		store, err = assets.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: configure local storage failed")
		}
	}

	delays := worker.Delays{
		DequeueTimeout: cfg.PollDequeueTimeout,
		Repoll:         cfg.PollRepollDelay,
		Retry:          cfg.PollRetryDelay,
	}
	completion := worker.NewCompletion(store, &http.Client{Timeout: cfg.DownloadTimeout})
	poller := worker.NewPoller(jobs, registry, provider, completion, pollQueue, delays, logger)

	w := worker.NewWorker(poller, pollQueue, delays, logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
}
