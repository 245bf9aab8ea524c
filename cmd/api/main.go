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
	"effectsvc/internal/http/handlers"
	httpapi "effectsvc/internal/http/httpapi"
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
		logger.Fatal().Err(err).Msg("api: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewJobRepository(pool)
	if err := jobs.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("api: migrate jobs table failed")
	}

	registry := effects.NewRegistry()

	provider := replicate.NewClient(replicate.Options{
		APIKey:  cfg.ReplicateAPIToken,
		BaseURL: cfg.ReplicateBaseURL,
		Timeout: cfg.ProviderTimeout,
	})

	var store assets.Store
	staticDir := ""
	if cfg.AssetStoreBaseURL != "" {
		store, err = assets.NewClient(assets.Options{
			BaseURL: cfg.AssetStoreBaseURL,
			Token:   cfg.AssetStoreToken,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("api: configure asset store failed")
		}
	} else {
		fileStore, err := assets.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: configure local storage failed")
		}
		store = fileStore
		staticDir = fileStore.BasePath()
		logger.Warn().Str("path", staticDir).Msg("api: no asset store configured, using local filesystem")
	}

	delays := worker.Delays{
		DequeueTimeout: cfg.PollDequeueTimeout,
		Repoll:         cfg.PollRepollDelay,
		Retry:          cfg.PollRetryDelay,
	}
	completion := worker.NewCompletion(store, &http.Client{Timeout: cfg.DownloadTimeout})

	// Queue outage is non-fatal: jobs can still be created and polled
	// synchronously through the status endpoint.
	var pollQueue worker.Queue
	var taskReader handlers.TaskStatusReader
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("api: work queue unavailable, jobs will not auto-poll")
	} else {
		defer redisClient.Close()
		pq := queue.New(redisClient)
		pollQueue = pq
		taskReader = pq
	}

	poller := worker.NewPoller(jobs, registry, provider, completion, pollQueue, delays, logger)

	if pollQueue != nil {
		w := worker.NewWorker(poller, pollQueue, delays, logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("api: worker stopped with error")
			}
		}()
	}

	app := &handlers.App{
		Logger:    logger,
		Jobs:      jobs,
		Registry:  registry,
		Provider:  provider,
		Assets:    store,
		Queue:     pollQueue,
		Tasks:     taskReader,
		Poller:    poller,
		StaticDir: staticDir,
	}
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
