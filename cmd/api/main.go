package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/reelforge/internal/api"
	"github.com/bobarin/reelforge/internal/config"
	"github.com/bobarin/reelforge/internal/db"
	"github.com/bobarin/reelforge/internal/dispatch"
	"github.com/bobarin/reelforge/internal/events"
	"github.com/bobarin/reelforge/internal/ledger"
	"github.com/bobarin/reelforge/internal/logging"
	"github.com/bobarin/reelforge/internal/media"
	"github.com/bobarin/reelforge/internal/poller"
	"github.com/bobarin/reelforge/internal/queue"
	"github.com/bobarin/reelforge/internal/services"
	"github.com/bobarin/reelforge/internal/storage"
	"github.com/bobarin/reelforge/internal/worker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("", os.Getenv("APP_ENV"))
		boot.Fatal().Err(err).Msg("failed to load config")
	}

	logger := logging.New(cfg.LogLevel, cfg.AppEnv)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("reelforge exited with error")
	}
	logger.Info().Msg("server exited")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("env", cfg.AppEnv).Bool("worker", cfg.WorkerEnabled).Msg("starting reelforge")

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return err
	}
	logger.Info().Msg("connected to database")

	rdb, err := queue.NewRedis(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info().Msg("connected to redis")

	q := queue.New(rdb, cfg.JobMaxRetries)
	credits := ledger.New(database.LedgerStore(), logger)
	d := dispatch.New(database, q, credits, events.NewRedisPublisher(rdb, logger), dispatch.Config{
		Owner:         instanceID(),
		MaxQueueDepth: cfg.QueueMaxDepth,
		MaxRetry:      cfg.JobMaxRetries,
	}, logger)

	handler := api.NewHandler(d, database, credits, q, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		Logger:             logger,
	})
	if cfg.BackendAPIKey == "" {
		logger.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.WorkerEnabled {
		w, err := newWorker(gctx, cfg, d, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx, rdb) })
	}

	g.Go(func() error {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(sctx)
	})

	return g.Wait()
}

func newWorker(ctx context.Context, cfg *config.Config, d *dispatch.Dispatcher, logger zerolog.Logger) (*worker.Worker, error) {
	uploader, err := newUploader(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	genaiClient, err := services.NewGenAIClient(ctx, cfg.GeminiKey)
	if err != nil {
		return nil, err
	}

	fetcher := storage.NewFetcher(logger)
	runner := media.NewExecRunner(cfg.FFmpegPath, cfg.FFprobePath)

	deps := worker.Deps{
		Video:   services.NewVeoService(genaiClient, cfg.VeoModel, cfg.VeoFastModel, logger),
		Faces:   services.NewGeminiService(genaiClient, cfg.GeminiModel, logger),
		Prompts: services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel, logger),
		Media:   media.NewAssembler(runner, fetcher, cfg.MediaWorkDir, logger),
		Fetcher: fetcher,
		Storage: uploader,
	}
	logger.Info().
		Str("veo_model", cfg.VeoModel).
		Str("gemini_model", cfg.GeminiModel).
		Str("openai_model", cfg.OpenAIModel).
		Str("storage", cfg.StorageBackend).
		Msg("worker providers configured")

	return worker.New(d, deps, worker.Config{
		VideoConcurrency:   cfg.VideoConcurrency,
		FaceConcurrency:    cfg.FaceConcurrency,
		DefaultConcurrency: cfg.DefaultConcurrency,
		Poll:               poller.Config{Interval: cfg.PollInterval, MaxWait: cfg.PollMaxWait},
		WorkDir:            cfg.MediaWorkDir,
		ShutdownTimeout:    shutdownTimeout,
		StaleJobAfter:      cfg.StaleJobAfter,
		ReconcileInterval:  cfg.ReconcileInterval,
	}, logger), nil
}

func newUploader(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Uploader, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3(ctx, storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PublicURL:       cfg.S3PublicURL,
		}, logger)
	default:
		return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger), nil
	}
}

// instanceID names this process on the jobs it claims.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "reelforge"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
