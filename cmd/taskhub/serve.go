package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"taskhub/internal/config"
	"taskhub/internal/crypto"
	"taskhub/internal/dispatch"
	"taskhub/internal/httpapi"
	"taskhub/internal/metrics"
	"taskhub/internal/providers"
	"taskhub/internal/providers/registry"
	"taskhub/internal/queue"
	"taskhub/internal/usage"
	"taskhub/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and/or the notification worker (APP_MODE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info().Str("mode", cfg.AppMode).Str("env", cfg.Env).Str("version", version).Msg("starting taskhub")

	store, err := openStore(ctx, cfg, cfg.DB.AutoMigrate)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		return fmt.Errorf("initialize keyring: %w", err)
	}

	reg, err := registry.Build(cfg.Providers, registry.Deps{
		HTTPClient: providers.NewHTTPClient(cfg.Vendor.Timeout),
		Logger:     log.Logger,
	})
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	m := metrics.Global()
	limiter := queue.NewRateLimiter(rdb, "ratelimit")
	dispatcher := dispatch.New(dispatch.Config{
		Registry: reg,
		Logger:   log.Logger,
		Metrics:  m,
		Limiter:  limiter,
	})
	recorder := usage.NewRecorder(store, log.Logger)
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	errCh := make(chan error, 2)
	var httpServer *http.Server

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		api := httpapi.NewServer(httpapi.Deps{
			Config:         cfg,
			Dispatcher:     dispatcher,
			Providers:      reg,
			Store:          store,
			Limiter:        limiter,
			Quota:          queue.NewQuota(limiter, "ai", cfg.Rate.AIDailyQuota),
			Idempotency:    queue.NewIdempotencyGuard(rdb, cfg.Redis.IdempotencyTTL),
			Queue:          jobQueue,
			Tokens:         keyring,
			Usage:          recorder,
			Metrics:        m,
			MetricsHandler: promhttp.Handler(),
			Logger:         log.Logger,
		})
		httpServer = &http.Server{
			Addr:              cfg.HTTP.ListenAddr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	workerDone := make(chan struct{})
	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Store:      store,
			Queue:      jobQueue,
			Dispatcher: dispatcher,
			Recorder:   recorder,
			Tokens:     keyring,
			MaxRetries: cfg.Worker.MaxRetries,
			Logger:     log.Logger,
			Metrics:    m,
		})
		go func() {
			defer close(workerDone)
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	} else {
		close(workerDone)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}
	// The store and redis client close on return; in-flight jobs must finish first.
	cancel()
	if err := waitDone(shutdownCtx, workerDone); err != nil {
		log.Error().Err(err).Msg("worker did not stop in time")
	}

	log.Info().Msg("stopped")
	return runErr
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
