// cmd/api/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/availability"
	"github.com/briangreenhill/furnimove/batch"
	"github.com/briangreenhill/furnimove/cache"
	"github.com/briangreenhill/furnimove/internal/config"
	"github.com/briangreenhill/furnimove/internal/http/routes"
	"github.com/briangreenhill/furnimove/internal/jobs"
	"github.com/briangreenhill/furnimove/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "api", zerolog.InfoLevel)
		bootLogger.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(os.Stdout, "api", cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Session cookie of the host application, forwarded on every backend call
	header := http.Header{}
	if cfg.SessionCookie != "" {
		header.Set("Cookie", cfg.SessionCookie)
	}

	rest, err := availability.NewRESTClient(cfg.BaseURL,
		availability.WithRESTHeader(header),
		availability.WithRateLimit(cfg.Availability.FallbackRPS, cfg.Availability.FallbackBurst),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("rest client")
	}

	store := cache.New[bool](
		cache.WithDefaultTTL(cfg.Availability.CacheTTL),
		cache.WithDefaultTimeout(cfg.Availability.FallbackTimeout),
		cache.WithLogger(logger.With().Str("component", "cache").Logger()),
	)

	// The one availability client of this process
	clientOpts := []availability.Option{
		availability.WithHeader(header),
		availability.WithFallback(rest),
		availability.WithCache(store),
		availability.WithTiming(cfg.Timing()),
		availability.WithLogger(logger),
	}
	if cfg.LiveURL != "" {
		clientOpts = append(clientOpts, availability.WithLiveURL(cfg.LiveURL))
	}
	client, err := availability.New(cfg.BaseURL, clientOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("availability client")
	}
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("live channel not available at startup; serving from REST")
	}

	batcher := availability.NewBatcher(client, logger,
		batch.WithBatchDelay(cfg.Availability.BatchWindow),
		batch.WithMaxBatchSize(cfg.Availability.MaxBatchSize),
		batch.WithProcessTimeout(cfg.Availability.BatchTimeout+cfg.Availability.FallbackTimeout),
	)

	opts := routes.ServerOptions{
		Availability: client,
		Checker:      batcher,
		Stats:        client,
		Logger:       logger,
	}

	if cfg.HasRedis() {
		redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr}

		tasks := asynq.NewClient(redisOpt)
		defer func() {
			if err := tasks.Close(); err != nil {
				logger.Error().Err(err).Msg("close asynq client")
			}
		}()
		opts.Tasks = tasks

		worker := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 4,
			Queues:      map[string]int{jobs.QueueAvailability: 1},
			Logger:      logging.Asynq{L: logger.With().Str("component", "asynq").Logger()},
		})
		mux := jobs.NewMux(&jobs.Handlers{
			A:      client,
			Cache:  store,
			Logger: logger.With().Str("component", "jobs").Logger(),
		})
		if err := worker.Start(mux); err != nil {
			logger.Fatal().Err(err).Msg("start task server")
		}
		defer worker.Shutdown()
	}

	s := routes.New(opts)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("port", cfg.Port).Str("backend", cfg.BaseURL).Msg("starting gateway")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("serve")
	}
}
