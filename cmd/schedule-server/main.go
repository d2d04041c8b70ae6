package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/internal/config"
	"github.com/briangreenhill/furnimove/internal/logging"
	"github.com/briangreenhill/furnimove/internal/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "schedule-server", zerolog.InfoLevel)
		bootLogger.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(os.Stdout, "schedule-server", cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store schedule.Store = schedule.NewMemoryStore()
	if cfg.HasDatabase() {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("db")
		}
		defer pool.Close()
		pg := schedule.NewPGStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
		store = pg
	} else {
		logger.Warn().Msg("DATABASE_URL not set; schedules live in memory")
	}

	opts := schedule.ServerOptions{Store: store, Logger: logger}
	var notifier *schedule.RedisNotifier
	if cfg.HasRedis() {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		notifier = schedule.NewRedisNotifier(rdb, logger)
		opts.Notifier = notifier
	}
	s := schedule.NewServer(opts)

	if notifier != nil {
		go func() {
			if err := notifier.Listen(ctx, s.Hub); err != nil {
				logger.Error().Err(err).Msg("status fan-out stopped")
			}
		}()
	}

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

	logger.Info().Str("port", cfg.Port).Msg("starting schedule server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("serve")
	}
}
