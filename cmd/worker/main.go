package main

import (
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/internal/config"
	"github.com/briangreenhill/furnimove/internal/jobs"
	"github.com/briangreenhill/furnimove/internal/logging"
)

// The worker only schedules; the api process owns the availability client
// and consumes the tasks.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New(os.Stderr, "worker", zerolog.InfoLevel)
		bootLogger.Fatal().Err(err).Msg("config")
	}
	logger := logging.New(os.Stdout, "worker", cfg.Level())
	if !cfg.HasRedis() {
		logger.Fatal().Msg("REDIS_ADDR is required for the scheduler")
	}

	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logging.Asynq{L: logger.With().Str("component", "asynq").Logger()},
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("enqueue periodic task")
				return
			}
			logger.Debug().Str("task", info.Type).Str("id", info.ID).Msg("periodic task enqueued")
		},
	})

	schedule := jobs.Schedule{
		Cities:         cfg.Warm.Cities,
		DaysAhead:      cfg.Warm.DaysAhead,
		WarmEvery:      cfg.Warm.Interval,
		ReconnectEvery: cfg.Warm.ReconnectInterval,
		PruneEvery:     cfg.Warm.PruneInterval,
		PruneMaxAge:    cfg.Warm.PruneMaxAge,
	}
	if err := schedule.Register(scheduler); err != nil {
		logger.Fatal().Err(err).Msg("register periodic tasks")
	}

	logger.Info().Strs("cities", cfg.Warm.Cities).Msg("scheduler running")
	if err := scheduler.Run(); err != nil {
		logger.Fatal().Err(err).Msg("scheduler")
	}
}
