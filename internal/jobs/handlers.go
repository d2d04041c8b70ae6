package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/availability"
	"github.com/briangreenhill/furnimove/cache"
)

// Availability is what the handlers need from the realtime client.
type Availability interface {
	CheckBatch(ctx context.Context, slots []availability.Slot) map[string]bool
	Connect(ctx context.Context) error
}

type Handlers struct {
	A      Availability
	Cache  cache.Pruner
	Logger zerolog.Logger
	Now    func() time.Time
}

// NewMux registers every availability task on an asynq mux.
func NewMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskWarm, h.HandleWarm)
	mux.HandleFunc(TaskReconnect, h.HandleReconnect)
	mux.HandleFunc(TaskPrune, h.HandlePrune)
	return mux
}

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handlers) HandleWarm(ctx context.Context, t *asynq.Task) error {
	var p WarmPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.Logger.Warn().Err(err).Str("task", t.Type()).Msg("bad payload")
		return fmt.Errorf("decode warm payload: %v: %w", err, asynq.SkipRetry)
	}
	slots := append(p.Requests, ExpandSlots(p.Cities, p.DaysAhead, h.now())...)
	if len(slots) == 0 {
		return nil
	}

	start := time.Now()
	res := h.A.CheckBatch(ctx, slots)
	available := 0
	for _, v := range res {
		if v {
			available++
		}
	}
	h.Logger.Info().Int("slots", len(res)).Int("available", available).Dur("duration", time.Since(start)).Msg("cache warmed")
	return nil
}

func (h *Handlers) HandleReconnect(ctx context.Context, t *asynq.Task) error {
	err := h.A.Connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, availability.ErrClosed):
		return fmt.Errorf("reconnect: %v: %w", err, asynq.SkipRetry)
	default:
		h.Logger.Warn().Err(err).Msg("live channel re-initiation failed")
		return err
	}
}

func (h *Handlers) HandlePrune(ctx context.Context, t *asynq.Task) error {
	var p PrunePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode prune payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.MaxAgeSeconds <= 0 {
		return fmt.Errorf("prune: maxAgeSeconds must be positive: %w", asynq.SkipRetry)
	}
	n := h.Cache.Prune(time.Duration(p.MaxAgeSeconds) * time.Second)
	h.Logger.Debug().Int("removed", n).Msg("cache pruned")
	return nil
}

// Registrar is satisfied by *asynq.Scheduler.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// Schedule holds the periodic task settings.
type Schedule struct {
	Cities         []string
	DaysAhead      int
	WarmEvery      time.Duration
	ReconnectEvery time.Duration
	PruneEvery     time.Duration
	PruneMaxAge    time.Duration
}

// Register adds the periodic warm, reconnect and prune tasks.
func (s Schedule) Register(r Registrar) error {
	if len(s.Cities) > 0 && s.WarmEvery > 0 {
		task, err := NewWarmTask(WarmPayload{Cities: s.Cities, DaysAhead: s.DaysAhead})
		if err != nil {
			return err
		}
		if _, err := r.Register(every(s.WarmEvery), task); err != nil {
			return fmt.Errorf("register warm: %w", err)
		}
	}
	if s.ReconnectEvery > 0 {
		if _, err := r.Register(every(s.ReconnectEvery), NewReconnectTask()); err != nil {
			return fmt.Errorf("register reconnect: %w", err)
		}
	}
	if s.PruneEvery > 0 && s.PruneMaxAge > 0 {
		task, err := NewPruneTask(s.PruneMaxAge)
		if err != nil {
			return err
		}
		if _, err := r.Register(every(s.PruneEvery), task); err != nil {
			return fmt.Errorf("register prune: %w", err)
		}
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
