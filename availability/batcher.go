package availability

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/batch"
)

// BatchChecker is the part of Client a Batcher drives.
type BatchChecker interface {
	CheckBatch(ctx context.Context, slots []Slot) map[string]bool
}

// Batcher turns independent single checks issued close together into one
// CheckBatch call.
type Batcher struct {
	queue  *batch.Queue[Slot, bool]
	logger zerolog.Logger
}

func NewBatcher(checker BatchChecker, logger zerolog.Logger, opts ...batch.Option) *Batcher {
	process := func(ctx context.Context, slots []Slot) (map[Slot]bool, error) {
		answers := checker.CheckBatch(ctx, slots)
		out := make(map[Slot]bool, len(slots))
		for _, s := range slots {
			out[s] = answers[s.Key()]
		}
		return out, nil
	}
	opts = append([]batch.Option{batch.WithLogger(logger)}, opts...)
	return &Batcher{
		queue:  batch.NewQueue[Slot, bool](process, opts...),
		logger: logger,
	}
}

// Check satisfies Checker. Errors, including the caller giving up, read as false.
func (b *Batcher) Check(ctx context.Context, city, date string) bool {
	v, err := b.queue.Do(ctx, normalize(Slot{City: city, Date: date}))
	if err != nil {
		b.logger.Debug().Err(err).Str("city", city).Str("date", date).Msg("batched check failed")
		return false
	}
	return v
}

var (
	_ Checker = (*Batcher)(nil)
	_ Checker = (*Client)(nil)
	_ Service = (*Client)(nil)
)
