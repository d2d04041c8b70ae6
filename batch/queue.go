// Package batch collects point lookups issued within a short window and
// resolves them with a single call to a batch processor.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBatchDelay   = 10 * time.Millisecond
	DefaultMaxBatchSize = 50
)

var (
	// ErrNoResult is returned to a waiter whose key was missing from the
	// processor's result.
	ErrNoResult = errors.New("batch: no result for key")
	// ErrProcessorPanic fails every waiter of a flush whose processor panicked.
	ErrProcessorPanic = errors.New("batch: processor panicked")
)

// Processor resolves a set of unique keys in one call.
type Processor[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Queue batches Enqueue calls. Flushes never overlap.
type Queue[K comparable, V any] struct {
	processor Processor[K, V]
	delay     time.Duration
	maxSize   int
	timeout   time.Duration
	logger    zerolog.Logger

	mu         sync.Mutex
	waiters    []waiter[K, V]
	timer      *time.Timer
	processing bool
}

type waiter[K comparable, V any] struct {
	key     K
	pending *Pending[V]
}

// Pending is the handle returned by Enqueue.
type Pending[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Wait blocks until the waiter's flush completes or ctx is done.
func (p *Pending[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (p *Pending[V]) resolve(v V, err error) {
	p.value, p.err = v, err
	close(p.done)
}

// Option configures a Queue.
type Option func(*config)

type config struct {
	delay   time.Duration
	maxSize int
	timeout time.Duration
	logger  zerolog.Logger
}

// WithBatchDelay sets how long the first waiter of a batch waits for company.
func WithBatchDelay(d time.Duration) Option {
	return func(c *config) { c.delay = d }
}

// WithMaxBatchSize sets the queue length that triggers an immediate flush.
func WithMaxBatchSize(n int) Option {
	return func(c *config) { c.maxSize = n }
}

// WithProcessTimeout bounds each processor call. Zero means no bound.
func WithProcessTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// NewQueue creates a queue around processor.
func NewQueue[K comparable, V any](processor Processor[K, V], opts ...Option) *Queue[K, V] {
	cfg := config{
		delay:   DefaultBatchDelay,
		maxSize: DefaultMaxBatchSize,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.maxSize <= 0 {
		cfg.maxSize = DefaultMaxBatchSize
	}
	return &Queue[K, V]{
		processor: processor,
		delay:     cfg.delay,
		maxSize:   cfg.maxSize,
		timeout:   cfg.timeout,
		logger:    cfg.logger.With().Str("component", "batch").Logger(),
	}
}

// Enqueue registers interest in key and returns a handle to wait on.
func (q *Queue[K, V]) Enqueue(key K) *Pending[V] {
	p := &Pending[V]{done: make(chan struct{})}

	q.mu.Lock()
	q.waiters = append(q.waiters, waiter[K, V]{key: key, pending: p})
	if len(q.waiters) >= q.maxSize {
		q.stopTimerLocked()
		q.mu.Unlock()
		go q.flush()
		return p
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(q.delay, q.flush)
	}
	q.mu.Unlock()
	return p
}

// Do enqueues key and waits for its result.
func (q *Queue[K, V]) Do(ctx context.Context, key K) (V, error) {
	return q.Enqueue(key).Wait(ctx)
}

// Len returns the number of waiters not yet handed to the processor.
func (q *Queue[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters)
}

func (q *Queue[K, V]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue[K, V]) flush() {
	q.mu.Lock()
	q.stopTimerLocked()
	if q.processing || len(q.waiters) == 0 {
		// a running flush picks up leftovers when it completes
		q.mu.Unlock()
		return
	}
	snapshot := q.waiters
	q.waiters = nil
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		followUp := len(q.waiters) > 0 && q.timer == nil
		q.mu.Unlock()
		if followUp {
			go q.flush()
		}
	}()
	q.process(snapshot)
}

func (q *Queue[K, V]) process(snapshot []waiter[K, V]) {
	seen := make(map[K]struct{}, len(snapshot))
	keys := make([]K, 0, len(snapshot))
	for _, w := range snapshot {
		if _, ok := seen[w.key]; ok {
			continue
		}
		seen[w.key] = struct{}{}
		keys = append(keys, w.key)
	}

	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	results, err := q.call(ctx, keys)
	if err != nil {
		q.logger.Warn().Err(err).Int("keys", len(keys)).Int("waiters", len(snapshot)).Msg("batch processor failed")
		var zero V
		for _, w := range snapshot {
			w.pending.resolve(zero, err)
		}
		return
	}

	for _, w := range snapshot {
		v, ok := results[w.key]
		if !ok {
			w.pending.resolve(v, fmt.Errorf("%w: %v", ErrNoResult, w.key))
			continue
		}
		w.pending.resolve(v, nil)
	}
}

func (q *Queue[K, V]) call(ctx context.Context, keys []K) (results map[K]V, err error) {
	defer func() {
		if r := recover(); r != nil {
			results, err = nil, fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return q.processor(ctx, keys)
}
