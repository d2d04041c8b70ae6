package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL     = 5 * time.Minute
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrTimeout is returned when a fetch does not settle within its timeout
	// and no fallback value was supplied.
	ErrTimeout = errors.New("cache: fetch timed out")
)

// FetchOptions tunes a single GetOrFetch call. Zero values fall back to the
// cache defaults.
type FetchOptions[V any] struct {
	TTL     time.Duration
	Timeout time.Duration
	// Fallback, when set, is returned instead of any timeout or fetch error.
	Fallback *V
}

// Fallback is a helper for FetchOptions.Fallback.
func Fallback[V any](v V) *V {
	return &v
}

type entry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache memoizes key->value lookups. At most one fetch per key is in flight
// at any time; concurrent callers for the same key share its result.
type Cache[V any] struct {
	mu       sync.RWMutex
	entries  map[string]entry[V]
	inFlight map[string]time.Time

	group singleflight.Group

	defaultTTL     time.Duration
	defaultTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	ttl     time.Duration
	timeout time.Duration
	logger  zerolog.Logger
}

// WithDefaultTTL sets the freshness window used when a call does not supply one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(cfg *config) { cfg.ttl = ttl }
}

// WithDefaultTimeout sets the fetch timeout used when a call does not supply one.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(cfg *config) { cfg.timeout = timeout }
}

// WithLogger sets the logger used for prefetch failures and fallbacks.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *config) { cfg.logger = logger }
}

// New creates an empty cache.
func New[V any](opts ...Option) *Cache[V] {
	cfg := config{
		ttl:     DefaultTTL,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Cache[V]{
		entries:        make(map[string]entry[V]),
		inFlight:       make(map[string]time.Time),
		defaultTTL:     cfg.ttl,
		defaultTimeout: cfg.timeout,
		logger:         cfg.logger.With().Str("component", "cache").Logger(),
		now:            time.Now,
	}
}

// Peek implements Reader
func (c *Cache[V]) Peek(key string, ttl time.Duration) (V, bool) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < ttl {
		return e.value, true
	}
	var zero V
	return zero, false
}

// Set implements Writer
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate implements Writer
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear drops every cached entry. In-flight fetches are not affected.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Prune drops entries older than maxAge and returns how many were removed.
func (c *Cache[V]) Prune(maxAge time.Duration) int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.entries {
		if now.Sub(e.fetchedAt) >= maxAge {
			delete(c.entries, key)
			n++
		}
	}
	return n
}

// Stats returns the number of cached entries and in-flight fetches.
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{CacheSize: len(c.entries), InFlightCount: len(c.inFlight)}
}

// GetOrFetch returns the fresh cached value for key, or joins the fetch
// already in flight for key, or starts a new one raced against a timeout.
//
// Without a fallback, timeouts (ErrTimeout) and fetch errors are returned to
// every caller sharing the fetch. A caller that passes its own fallback never
// fails: it gets that fallback when the shared fetch fails or when ctx is done
// first. Fallback values are never cached. ctx only bounds how long this
// caller waits; the shared fetch runs to completion regardless.
func (c *Cache[V]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[V], opts FetchOptions[V]) (V, error) {
	if v, ok := c.Peek(key, opts.TTL); ok {
		return v, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.track(key)
		defer c.untrack(key)
		return c.race(fetchCtx, key, fetch, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.fallback(key, opts, res.Err)
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return c.fallback(key, opts, ctx.Err())
	}
}

func (c *Cache[V]) fallback(key string, opts FetchOptions[V], err error) (V, error) {
	if opts.Fallback != nil {
		c.logger.Debug().Err(err).Str("key", key).Msg("using fallback")
		return *opts.Fallback, nil
	}
	var zero V
	return zero, err
}

var _ Store[bool] = (*Cache[bool])(nil)

type fetchResult[V any] struct {
	value V
	err   error
}

func (c *Cache[V]) race(ctx context.Context, key string, fetch FetchFunc[V], opts FetchOptions[V]) (V, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	done := make(chan fetchResult[V], 1)
	go func() {
		v, err := fetch(ctx)
		done <- fetchResult[V]{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			if opts.Fallback != nil {
				c.logger.Debug().Err(r.err).Str("key", key).Msg("fetch failed, using fallback")
				return *opts.Fallback, nil
			}
			var zero V
			return zero, r.err
		}
		c.Set(key, r.value)
		return r.value, nil
	case <-timer.C:
		if opts.Fallback != nil {
			c.logger.Debug().Str("key", key).Dur("timeout", timeout).Msg("fetch timed out, using fallback")
			return *opts.Fallback, nil
		}
		var zero V
		return zero, fmt.Errorf("%w: %s after %v", ErrTimeout, key, timeout)
	}
}

// Prefetch fills key unless a value younger than ttl is already cached.
// Failures are logged and never returned.
func (c *Cache[V]) Prefetch(ctx context.Context, key string, fetch FetchFunc[V], ttl time.Duration) {
	if _, err := c.GetOrFetch(ctx, key, fetch, FetchOptions[V]{TTL: ttl}); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("prefetch failed")
	}
}

func (c *Cache[V]) track(key string) {
	c.mu.Lock()
	c.inFlight[key] = c.now()
	c.mu.Unlock()
}

func (c *Cache[V]) untrack(key string) {
	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
}
