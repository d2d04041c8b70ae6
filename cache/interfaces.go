// Package cache provides an in-memory request cache for asynchronous lookups
// with TTL expiry, in-flight request coalescing and timeout fallbacks.
package cache

import (
	"context"
	"time"
)

// FetchFunc performs the underlying lookup for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Reader defines read access to cached values
type Reader[V any] interface {
	// Peek returns the cached value for key if it is younger than ttl.
	// It never triggers a fetch.
	Peek(key string, ttl time.Duration) (V, bool)
}

// Writer defines write access to cached values
type Writer[V any] interface {
	// Set stores value under key with a fresh timestamp, replacing any entry.
	Set(key string, value V)
	// Invalidate drops the entry for key.
	Invalidate(key string)
}

// ReadWriter combines both cache operations
type ReadWriter[V any] interface {
	Reader[V]
	Writer[V]
}

// Fetcher memoizes lookups through a FetchFunc
type Fetcher[V any] interface {
	GetOrFetch(ctx context.Context, key string, fetch FetchFunc[V], opts FetchOptions[V]) (V, error)
	Prefetch(ctx context.Context, key string, fetch FetchFunc[V], ttl time.Duration)
}

// Pruner drops entries older than maxAge and reports how many went
type Pruner interface {
	Prune(maxAge time.Duration) int
}

// Store is the main interface that combines all cache operations
type Store[V any] interface {
	ReadWriter[V]
	Fetcher[V]
	Pruner
	Stats() Stats
}

// Stats is a diagnostics snapshot of a cache.
type Stats struct {
	CacheSize     int `json:"cacheSize"`
	InFlightCount int `json:"inFlightCount"`
}
