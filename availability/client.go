// Package availability keeps city/date "is this slot available" answers
// consistent across many concurrent callers. It owns one shared live
// connection to the schedule backend, caches every answer it sees, and
// degrades to request/response calls whenever the live channel is down or
// too slow. Every upward operation resolves; failures read as "unavailable".
package availability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/furnimove/cache"
	"github.com/briangreenhill/furnimove/internal/wire"
)

var (
	// ErrNotConnected is returned when a frame is sent while the live channel is not open.
	ErrNotConnected = errors.New("availability: live channel not connected")
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("availability: client closed")
)

// Slot identifies a city on a date.
type Slot = wire.CityDate

// Service is the upward contract UI-facing code depends on. None of the
// operations fail; they fall back to false.
type Service interface {
	Check(ctx context.Context, city, date string) bool
	CheckBatch(ctx context.Context, slots []Slot) map[string]bool
	CheckAllCitiesEmpty(ctx context.Context, date string) bool
	Subscribe(ctx context.Context, city, date string, callback func(isAvailable bool)) (unsubscribe func())
}

// Checker answers single availability lookups.
type Checker interface {
	Check(ctx context.Context, city, date string) bool
}

// Fallback is the request/response equivalent of the live channel.
type Fallback interface {
	CityStatus(ctx context.Context, city, date string) (bool, error)
	AllCitiesEmpty(ctx context.Context, date string) (bool, error)
	BatchCityAvailability(ctx context.Context, slots []Slot) (map[string]bool, error)
}

// Timing holds every timeout and backoff knob of the client. Zero fields
// take the defaults from DefaultTiming.
type Timing struct {
	CacheTTL        time.Duration
	CheckTimeout    time.Duration
	FallbackTimeout time.Duration
	BatchTimeout    time.Duration
	EmptyTimeout    time.Duration
	ConnectTimeout  time.Duration
	ReconnectDelay  time.Duration
	// MaxReconnectAttempts bounds automatic retries; negative disables them.
	MaxReconnectAttempts int
	PollInterval         time.Duration
}

// DefaultTiming returns the production timing.
func DefaultTiming() Timing {
	return Timing{
		CacheTTL:             30 * time.Second,
		CheckTimeout:         600 * time.Millisecond,
		FallbackTimeout:      800 * time.Millisecond,
		BatchTimeout:         1000 * time.Millisecond,
		EmptyTimeout:         1000 * time.Millisecond,
		ConnectTimeout:       5 * time.Second,
		ReconnectDelay:       time.Second,
		MaxReconnectAttempts: 5,
		PollInterval:         100 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.CacheTTL <= 0 {
		t.CacheTTL = d.CacheTTL
	}
	if t.CheckTimeout <= 0 {
		t.CheckTimeout = d.CheckTimeout
	}
	if t.FallbackTimeout <= 0 {
		t.FallbackTimeout = d.FallbackTimeout
	}
	if t.BatchTimeout <= 0 {
		t.BatchTimeout = d.BatchTimeout
	}
	if t.EmptyTimeout <= 0 {
		t.EmptyTimeout = d.EmptyTimeout
	}
	if t.ConnectTimeout <= 0 {
		t.ConnectTimeout = d.ConnectTimeout
	}
	if t.ReconnectDelay <= 0 {
		t.ReconnectDelay = d.ReconnectDelay
	}
	if t.MaxReconnectAttempts < 0 {
		t.MaxReconnectAttempts = 0
	} else if t.MaxReconnectAttempts == 0 {
		t.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if t.PollInterval <= 0 {
		t.PollInterval = d.PollInterval
	}
	return t
}

// State is the lifecycle of the live connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Client is the process-wide connection manager. Construct one per process
// and hand it by reference to everything that needs availability data.
type Client struct {
	liveURL string
	header  http.Header
	dialer  Dialer
	rest    Fallback
	cache   cache.Store[bool]
	logger  zerolog.Logger
	timing  Timing

	mu                sync.Mutex
	state             State
	conn              Conn
	reconnectAttempts int
	reconnectTimer    *time.Timer
	closed            bool

	subs      map[string]*subscription
	nextSubID uint64

	batchCallbacks map[string]func(map[string]bool)
	emptyCallbacks map[string]func(bool)
}

type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithFallback replaces the REST fallback client.
func WithFallback(f Fallback) Option {
	return func(c *Client) { c.rest = f }
}

// WithCache shares an existing cache with the client.
func WithCache(store cache.Store[bool]) Option {
	return func(c *Client) { c.cache = store }
}

// WithHeader adds headers (typically the host session cookie) to the live
// handshake and to the default REST fallback.
func WithHeader(h http.Header) Option {
	return func(c *Client) { c.header = h.Clone() }
}

// WithLiveURL overrides the live-channel address derived from the base URL.
func WithLiveURL(raw string) Option {
	return func(c *Client) { c.liveURL = raw }
}

func WithTiming(t Timing) Option {
	return func(c *Client) { c.timing = t }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the backend at baseURL. No connection is opened
// until the first operation needs one.
func New(baseURL string, opts ...Option) (*Client, error) {
	liveURL, err := LiveURL(baseURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		liveURL:        liveURL,
		logger:         zerolog.Nop(),
		timing:         DefaultTiming(),
		subs:           make(map[string]*subscription),
		batchCallbacks: make(map[string]func(map[string]bool)),
		emptyCallbacks: make(map[string]func(bool)),
	}
	for _, o := range opts {
		o(c)
	}
	c.timing = c.timing.withDefaults()
	c.logger = c.logger.With().Str("component", "availability").Logger()
	if c.dialer == nil {
		c.dialer = WebSocketDialer{Origin: baseURL}
	}
	if c.rest == nil {
		rest, err := NewRESTClient(baseURL, WithRESTHeader(c.header))
		if err != nil {
			return nil, err
		}
		c.rest = rest
	}
	if c.cache == nil {
		c.cache = cache.New[bool](cache.WithDefaultTTL(c.timing.CacheTTL), cache.WithLogger(c.logger))
	}
	return c, nil
}

// LiveURL swaps the scheme of a request/response base address for its
// live-channel equivalent.
func LiveURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("base url %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	return u.String(), nil
}

// Cache exposes the cache every read writes through to.
func (c *Client) Cache() cache.Store[bool] {
	return c.cache
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats is a diagnostics snapshot of the client.
type Stats struct {
	State             string      `json:"state"`
	ReconnectAttempts int         `json:"reconnectAttempts"`
	Subscriptions     int         `json:"subscriptions"`
	PendingBatches    int         `json:"pendingBatches"`
	PendingEmpty      int         `json:"pendingEmptyChecks"`
	Cache             cache.Stats `json:"cache"`
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		State:             c.state.String(),
		ReconnectAttempts: c.reconnectAttempts,
		Subscriptions:     len(c.subs),
		PendingBatches:    len(c.batchCallbacks),
		PendingEmpty:      len(c.emptyCallbacks),
	}
	c.mu.Unlock()
	s.Cache = c.cache.Stats()
	return s
}

func normalize(s Slot) Slot {
	return Slot{City: strings.TrimSpace(s.City), Date: strings.TrimSpace(s.Date)}
}
