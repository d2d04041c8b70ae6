package availability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/furnimove/internal/wire"
)

var errConnClosed = errors.New("fake conn closed")

// fakeConn plays the server side of one live connection. respond, when set,
// is called for every client frame and its replies are pushed back.
type fakeConn struct {
	mu      sync.Mutex
	sent    []wire.Message
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	respond func(wire.Message) []wire.Message
}

func newFakeConn(respond func(wire.Message) []wire.Message) *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 64),
		done:    make(chan struct{}),
		respond: respond,
	}
}

func (f *fakeConn) Send(frame []byte) error {
	select {
	case <-f.done:
		return errConnClosed
	default:
	}
	m, err := wire.DecodeOutbound(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, m)
	f.mu.Unlock()
	if f.respond != nil {
		for _, reply := range f.respond(m) {
			f.push(reply)
		}
	}
	return nil
}

func (f *fakeConn) Receive() ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.done:
		return nil, errConnClosed
	}
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeConn) push(m wire.Message) {
	raw, err := wire.Marshal(m)
	if err != nil {
		panic(err)
	}
	f.in <- raw
}

func (f *fakeConn) pushRaw(raw string) {
	f.in <- []byte(raw)
}

func (f *fakeConn) sentOfType(t wire.Type) []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Message
	for _, m := range f.sent {
		if m.Type() == t {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	conns   []*fakeConn
	err     error
	url     string
	header  http.Header
	respond func(wire.Message) []wire.Message
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.url = rawURL
	d.header = header
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn(d.respond)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeFallback struct {
	status bool
	empty  bool
	batch  map[string]bool
	err    error
	calls  atomic.Int32
}

func (f *fakeFallback) CityStatus(ctx context.Context, city, date string) (bool, error) {
	f.calls.Add(1)
	return f.status, f.err
}

func (f *fakeFallback) AllCitiesEmpty(ctx context.Context, date string) (bool, error) {
	f.calls.Add(1)
	return f.empty, f.err
}

func (f *fakeFallback) BatchCityAvailability(ctx context.Context, slots []Slot) (map[string]bool, error) {
	f.calls.Add(1)
	return f.batch, f.err
}

func fastTiming() Timing {
	return Timing{
		CacheTTL:        time.Minute,
		CheckTimeout:    100 * time.Millisecond,
		FallbackTimeout: 100 * time.Millisecond,
		BatchTimeout:    100 * time.Millisecond,
		EmptyTimeout:    100 * time.Millisecond,
		ConnectTimeout:  200 * time.Millisecond,
		ReconnectDelay:  5 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, d Dialer, fb Fallback, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithDialer(d), WithFallback(fb), WithTiming(fastTiming())}, opts...)
	c, err := New("http://backend.test", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// statusResponder answers every subscribe with the given status and every
// batch_check with the same status for each requested slot.
func statusResponder(scheduled bool) func(wire.Message) []wire.Message {
	return func(m wire.Message) []wire.Message {
		switch msg := m.(type) {
		case wire.Subscribe:
			return []wire.Message{wire.CityStatus{City: msg.City, Date: msg.Date, IsScheduled: scheduled}}
		case wire.BatchCheck:
			res := wire.BatchResult{RequestID: msg.RequestID}
			for _, r := range msg.Requests {
				res.Results = append(res.Results, wire.CityStatus{City: r.City, Date: r.Date, IsScheduled: scheduled})
			}
			return []wire.Message{res}
		}
		return nil
	}
}
