package availability

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/furnimove/cache"
	"github.com/briangreenhill/furnimove/internal/wire"
)

func TestLiveURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://backend.test", want: "ws://backend.test"},
		{in: "https://backend.test/app", want: "wss://backend.test/app"},
		{in: "wss://backend.test", want: "wss://backend.test"},
		{in: "ftp://backend.test", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := LiveURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckServesFreshCacheWithoutDialing(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})
	c.Cache().Set(cache.CityKey("Amsterdam", "2025-08-15"), true)

	assert.True(t, c.Check(context.Background(), "Amsterdam", "2025-08-15"))
	assert.Equal(t, 0, d.dialCount())
}

func TestCheckUsesLivePushAndWritesThrough(t *testing.T) {
	d := &fakeDialer{respond: statusResponder(true)}
	fb := &fakeFallback{}
	c := newTestClient(t, d, fb)

	assert.True(t, c.Check(context.Background(), "Amsterdam", "2025-08-15"))
	assert.Equal(t, int32(0), fb.calls.Load())

	v, ok := c.Cache().Peek(cache.CityKey("Amsterdam", "2025-08-15"), time.Minute)
	require.True(t, ok)
	assert.True(t, v)

	// the one-shot subscription is released again
	conn := d.conn(0)
	require.Eventually(t, func() bool { return len(conn.sentOfType(wire.TypeUnsubscribe)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Stats().Subscriptions)
}

func TestConcurrentChecksShareOneSubscribe(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})
	c.timing.CheckTimeout = 2 * time.Second
	require.NoError(t, c.Connect(context.Background()))
	conn := d.conn(0)

	key := Slot{City: "Amsterdam", Date: "2025-08-15"}.Key()
	results := make(chan bool, 2)
	for range 2 {
		go func() { results <- c.Check(context.Background(), "Amsterdam", "2025-08-15") }()
	}

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		sub, ok := c.subs[key]
		return ok && len(sub.callbacks) == 2
	}, time.Second, 5*time.Millisecond)

	conn.push(wire.CityStatus{City: "Amsterdam", Date: "2025-08-15", IsScheduled: true})
	assert.True(t, <-results)
	assert.True(t, <-results)
	assert.Len(t, conn.sentOfType(wire.TypeSubscribe), 1)
}

func TestCheckFallsBackToREST(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	fb := &fakeFallback{status: true}
	c := newTestClient(t, d, fb)

	assert.True(t, c.Check(context.Background(), "Rotterdam", "2025-08-01"))
	assert.Equal(t, int32(1), fb.calls.Load())

	// answered from cache now
	assert.True(t, c.Check(context.Background(), "Rotterdam", "2025-08-01"))
	assert.Equal(t, int32(1), fb.calls.Load())
}

func TestCheckIsFalseWhenEverythingIsDown(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	fb := &fakeFallback{status: true, err: errors.New("503")}
	c := newTestClient(t, d, fb)

	start := time.Now()
	assert.False(t, c.Check(context.Background(), "Rotterdam", "2025-08-01"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestCheckFallsBackWhenLiveIsSilent(t *testing.T) {
	d := &fakeDialer{}
	fb := &fakeFallback{status: true}
	c := newTestClient(t, d, fb)

	assert.True(t, c.Check(context.Background(), "Leiden", "2025-08-01"))
	assert.Equal(t, int32(1), fb.calls.Load())
}

func TestUnsubscribeStopsCallbacks(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})

	var calls atomic.Int32
	got := make(chan bool, 4)
	unsubscribe := c.Subscribe(context.Background(), "Delft", "2025-08-02", func(v bool) {
		calls.Add(1)
		got <- v
	})
	conn := d.conn(0)
	require.NotNil(t, conn)
	require.Len(t, conn.sentOfType(wire.TypeSubscribe), 1)

	conn.push(wire.CityStatus{City: "Delft", Date: "2025-08-02", IsScheduled: true})
	assert.True(t, <-got)

	unsubscribe()
	unsubscribe()
	require.Len(t, conn.sentOfType(wire.TypeUnsubscribe), 1)

	conn.push(wire.CityStatus{City: "Delft", Date: "2025-08-02", IsScheduled: false})
	assert.Never(t, func() bool { return calls.Load() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	// the push still lands in the cache
	require.Eventually(t, func() bool {
		v, ok := c.Cache().Peek(cache.CityKey("Delft", "2025-08-02"), time.Minute)
		return ok && !v
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribeSendsOnlyForFirstCallback(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})

	un1 := c.Subscribe(context.Background(), "Delft", "2025-08-02", func(bool) {})
	un2 := c.Subscribe(context.Background(), "Delft", "2025-08-02", func(bool) {})
	conn := d.conn(0)
	assert.Len(t, conn.sentOfType(wire.TypeSubscribe), 1)

	un1()
	assert.Empty(t, conn.sentOfType(wire.TypeUnsubscribe))
	un2()
	assert.Len(t, conn.sentOfType(wire.TypeUnsubscribe), 1)
}

func TestLaterSubscriberReopensChannelAfterCeiling(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	c := newTestClient(t, d, &fakeFallback{})

	c.Subscribe(context.Background(), "Delft", "2025-08-02", func(bool) {})
	require.Eventually(t, func() bool { return d.dialCount() == 6 && c.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)

	d.mu.Lock()
	d.err = nil
	d.mu.Unlock()

	c.Subscribe(context.Background(), "Delft", "2025-08-02", func(bool) {})
	assert.Equal(t, 7, d.dialCount())
	assert.Equal(t, StateOpen, c.State())
	conn := d.conn(0)
	require.NotNil(t, conn)
	assert.Len(t, conn.sentOfType(wire.TypeSubscribe), 1)
}

func TestCheckBatchDedupes(t *testing.T) {
	d := &fakeDialer{respond: statusResponder(true)}
	c := newTestClient(t, d, &fakeFallback{})

	got := c.CheckBatch(context.Background(), []Slot{
		{City: "Utrecht", Date: "2025-08-01"},
		{City: "Utrecht", Date: "2025-08-01"},
	})
	assert.Equal(t, map[string]bool{"Utrecht:2025-08-01": true}, got)

	checks := d.conn(0).sentOfType(wire.TypeBatchCheck)
	require.Len(t, checks, 1)
	assert.Len(t, checks[0].(wire.BatchCheck).Requests, 1)
}

func TestCheckBatchMergesCacheAndREST(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	fb := &fakeFallback{batch: map[string]bool{"Gouda:2025-08-01": true}}
	c := newTestClient(t, d, fb)
	c.Cache().Set(cache.CityKey("Utrecht", "2025-08-01"), true)

	got := c.CheckBatch(context.Background(), []Slot{
		{City: "Utrecht", Date: "2025-08-01"},
		{City: "Gouda", Date: "2025-08-01"},
		{City: "Breda", Date: "2025-08-01"},
	})
	assert.Equal(t, map[string]bool{
		"Utrecht:2025-08-01": true,
		"Gouda:2025-08-01":   true,
		"Breda:2025-08-01":   false,
	}, got)

	v, ok := c.Cache().Peek(cache.CityKey("Gouda", "2025-08-01"), time.Minute)
	require.True(t, ok)
	assert.True(t, v)
	_, ok = c.Cache().Peek(cache.CityKey("Breda", "2025-08-01"), time.Minute)
	assert.False(t, ok)
}

func TestCheckBatchDefaultsToFalse(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	c := newTestClient(t, d, &fakeFallback{err: errors.New("503")})

	got := c.CheckBatch(context.Background(), []Slot{{City: "Utrecht", Date: "2025-08-01"}})
	assert.Equal(t, map[string]bool{"Utrecht:2025-08-01": false}, got)
}

func TestCheckAllCitiesEmpty(t *testing.T) {
	d := &fakeDialer{respond: func(m wire.Message) []wire.Message {
		if ce, ok := m.(wire.CheckEmpty); ok {
			return []wire.Message{wire.EmptyResult{RequestID: ce.RequestID, Date: ce.Date, IsEmpty: true}}
		}
		return nil
	}}
	c := newTestClient(t, d, &fakeFallback{})

	assert.True(t, c.CheckAllCitiesEmpty(context.Background(), "2025-08-03"))
	v, ok := c.Cache().Peek(cache.EmptyKey("2025-08-03"), time.Minute)
	require.True(t, ok)
	assert.True(t, v)
	assert.Zero(t, c.Stats().PendingEmpty)
}

func TestCheckAllCitiesEmptyUnansweredIsFalse(t *testing.T) {
	d := &fakeDialer{}
	fb := &fakeFallback{empty: true}
	c := newTestClient(t, d, fb)

	start := time.Now()
	assert.False(t, c.CheckAllCitiesEmpty(context.Background(), "2025-08-03"))
	assert.GreaterOrEqual(t, time.Since(start), c.timing.EmptyTimeout)
	assert.Equal(t, int32(0), fb.calls.Load())
	assert.Zero(t, c.Stats().PendingEmpty)
}

func TestCheckAllCitiesEmptyUsesRESTWhenOffline(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	c := newTestClient(t, d, &fakeFallback{empty: true})

	assert.True(t, c.CheckAllCitiesEmpty(context.Background(), "2025-08-03"))
}

func TestReconnectStopsAfterCeiling(t *testing.T) {
	d := &fakeDialer{err: errors.New("refused")}
	c := newTestClient(t, d, &fakeFallback{})

	require.Error(t, c.Connect(context.Background()))

	// the first attempt plus five scheduled retries
	require.Eventually(t, func() bool { return d.dialCount() == 6 && c.State() == StateIdle }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 6, d.dialCount())
	assert.Equal(t, 5, c.Stats().ReconnectAttempts)

	// an explicit Connect still tries
	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, 7, d.dialCount())
}

func TestReconnectResubscribes(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})

	c.Subscribe(context.Background(), "Delft", "2025-08-02", func(bool) {})
	first := d.conn(0)
	require.NotNil(t, first)
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		second := d.conn(1)
		return second != nil && len(second.sentOfType(wire.TypeSubscribe)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateOpen, c.State())
	assert.Zero(t, c.Stats().ReconnectAttempts)
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Connect(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, d.dialCount())
}

func TestErrorFramesDoNotDisturbTheConnection(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})
	require.NoError(t, c.Connect(context.Background()))
	conn := d.conn(0)

	got := make(chan bool, 1)
	c.Subscribe(context.Background(), "Delft", "2025-08-02", func(v bool) { got <- v })

	conn.pushRaw(`{"type":"error","payload":{"message":"boom"}}`)
	conn.pushRaw(`{"type":"city_status","payload":{"city":"Delft"}}`)
	conn.pushRaw(`garbage`)
	conn.push(wire.CityStatus{City: "Delft", Date: "2025-08-02", IsScheduled: true})

	assert.True(t, <-got)
	assert.Equal(t, StateOpen, c.State())
}

func TestCloseStopsEverything(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
	assert.Equal(t, StateIdle, c.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())
}

func TestSessionHeaderReachesHandshake(t *testing.T) {
	d := &fakeDialer{}
	h := http.Header{}
	h.Set("Cookie", "session=abc")
	c := newTestClient(t, d, &fakeFallback{}, WithHeader(h))

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "session=abc", d.header.Get("Cookie"))
}

func TestSharedCacheAndLiveURLOverride(t *testing.T) {
	shared := cache.New[bool]()
	shared.Set(cache.CityKey("Leiden", "2025-08-04"), true)

	d := &fakeDialer{}
	c := newTestClient(t, d, &fakeFallback{}, WithCache(shared), WithLiveURL("wss://live.furnimove.test/ws"))

	assert.True(t, c.Check(context.Background(), "Leiden", "2025-08-04"))
	assert.Zero(t, d.dialCount())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, "wss://live.furnimove.test/ws", d.url)

	d.conn(0).push(wire.CityStatus{City: "Leiden", Date: "2025-08-05", IsScheduled: true})
	require.Eventually(t, func() bool {
		v, ok := shared.Peek(cache.CityKey("Leiden", "2025-08-05"), time.Minute)
		return ok && v
	}, time.Second, 5*time.Millisecond)
}
