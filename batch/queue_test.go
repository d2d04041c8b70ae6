package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recorder) record(keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), keys...))
}

func (r *recorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func upper(rec *recorder) Processor[string, string] {
	return func(ctx context.Context, keys []string) (map[string]string, error) {
		rec.record(keys)
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			out[k] = strings.ToUpper(k)
		}
		return out, nil
	}
}

func TestQueueDeduplicatesKeysWithinWindow(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(upper(rec), WithBatchDelay(20*time.Millisecond))

	pending := []*Pending[string]{
		q.Enqueue("a"),
		q.Enqueue("b"),
		q.Enqueue("a"),
		q.Enqueue("c"),
	}

	ctx := context.Background()
	got := make([]string, len(pending))
	for i, p := range pending {
		v, err := p.Wait(ctx)
		require.NoError(t, err)
		got[i] = v
	}

	assert.Equal(t, []string{"A", "B", "A", "C"}, got)
	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"a", "b", "c"}, calls[0])
}

func TestQueueMissingKeyFailsOnlyThatWaiter(t *testing.T) {
	q := NewQueue(func(ctx context.Context, keys []string) (map[string]int, error) {
		return map[string]int{"present": 1}, nil
	}, WithBatchDelay(time.Millisecond))

	present := q.Enqueue("present")
	missing := q.Enqueue("missing")

	v, err := present.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = missing.Wait(context.Background())
	require.ErrorIs(t, err, ErrNoResult)
	assert.Contains(t, err.Error(), "missing")
}

func TestQueueProcessorFailureIsScopedToOneFlush(t *testing.T) {
	boom := errors.New("backend down")
	var mu sync.Mutex
	fail := true
	q := NewQueue(func(ctx context.Context, keys []string) (map[string]bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			fail = false
			return nil, boom
		}
		out := make(map[string]bool, len(keys))
		for _, k := range keys {
			out[k] = true
		}
		return out, nil
	}, WithBatchDelay(time.Millisecond))

	first := []*Pending[bool]{q.Enqueue("x"), q.Enqueue("y")}
	for _, p := range first {
		_, err := p.Wait(context.Background())
		require.ErrorIs(t, err, boom)
	}

	v, err := q.Do(context.Background(), "z")
	require.NoError(t, err)
	assert.True(t, v)
}

func TestQueueSurvivesProcessorPanic(t *testing.T) {
	var calls atomic.Int32
	q := NewQueue(func(ctx context.Context, keys []string) (map[string]bool, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return map[string]bool{keys[0]: true}, nil
	}, WithBatchDelay(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := q.Do(ctx, "x")
	require.ErrorIs(t, err, ErrProcessorPanic)

	v, err := q.Do(ctx, "y")
	require.NoError(t, err)
	assert.True(t, v)
}

func TestQueueFlushesImmediatelyAtMaxBatchSize(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(upper(rec), WithBatchDelay(time.Hour), WithMaxBatchSize(3))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p1, p2, p3 := q.Enqueue("a"), q.Enqueue("b"), q.Enqueue("c")
	for _, p := range []*Pending[string]{p1, p2, p3} {
		_, err := p.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, rec.snapshot(), 1)
	assert.Equal(t, 0, q.Len())
}

func TestQueueSchedulesFollowUpFlushForLateArrivals(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rec := &recorder{}
	var once sync.Once

	q := NewQueue(func(ctx context.Context, keys []string) (map[string]string, error) {
		rec.record(keys)
		once.Do(func() {
			close(started)
			<-release
		})
		out := make(map[string]string, len(keys))
		for _, k := range keys {
			out[k] = k
		}
		return out, nil
	}, WithBatchDelay(time.Millisecond))

	first := q.Enqueue("first")
	<-started

	late := q.Enqueue("late")
	// let the late waiter's timer fire while the first flush is still running
	time.Sleep(20 * time.Millisecond)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := first.Wait(ctx)
	require.NoError(t, err)
	v, err := late.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", v)

	assert.Equal(t, [][]string{{"first"}, {"late"}}, rec.snapshot())
}

func TestPendingWaitHonoursContext(t *testing.T) {
	q := NewQueue(upper(&recorder{}), WithBatchDelay(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Do(ctx, "never")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
