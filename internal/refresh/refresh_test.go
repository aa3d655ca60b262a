package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeboard/pipeboard/internal/cache"
	"github.com/pipeboard/pipeboard/internal/store"
)

var errUpstream = errors.New("upstream unavailable")

type fakeUpstream struct {
	calls atomic.Int32
	mu    sync.Mutex
	value string
	err   error
	gate  chan struct{} // when non-nil, fetch blocks until closed
}

func (f *fakeUpstream) fetch(ctx context.Context, key string) (string, error) {
	f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.value + ":" + key, nil
}

func (f *fakeUpstream) set(value string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = value
	f.err = err
}

func setup(t *testing.T, policy Policy) (*Orchestrator[string], *fakeUpstream, *clockwork.FakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	tier := cache.NewTierCache[string](cache.TierPipelines, 5*time.Second, cache.TierOptions{
		Store:  store.New(t.TempDir()),
		Clock:  clock,
		Logger: logger,
	})
	up := &fakeUpstream{value: "v1"}
	o := New(tier, up.fetch, Options{Policy: policy, Logger: logger})
	return o, up, clock
}

func TestGetAbsentFetchesSynchronously(t *testing.T) {
	o, up, _ := setup(t, RefillEager)

	res, err := o.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.Fresh())
	assert.Equal(t, "v1:k", res.Value)
	assert.Equal(t, int32(1), up.calls.Load())

	// Written back to the tier.
	assert.Equal(t, "v1:k", o.Tier().Read("k").Value)
}

func TestGetFreshDoesNotFetch(t *testing.T) {
	o, up, _ := setup(t, RefillEager)
	o.Tier().Write("k", "cached")

	res, err := o.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "cached", res.Value)
	assert.Equal(t, int32(0), up.calls.Load())
}

func TestGetStaleReturnsImmediatelyAndRefills(t *testing.T) {
	o, up, clock := setup(t, RefillEager)
	o.Tier().Write("k", "old")
	clock.Advance(6 * time.Second)

	up.gate = make(chan struct{})
	res, err := o.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.IsStale())
	assert.Equal(t, "old", res.Value)

	close(up.gate)
	o.Wait()

	assert.Equal(t, int32(1), up.calls.Load())
	after := o.Tier().Read("k")
	assert.True(t, after.Fresh())
	assert.Equal(t, "v1:k", after.Value)
}

func TestGetStaleOnDemandDoesNotRefill(t *testing.T) {
	o, up, clock := setup(t, RefillOnDemand)
	o.Tier().Write("k", "old")
	clock.Advance(6 * time.Second)

	res, err := o.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, res.IsStale())
	o.Wait()
	assert.Equal(t, int32(0), up.calls.Load())

	v, err := o.Refresh(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v1:k", v)
	assert.True(t, o.Tier().Read("k").Fresh())
}

func TestConcurrentAbsentReadsShareOneFetch(t *testing.T) {
	o, up, _ := setup(t, RefillEager)
	up.gate = make(chan struct{})

	const callers = 20
	var wg sync.WaitGroup
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Get(context.Background(), "k")
			assert.NoError(t, err)
			results[i] = res.Value
		}(i)
	}

	// Let every caller reach the in-flight fetch before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	assert.Equal(t, int32(1), up.calls.Load())
	for _, r := range results {
		assert.Equal(t, "v1:k", r)
	}
}

func TestConcurrentStaleReadsShareOneRefill(t *testing.T) {
	o, up, clock := setup(t, RefillEager)
	o.Tier().Write("k", "old")
	clock.Advance(6 * time.Second)
	up.gate = make(chan struct{})

	for i := 0; i < 10; i++ {
		res, err := o.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "old", res.Value)
	}

	close(up.gate)
	o.Wait()
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestDifferentKeysFetchIndependently(t *testing.T) {
	o, up, _ := setup(t, RefillEager)

	_, err := o.Get(context.Background(), "a")
	require.NoError(t, err)
	_, err = o.Get(context.Background(), "b")
	require.NoError(t, err)

	assert.Equal(t, int32(2), up.calls.Load())
}

func TestAbsentFetchFailureWritesNothing(t *testing.T) {
	o, up, _ := setup(t, RefillEager)
	up.set("", errUpstream)

	res, err := o.Get(context.Background(), "k")
	assert.ErrorIs(t, err, errUpstream)
	assert.False(t, res.HasData())
	assert.False(t, o.Tier().Read("k").HasData())
}

func TestStaleRefillFailureKeepsOldEntry(t *testing.T) {
	o, up, clock := setup(t, RefillEager)
	o.Tier().Write("k", "old")
	clock.Advance(6 * time.Second)
	up.set("", errUpstream)

	res, err := o.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "old", res.Value)
	o.Wait()

	after := o.Tier().Read("k")
	assert.True(t, after.IsStale())
	assert.Equal(t, "old", after.Value)
}

func TestRefreshFailureKeepsOldEntry(t *testing.T) {
	o, up, _ := setup(t, RefillEager)
	o.Tier().Write("k", "old")
	up.set("", errUpstream)

	_, err := o.Refresh(context.Background(), "k")
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, "old", o.Tier().Read("k").Value)
}

func TestBackgroundRefillOutlivesRequest(t *testing.T) {
	o, up, clock := setup(t, RefillEager)
	o.Tier().Write("k", "old")
	clock.Advance(6 * time.Second)
	up.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := o.Get(ctx, "k")
	require.NoError(t, err)
	cancel()

	close(up.gate)
	o.Wait()
	assert.Equal(t, "v1:k", o.Tier().Read("k").Value)
}

func TestCanceledCallerDoesNotFailSharedFetch(t *testing.T) {
	o, up, _ := setup(t, RefillEager)
	up.gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := o.Get(ctx, "k")
		first <- err
	}()
	require.Eventually(t, func() bool { return up.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	type result struct {
		res cache.Result[string]
		err error
	}
	second := make(chan result, 1)
	go func() {
		res, err := o.Get(context.Background(), "k")
		second <- result{res, err}
	}()
	close(up.gate)

	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, "v1:k", r.res.Value)
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, "v1:k", o.Tier().Read("k").Value)
}

func TestSharedFetchIsBoundedByTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tier := cache.NewTierCache[string](cache.TierPipelines, 5*time.Second, cache.TierOptions{Logger: logger})
	up := &fakeUpstream{value: "v1", gate: make(chan struct{})}
	defer close(up.gate)
	o := New(tier, up.fetch, Options{RefillTimeout: 20 * time.Millisecond, Logger: logger})

	_, err := o.Get(context.Background(), "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, o.Tier().Read("k").HasData())
}
