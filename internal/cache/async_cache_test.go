package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	version int
}

func TestGetFetchesOnceThenHits(t *testing.T) {
	c := New[string, *snapshot](Options[*snapshot]{Name: "test"})
	var calls atomic.Int32
	fetch := func(ctx context.Context) (*snapshot, error) {
		calls.Add(1)
		return &snapshot{version: 1}, nil
	}

	v1, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)
	v2, err := c.Get(context.Background(), "k", fetch)
	require.NoError(t, err)

	assert.Same(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentMissesShareOneFetch(t *testing.T) {
	c := New[string, *snapshot](Options[*snapshot]{Name: "test"})
	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*snapshot, error) {
		calls.Add(1)
		<-release
		return &snapshot{version: 1}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background(), "k", fetch)
			assert.NoError(t, err)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshSkipsWhenAlreadyReplaced(t *testing.T) {
	c := New[string, *snapshot](Options[*snapshot]{Name: "test"})
	old := &snapshot{version: 1}
	c.Set("k", old)

	newer := &snapshot{version: 2}
	v, err := c.Refresh(context.Background(), "k", func(cur *snapshot) bool { return cur == old },
		func(ctx context.Context) (*snapshot, error) { return newer, nil })
	require.NoError(t, err)
	assert.Same(t, newer, v)

	// a second caller that also saw the old value converges on the newer one
	v, err = c.Refresh(context.Background(), "k", func(cur *snapshot) bool { return cur == old },
		func(ctx context.Context) (*snapshot, error) {
			t.Fatal("unexpected fetch")
			return nil, nil
		})
	require.NoError(t, err)
	assert.Same(t, newer, v)
	assert.Equal(t, 1, old.version)
}

func TestErrorsAndRejectedValuesAreNotCached(t *testing.T) {
	c := New[string, *snapshot](Options[*snapshot]{
		Name: "test",
		Keep: func(v *snapshot) bool { return v != nil },
	})

	_, err := c.Get(context.Background(), "k", func(ctx context.Context) (*snapshot, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	v, err := c.Get(context.Background(), "k", func(ctx context.Context) (*snapshot, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, v)
	_, ok := c.TryGet("k")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New[string, *snapshot](Options[*snapshot]{Name: "test", TTL: time.Minute})
	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("k", &snapshot{version: 1})

	_, ok := c.TryGet("k")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.TryGet("k")
	assert.False(t, ok)
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 0, c.Len())
}

func TestRemove(t *testing.T) {
	c := New[string, int](Options[int]{Name: "test"})
	c.Set("k", 1)
	c.Remove("k")
	_, ok := c.TryGet("k")
	assert.False(t, ok)
}

func TestRefreshDoesNotJoinInFlightGet(t *testing.T) {
	c := New[string, string](Options[string]{Name: "test"})
	release := make(chan struct{})
	started := make(chan struct{})
	slow := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "stale-snapshot", nil
	}

	got := make(chan string, 1)
	go func() {
		v, err := c.Get(context.Background(), "k", slow)
		assert.NoError(t, err)
		got <- v
	}()
	<-started

	var forcedCalls atomic.Int32
	v, err := c.Refresh(context.Background(), "k", nil, func(ctx context.Context) (string, error) {
		forcedCalls.Add(1)
		return "fresh", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
	assert.Equal(t, int32(1), forcedCalls.Load())

	close(release)
	assert.Equal(t, "stale-snapshot", <-got)

	// the slower plain fetch must not replace the newer refresh
	cached, ok := c.TryGet("k")
	require.True(t, ok)
	assert.Equal(t, "fresh", cached)
}

func TestCanceledCallerDoesNotFailSharedFetch(t *testing.T) {
	c := New[string, *snapshot](Options[*snapshot]{Name: "test"})
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (*snapshot, error) {
		close(started)
		select {
		case <-release:
			return &snapshot{version: 1}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Get(firstCtx, "k", fetch)
		firstErr <- err
	}()
	<-started

	secondDone := make(chan struct{})
	var second *snapshot
	var secondErr error
	go func() {
		defer close(secondDone)
		second, secondErr = c.Get(context.Background(), "k", fetch)
	}()
	time.Sleep(10 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	<-secondDone
	require.NoError(t, secondErr)
	assert.Equal(t, 1, second.version)
}
