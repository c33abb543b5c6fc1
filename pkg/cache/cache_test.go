package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(ttl time.Duration) (*Cache[int], *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	c := New[int](ttl)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(time.Second)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	*now = now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Size)
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_SweepsExpiredOnGrowth(t *testing.T) {
	c, now := newTestCache(time.Second)
	for i := 0; i < minSweepSize; i++ {
		c.Set(fmt.Sprint(i), i)
	}
	*now = now.Add(2 * time.Second)
	c.Set("fresh", 1)
	assert.Equal(t, 1, c.Stats().Size)
}

func TestCache_GetOrLoad(t *testing.T) {
	c, now := newTestCache(time.Second)
	ctx := context.Background()
	var calls int
	load := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	*now = now.Add(time.Second)
	v, err = c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCache_GetOrLoadSharesConcurrentMisses(t *testing.T) {
	c := New[int](time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 42, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 42, v)
	}
}
