package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/infrastructure/store/memory"
	"rillcast/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

type flakyStore struct {
	*memory.MemoryStore

	mu    sync.Mutex
	down  bool
	calls int
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) ListLive(ctx context.Context) ([]*domain.StreamMetadata, error) {
	f.mu.Lock()
	f.calls++
	down := f.down
	f.mu.Unlock()
	if down {
		return nil, errDown
	}
	return f.MemoryStore.ListLive(ctx)
}

func TestGuardedStore_OpensOnStoreFailures(t *testing.T) {
	flaky := &flakyStore{MemoryStore: memory.NewMemoryStore(), down: true}
	guarded := NewGuardedStore(flaky, circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		IsFailure:        IsStoreFailure,
	}))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := guarded.ListLive(ctx)
		assert.ErrorIs(t, err, errDown)
	}
	_, err := guarded.ListLive(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, flaky.calls)
	assert.ErrorIs(t, guarded.Ping(ctx), circuitbreaker.ErrOpen)

	flaky.setDown(false)
	require.Eventually(t, func() bool {
		_, err := guarded.ListLive(ctx)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, circuitbreaker.StateClosed, guarded.Breaker().State())
	assert.NoError(t, guarded.Ping(ctx))
}

func TestGuardedStore_DomainErrorsDoNotTrip(t *testing.T) {
	guarded := NewGuardedStore(memory.NewMemoryStore(), circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 1,
		Cooldown:         time.Hour,
		IsFailure:        IsStoreFailure,
	}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := guarded.GetMetadata(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)
		_, err = guarded.GetChunk(ctx, "missing", 1)
		assert.ErrorIs(t, err, domain.ErrChunkNotFound)
	}

	lease, err := guarded.AcquireBroadcast(ctx, "s1")
	require.NoError(t, err)
	_, err = guarded.AcquireBroadcast(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrAlreadyBroadcasting)
	require.NoError(t, lease.Release(ctx))

	assert.Equal(t, circuitbreaker.StateClosed, guarded.Breaker().State())
}

func TestIsStoreFailure(t *testing.T) {
	assert.True(t, IsStoreFailure(errDown))
	assert.False(t, IsStoreFailure(context.Canceled))
	assert.False(t, IsStoreFailure(context.DeadlineExceeded))
	assert.False(t, IsStoreFailure(domain.ErrStreamNotFound))
	assert.False(t, IsStoreFailure(domain.ErrInvalidEvent))
}
