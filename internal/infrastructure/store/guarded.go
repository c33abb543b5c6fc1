package store

import (
	"context"
	"errors"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/circuitbreaker"
)

// GuardedStore fails fast with circuitbreaker.ErrOpen while the wrapped
// store keeps erroring.
type GuardedStore struct {
	next    ports.Store
	breaker *circuitbreaker.CircuitBreaker
}

var _ ports.Store = (*GuardedStore)(nil)

func NewGuardedStore(next ports.Store, breaker *circuitbreaker.CircuitBreaker) *GuardedStore {
	return &GuardedStore{next: next, breaker: breaker}
}

// IsStoreFailure counts only errors that say something about the store's
// health. Domain answers and caller cancellation do not.
func IsStoreFailure(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, domain.ErrStreamNotFound),
		errors.Is(err, domain.ErrChunkNotFound),
		errors.Is(err, domain.ErrAlreadyBroadcasting),
		errors.Is(err, domain.ErrInvalidEvent):
		return false
	}
	return true
}

func (g *GuardedStore) Breaker() *circuitbreaker.CircuitBreaker {
	return g.breaker
}

func (g *GuardedStore) Append(ctx context.Context, key ports.MailboxKey, event *domain.SignalingEvent) error {
	return g.breaker.Execute(func() error { return g.next.Append(ctx, key, event) })
}

func (g *GuardedStore) Take(ctx context.Context, key ports.MailboxKey, wait time.Duration) ([]*domain.SignalingEvent, error) {
	return circuitbreaker.Do(g.breaker, func() ([]*domain.SignalingEvent, error) {
		return g.next.Take(ctx, key, wait)
	})
}

func (g *GuardedStore) Purge(ctx context.Context, key ports.MailboxKey) error {
	return g.breaker.Execute(func() error { return g.next.Purge(ctx, key) })
}

func (g *GuardedStore) AppendChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.StreamChunk) error {
	return g.breaker.Execute(func() error { return g.next.AppendChunk(ctx, streamID, chunk) })
}

func (g *GuardedStore) ChunkInfos(ctx context.Context, streamID domain.StreamID) ([]domain.ChunkInfo, error) {
	return circuitbreaker.Do(g.breaker, func() ([]domain.ChunkInfo, error) {
		return g.next.ChunkInfos(ctx, streamID)
	})
}

func (g *GuardedStore) ChunksAfter(ctx context.Context, streamID domain.StreamID, afterSeq int64) ([]*domain.StreamChunk, error) {
	return circuitbreaker.Do(g.breaker, func() ([]*domain.StreamChunk, error) {
		return g.next.ChunksAfter(ctx, streamID, afterSeq)
	})
}

func (g *GuardedStore) GetChunk(ctx context.Context, streamID domain.StreamID, seq int64) (*domain.StreamChunk, error) {
	return circuitbreaker.Do(g.breaker, func() (*domain.StreamChunk, error) {
		return g.next.GetChunk(ctx, streamID, seq)
	})
}

func (g *GuardedStore) DeleteChunk(ctx context.Context, streamID domain.StreamID, seq int64) error {
	return g.breaker.Execute(func() error { return g.next.DeleteChunk(ctx, streamID, seq) })
}

func (g *GuardedStore) PutMetadata(ctx context.Context, meta *domain.StreamMetadata) error {
	return g.breaker.Execute(func() error { return g.next.PutMetadata(ctx, meta) })
}

func (g *GuardedStore) GetMetadata(ctx context.Context, streamID domain.StreamID) (*domain.StreamMetadata, error) {
	return circuitbreaker.Do(g.breaker, func() (*domain.StreamMetadata, error) {
		return g.next.GetMetadata(ctx, streamID)
	})
}

func (g *GuardedStore) SetStatus(ctx context.Context, streamID domain.StreamID, status domain.StreamStatus, endedAt *time.Time) error {
	return g.breaker.Execute(func() error { return g.next.SetStatus(ctx, streamID, status, endedAt) })
}

func (g *GuardedStore) AdjustViewerCount(ctx context.Context, streamID domain.StreamID, delta int64) (int64, error) {
	return circuitbreaker.Do(g.breaker, func() (int64, error) {
		return g.next.AdjustViewerCount(ctx, streamID, delta)
	})
}

func (g *GuardedStore) ListLive(ctx context.Context) ([]*domain.StreamMetadata, error) {
	return circuitbreaker.Do(g.breaker, func() ([]*domain.StreamMetadata, error) {
		return g.next.ListLive(ctx)
	})
}

func (g *GuardedStore) AcquireBroadcast(ctx context.Context, streamID domain.StreamID) (ports.BroadcastLease, error) {
	return circuitbreaker.Do(g.breaker, func() (ports.BroadcastLease, error) {
		return g.next.AcquireBroadcast(ctx, streamID)
	})
}

// Ping bypasses the breaker. An open circuit still reports unhealthy.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if err := g.next.Ping(ctx); err != nil {
		return err
	}
	if state := g.breaker.State(); state == circuitbreaker.StateOpen {
		return circuitbreaker.ErrOpen
	}
	return nil
}

func (g *GuardedStore) Close() error {
	return g.next.Close()
}
