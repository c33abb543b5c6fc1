package redis

import (
	"context"
	"errors"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/distributed"
)

// broadcastLeaseTTL bounds how long a crashed node keeps a stream claimed.
const broadcastLeaseTTL = 15 * time.Second

type broadcastLease struct {
	lock *distributed.Lock
}

func (l broadcastLease) Release(ctx context.Context) error {
	err := l.lock.Unlock(ctx)
	if errors.Is(err, distributed.ErrNotHeld) {
		return nil
	}
	return err
}

func (s *RedisStore) AcquireBroadcast(ctx context.Context, streamID domain.StreamID) (ports.BroadcastLease, error) {
	lock := s.locks.Lock(string(streamID), broadcastLeaseTTL)
	ok, err := lock.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAlreadyBroadcasting
	}
	return broadcastLease{lock: lock}, nil
}
