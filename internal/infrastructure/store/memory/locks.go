package memory

import (
	"context"
	"sync"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

type broadcastLease struct {
	store    *MemoryStore
	streamID domain.StreamID
	once     sync.Once
}

func (l *broadcastLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.store.mu.Lock()
		if l.store.leases[l.streamID] == l {
			delete(l.store.leases, l.streamID)
		}
		l.store.mu.Unlock()
	})
	return nil
}

func (s *MemoryStore) AcquireBroadcast(ctx context.Context, streamID domain.StreamID) (ports.BroadcastLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.leases[streamID]; taken {
		return nil, domain.ErrAlreadyBroadcasting
	}
	lease := &broadcastLease{store: s, streamID: streamID}
	s.leases[streamID] = lease
	return lease, nil
}
