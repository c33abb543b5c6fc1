package memory

import (
	"context"
	"sync"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

// MemoryStore keeps every surface of the shared store in process. It is
// used for single-node deployments and tests.
type MemoryStore struct {
	mu sync.Mutex

	mailboxes map[ports.MailboxKey][]*domain.SignalingEvent
	wakeups   map[ports.MailboxKey]chan struct{}

	chunks   map[domain.StreamID][]*domain.StreamChunk
	chunkSeq map[domain.StreamID]int64

	streams map[domain.StreamID]*domain.StreamMetadata
	leases  map[domain.StreamID]*broadcastLease

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mailboxes: make(map[ports.MailboxKey][]*domain.SignalingEvent),
		wakeups:   make(map[ports.MailboxKey]chan struct{}),
		chunks:    make(map[domain.StreamID][]*domain.StreamChunk),
		chunkSeq:  make(map[domain.StreamID]int64),
		streams:   make(map[domain.StreamID]*domain.StreamMetadata),
		leases:    make(map[domain.StreamID]*broadcastLease),
		now:       time.Now,
	}
}

var _ ports.Store = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
