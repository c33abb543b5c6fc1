package memory

import (
	"context"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
)

func (s *MemoryStore) Append(ctx context.Context, key ports.MailboxKey, event *domain.SignalingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *event
	stored.Timestamp = s.now()
	s.mailboxes[key] = append(s.mailboxes[key], &stored)

	if ch, ok := s.wakeups[key]; ok {
		close(ch)
		delete(s.wakeups, key)
	}
	return nil
}

func (s *MemoryStore) Take(ctx context.Context, key ports.MailboxKey, wait time.Duration) ([]*domain.SignalingEvent, error) {
	s.mu.Lock()
	if events := s.drainLocked(key); len(events) > 0 || wait <= 0 {
		s.mu.Unlock()
		return events, nil
	}
	ch, ok := s.wakeups[key]
	if !ok {
		ch = make(chan struct{})
		s.wakeups[key] = ch
	}
	s.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-ch:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked(key), nil
}

func (s *MemoryStore) Purge(ctx context.Context, key ports.MailboxKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mailboxes, key)
	return nil
}

func (s *MemoryStore) drainLocked(key ports.MailboxKey) []*domain.SignalingEvent {
	events := s.mailboxes[key]
	if len(events) == 0 {
		return nil
	}
	delete(s.mailboxes, key)
	return events
}
