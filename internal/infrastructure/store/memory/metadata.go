package memory

import (
	"context"
	"sort"
	"time"

	"rillcast/internal/core/domain"
)

func (s *MemoryStore) PutMetadata(ctx context.Context, meta *domain.StreamMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *meta
	if existing, ok := s.streams[meta.StreamID]; ok {
		// The counter belongs to the viewers, not to whoever rewrites the document.
		stored.ViewerCount = existing.ViewerCount
	}
	s.streams[meta.StreamID] = &stored
	return nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, streamID domain.StreamID) (*domain.StreamMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.streams[streamID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	cp := *meta
	return &cp, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, streamID domain.StreamID, status domain.StreamStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.streams[streamID]
	if !ok {
		return domain.ErrStreamNotFound
	}
	meta.Status = status
	meta.EndedAt = endedAt
	return nil
}

func (s *MemoryStore) AdjustViewerCount(ctx context.Context, streamID domain.StreamID, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, ok := s.streams[streamID]
	if !ok {
		// Viewers may connect before the broadcaster writes the document.
		meta = &domain.StreamMetadata{StreamID: streamID}
		s.streams[streamID] = meta
	}
	meta.ViewerCount += delta
	if meta.ViewerCount < 0 {
		meta.ViewerCount = 0
	}
	return meta.ViewerCount, nil
}

func (s *MemoryStore) ListLive(ctx context.Context) ([]*domain.StreamMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live []*domain.StreamMetadata
	for _, meta := range s.streams {
		if meta.Status == domain.StatusLive {
			cp := *meta
			live = append(live, &cp)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.After(live[j].StartedAt)
	})
	return live, nil
}
