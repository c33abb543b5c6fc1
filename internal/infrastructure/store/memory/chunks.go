package memory

import (
	"context"

	"rillcast/internal/core/domain"
)

func (s *MemoryStore) AppendChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.StreamChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunkSeq[streamID]++
	chunk.Seq = s.chunkSeq[streamID]
	chunk.Timestamp = s.now()

	stored := *chunk
	s.chunks[streamID] = append(s.chunks[streamID], &stored)
	return nil
}

func (s *MemoryStore) ChunkInfos(ctx context.Context, streamID domain.StreamID) ([]domain.ChunkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := s.chunks[streamID]
	infos := make([]domain.ChunkInfo, 0, len(chunks))
	for _, c := range chunks {
		infos = append(infos, c.ChunkInfo)
	}
	return infos, nil
}

func (s *MemoryStore) ChunksAfter(ctx context.Context, streamID domain.StreamID, afterSeq int64) ([]*domain.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.StreamChunk
	for _, c := range s.chunks[streamID] {
		if c.Seq > afterSeq {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetChunk(ctx context.Context, streamID domain.StreamID, seq int64) (*domain.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.chunks[streamID] {
		if c.Seq == seq {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrChunkNotFound
}

func (s *MemoryStore) DeleteChunk(ctx context.Context, streamID domain.StreamID, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks := s.chunks[streamID]
	for i, c := range chunks {
		if c.Seq == seq {
			s.chunks[streamID] = append(chunks[:i:i], chunks[i+1:]...)
			return nil
		}
	}
	return domain.ErrChunkNotFound
}
