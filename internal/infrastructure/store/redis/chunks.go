package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"rillcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Chunks live in two keys per stream: a sorted set whose members are the
// msgpack-encoded ChunkInfo scored by seq, and a hash of seq -> encoded chunk.
// Listing infos never touches payload bytes.

func (s *RedisStore) AppendChunk(ctx context.Context, streamID domain.StreamID, chunk *domain.StreamChunk) error {
	seq, err := s.client.Incr(ctx, chunkSeqKey(streamID)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate chunk seq: %w", err)
	}
	now, err := s.serverTime(ctx)
	if err != nil {
		return err
	}
	chunk.Seq = seq
	chunk.Timestamp = now

	info, err := msgpack.Marshal(chunk.ChunkInfo)
	if err != nil {
		return fmt.Errorf("failed to encode chunk info: %w", err)
	}
	body, err := msgpack.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, chunkDataKey(streamID), strconv.FormatInt(seq, 10), body)
		pipe.ZAdd(ctx, chunkIndexKey(streamID), redis.Z{Score: float64(seq), Member: info})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store chunk %d: %w", seq, err)
	}
	return nil
}

func (s *RedisStore) ChunkInfos(ctx context.Context, streamID domain.StreamID) ([]domain.ChunkInfo, error) {
	members, err := s.client.ZRange(ctx, chunkIndexKey(streamID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	infos := make([]domain.ChunkInfo, 0, len(members))
	for _, m := range members {
		var info domain.ChunkInfo
		if err := msgpack.Unmarshal([]byte(m), &info); err != nil {
			return nil, fmt.Errorf("failed to decode chunk info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (s *RedisStore) ChunksAfter(ctx context.Context, streamID domain.StreamID, afterSeq int64) ([]*domain.StreamChunk, error) {
	members, err := s.client.ZRangeByScore(ctx, chunkIndexKey(streamID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks after %d: %w", afterSeq, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(members))
	for _, m := range members {
		var info domain.ChunkInfo
		if err := msgpack.Unmarshal([]byte(m), &info); err != nil {
			return nil, fmt.Errorf("failed to decode chunk info: %w", err)
		}
		fields = append(fields, strconv.FormatInt(info.Seq, 10))
	}

	values, err := s.client.HMGet(ctx, chunkDataKey(streamID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}

	chunks := make([]*domain.StreamChunk, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Evicted between the index read and the payload read.
			continue
		}
		chunk, err := decodeChunk(str)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func (s *RedisStore) GetChunk(ctx context.Context, streamID domain.StreamID, seq int64) (*domain.StreamChunk, error) {
	body, err := s.client.HGet(ctx, chunkDataKey(streamID), strconv.FormatInt(seq, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %d: %w", seq, err)
	}
	return decodeChunk(body)
}

func (s *RedisStore) DeleteChunk(ctx context.Context, streamID domain.StreamID, seq int64) error {
	score := strconv.FormatInt(seq, 10)

	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRemRangeByScore(ctx, chunkIndexKey(streamID), score, score)
		pipe.HDel(ctx, chunkDataKey(streamID), score)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete chunk %d: %w", seq, err)
	}
	if removed.Val() == 0 {
		return domain.ErrChunkNotFound
	}
	return nil
}

func decodeChunk(body string) (*domain.StreamChunk, error) {
	var chunk domain.StreamChunk
	if err := msgpack.Unmarshal([]byte(body), &chunk); err != nil {
		return nil, fmt.Errorf("failed to decode chunk: %w", err)
	}
	return &chunk, nil
}
