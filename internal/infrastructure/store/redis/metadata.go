package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"rillcast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const (
	fieldStreamID    = "streamId"
	fieldTitle       = "title"
	fieldDescription = "description"
	fieldUserID      = "userId"
	fieldUsername    = "username"
	fieldStartedAt   = "startedAt"
	fieldEndedAt     = "endedAt"
	fieldStatus      = "status"
	fieldViewerCount = "viewerCount"
	fieldThumbnail   = "thumbnail"
)

// adjustViewersScript applies a delta to viewerCount and clamps at zero in a
// single server-side step.
var adjustViewersScript = redis.NewScript(`
redis.call('HSETNX', KEYS[1], 'streamId', ARGV[2])
local v = redis.call('HINCRBY', KEYS[1], 'viewerCount', ARGV[1])
if v < 0 then
	redis.call('HSET', KEYS[1], 'viewerCount', 0)
	v = 0
end
return v
`)

// PutMetadata writes every field except viewerCount, which only
// AdjustViewerCount touches.
func (s *RedisStore) PutMetadata(ctx context.Context, meta *domain.StreamMetadata) error {
	key := streamKey(meta.StreamID)
	fields := map[string]interface{}{
		fieldStreamID:    string(meta.StreamID),
		fieldTitle:       meta.Title,
		fieldDescription: meta.Description,
		fieldUserID:      string(meta.UserID),
		fieldUsername:    meta.Username,
		fieldStartedAt:   formatTime(meta.StartedAt),
		fieldStatus:      string(meta.Status),
		fieldThumbnail:   meta.Thumbnail,
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.HSetNX(ctx, key, fieldViewerCount, 0)
		if meta.EndedAt != nil {
			pipe.HSet(ctx, key, fieldEndedAt, formatTime(*meta.EndedAt))
		} else {
			pipe.HDel(ctx, key, fieldEndedAt)
		}
		updateLiveIndex(ctx, pipe, meta.StreamID, meta.Status)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put metadata for %s: %w", meta.StreamID, err)
	}
	return nil
}

func (s *RedisStore) GetMetadata(ctx context.Context, streamID domain.StreamID) (*domain.StreamMetadata, error) {
	fields, err := s.client.HGetAll(ctx, streamKey(streamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for %s: %w", streamID, err)
	}
	if len(fields) == 0 {
		return nil, domain.ErrStreamNotFound
	}
	return parseMetadata(streamID, fields)
}

func (s *RedisStore) SetStatus(ctx context.Context, streamID domain.StreamID, status domain.StreamStatus, endedAt *time.Time) error {
	key := streamKey(streamID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check stream %s: %w", streamID, err)
	}
	if exists == 0 {
		return domain.ErrStreamNotFound
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldStatus, string(status))
		if endedAt != nil {
			pipe.HSet(ctx, key, fieldEndedAt, formatTime(*endedAt))
		} else {
			pipe.HDel(ctx, key, fieldEndedAt)
		}
		updateLiveIndex(ctx, pipe, streamID, status)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", streamID, err)
	}
	return nil
}

func (s *RedisStore) AdjustViewerCount(ctx context.Context, streamID domain.StreamID, delta int64) (int64, error) {
	count, err := adjustViewersScript.Run(ctx, s.client, []string{streamKey(streamID)}, delta, string(streamID)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to adjust viewer count for %s: %w", streamID, err)
	}
	return count, nil
}

func (s *RedisStore) ListLive(ctx context.Context) ([]*domain.StreamMetadata, error) {
	ids, err := s.client.SMembers(ctx, liveStreamsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list live streams: %w", err)
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, streamKey(domain.StreamID(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load live streams: %w", err)
	}

	live := make([]*domain.StreamMetadata, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		meta, err := parseMetadata(domain.StreamID(ids[i]), fields)
		if err != nil {
			return nil, err
		}
		if meta.Status == domain.StatusLive {
			live = append(live, meta)
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].StartedAt.After(live[j].StartedAt)
	})
	return live, nil
}

func updateLiveIndex(ctx context.Context, pipe redis.Pipeliner, streamID domain.StreamID, status domain.StreamStatus) {
	if status == domain.StatusLive {
		pipe.SAdd(ctx, liveStreamsKey, string(streamID))
	} else {
		pipe.SRem(ctx, liveStreamsKey, string(streamID))
	}
}

func parseMetadata(streamID domain.StreamID, fields map[string]string) (*domain.StreamMetadata, error) {
	meta := &domain.StreamMetadata{
		StreamID:    streamID,
		Title:       fields[fieldTitle],
		Description: fields[fieldDescription],
		UserID:      domain.UserID(fields[fieldUserID]),
		Username:    fields[fieldUsername],
		Status:      domain.StreamStatus(fields[fieldStatus]),
		Thumbnail:   fields[fieldThumbnail],
	}

	var err error
	if v := fields[fieldStartedAt]; v != "" {
		if meta.StartedAt, err = parseTime(v); err != nil {
			return nil, fmt.Errorf("stream %s: bad %s: %w", streamID, fieldStartedAt, err)
		}
	}
	if v := fields[fieldEndedAt]; v != "" {
		endedAt, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("stream %s: bad %s: %w", streamID, fieldEndedAt, err)
		}
		meta.EndedAt = &endedAt
	}
	if v := fields[fieldViewerCount]; v != "" {
		if meta.ViewerCount, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("stream %s: bad %s: %w", streamID, fieldViewerCount, err)
		}
	}
	return meta, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

