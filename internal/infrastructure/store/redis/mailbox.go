package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// drainScript pops the whole list in one step so a concurrent Append is
// either fully included or left for the next take.
var drainScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
if #items > 0 then
	redis.call('DEL', KEYS[1])
end
return items
`)

func (s *RedisStore) Append(ctx context.Context, key ports.MailboxKey, event *domain.SignalingEvent) error {
	now, err := s.serverTime(ctx)
	if err != nil {
		return err
	}

	stamped := *event
	stamped.Timestamp = now
	data, err := json.Marshal(stamped)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	rkey := mailboxKey(key)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, rkey, data)
		pipe.Expire(ctx, rkey, s.mailboxTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append to mailbox %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, key ports.MailboxKey, wait time.Duration) ([]*domain.SignalingEvent, error) {
	rkey := mailboxKey(key)

	var raw []string
	if wait > 0 {
		// BLPOP parks on the server until the first event arrives; the rest
		// of the queue is drained right after.
		res, err := s.client.BLPop(ctx, wait, rkey).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to wait on mailbox %s: %w", key, err)
		}
		raw = append(raw, res[1])
	}

	rest, err := drainScript.Run(ctx, s.client, []string{rkey}).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		if len(raw) == 0 {
			return nil, fmt.Errorf("failed to drain mailbox %s: %w", key, err)
		}
		// The popped event is already gone from the server; hand it over
		// and let the next take pick up the rest.
		rest = nil
	}
	raw = append(raw, rest...)

	var decodeErr error
	events := make([]*domain.SignalingEvent, 0, len(raw))
	for _, item := range raw {
		var event domain.SignalingEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			if decodeErr == nil {
				decodeErr = fmt.Errorf("failed to decode event in %s: %w", key, err)
			}
			continue
		}
		events = append(events, &event)
	}
	return events, decodeErr
}

func (s *RedisStore) Purge(ctx context.Context, key ports.MailboxKey) error {
	if err := s.client.Del(ctx, mailboxKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to purge mailbox %s: %w", key, err)
	}
	return nil
}
