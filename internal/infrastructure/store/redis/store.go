package redis

import (
	"context"
	"fmt"
	"time"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "rillcast:"
	streamKeyPrefix = keyPrefix + "stream:"
	liveStreamsKey  = keyPrefix + "live"
)

// RedisStore implements ports.Store on a shared Redis instance so that
// broadcaster and viewers on different nodes see the same mailboxes,
// chunks and metadata.
type RedisStore struct {
	client     *redis.Client
	mailboxTTL time.Duration
	locks      *distributed.LockManager
}

var _ ports.Store = (*RedisStore)(nil)

func NewRedisStore(client *redis.Client, mailboxTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:     client,
		mailboxTTL: mailboxTTL,
		locks:      distributed.NewLockManager(client, keyPrefix+"lease:"),
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func mailboxKey(key ports.MailboxKey) string {
	return fmt.Sprintf("%smailbox:%s:%s", keyPrefix, key.StreamID, key.Recipient)
}

func streamKey(id domain.StreamID) string {
	return streamKeyPrefix + string(id)
}

func chunkSeqKey(id domain.StreamID) string {
	return fmt.Sprintf("%schunks:%s:seq", keyPrefix, id)
}

func chunkIndexKey(id domain.StreamID) string {
	return fmt.Sprintf("%schunks:%s:index", keyPrefix, id)
}

func chunkDataKey(id domain.StreamID) string {
	return fmt.Sprintf("%schunks:%s:data", keyPrefix, id)
}

// serverTime reads the Redis clock so every node stamps records from the
// same source.
func (s *RedisStore) serverTime(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return now, nil
}
