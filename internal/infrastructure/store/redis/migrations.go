package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = keyPrefix + "schema:version"

// Migration is one forward step of the key layout.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate runs all pending migrations
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations := getMigrations()
	target := migrations[len(migrations)-1].Version
	if currentVersion >= target {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", target,
			)
		}
		return nil
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, migration.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", target)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Rebuild the live index from stream documents written before it existed.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client) error {
				iter := client.Scan(ctx, 0, streamKeyPrefix+"*", 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					status, err := client.HGet(ctx, key, fieldStatus).Result()
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					if status == "live" {
						id := strings.TrimPrefix(key, streamKeyPrefix)
						if err := client.SAdd(ctx, liveStreamsKey, id).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
