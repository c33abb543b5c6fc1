package store

import (
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/monitoring"
	"rillcast/internal/infrastructure/store/memory"
	redisstore "rillcast/internal/infrastructure/store/redis"
	"rillcast/pkg/circuitbreaker"
	"rillcast/pkg/config"

	"go.uber.org/zap"
)

// New returns the shared store: Redis when enabled and reachable, otherwise
// an in-process store that only serves a single node. The Redis store sits
// behind a circuit breaker unless redis.breaker_threshold is zero.
func New(cfg *config.Config, logger *zap.SugaredLogger, metrics *monitoring.PrometheusCollector) ports.Store {
	if cfg.Redis.Enabled {
		client, err := redisstore.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err == nil {
			logger.Info("using Redis store")
			var shared ports.Store = redisstore.NewRedisStore(client, cfg.Redis.MailboxTTL)
			if cfg.Redis.BreakerThreshold > 0 {
				shared = NewGuardedStore(shared, newBreaker(cfg, logger, metrics))
			}
			return shared
		}
		logger.Warnw("failed to connect to Redis, falling back to memory store",
			"error", err,
		)
	}

	logger.Info("using memory store")
	return memory.NewMemoryStore()
}

func newBreaker(cfg *config.Config, logger *zap.SugaredLogger, metrics *monitoring.PrometheusCollector) *circuitbreaker.CircuitBreaker {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Redis.BreakerThreshold,
		SuccessThreshold: 1,
		Cooldown:         cfg.Redis.BreakerCooldown,
		MaxProbes:        1,
		IsFailure:        IsStoreFailure,
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("store circuit changed state", "from", from.String(), "to", to.String())
		metrics.SetStoreCircuitState(int(to))
	})
	return breaker
}
