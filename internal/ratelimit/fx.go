package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns nil when rate limiting is disabled. Buckets live in
// Redis when Redis is the lock backend, in process memory otherwise.
func NewFromConfig(lc fx.Lifecycle, cfg config.Config, clk clock.Clock, log *zap.Logger) (*OwnerLimiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}

	var bucket Bucket
	if cfg.Lock.Backend == config.LockBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		bucket = NewRedisBucket(client)
	} else {
		bucket = NewMemoryBucket(clk)
	}

	log.Info("owner rate limit enabled",
		zap.String("backend", cfg.Lock.Backend),
		zap.Float64("rate", cfg.RateLimit.Rate),
		zap.Int("burst", cfg.RateLimit.Burst),
	)
	return NewOwnerLimiter(bucket, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
}
