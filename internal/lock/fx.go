package lock

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(NewOwnerLocker),
)

// NewOwnerLocker picks the backend named by LOCK_BACKEND.
func NewOwnerLocker(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (OwnerLocker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Backend)) {
	case "", config.LockBackendMemory:
		log.Info("owner lock backend", zap.String("backend", config.LockBackendMemory))
		return NewMemoryLocker(cfg.Lock.Wait), nil
	case config.LockBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if lc != nil {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					return client.Ping(ctx).Err()
				},
				OnStop: func(context.Context) error {
					return client.Close()
				},
			})
		}
		log.Info("owner lock backend",
			zap.String("backend", config.LockBackendRedis),
			zap.String("addr", cfg.Redis.Addr),
		)
		return NewRedisLocker(client, cfg.Lock.TTL, cfg.Lock.Wait), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", cfg.Lock.Backend)
	}
}
