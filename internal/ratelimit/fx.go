package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/vaultgate/vaultgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the optional redis-backed burst limiter. Without
// REDIS_ADDR both providers yield nil and the limiter is a no-op.
var Module = fx.Module("ratelimit",
	fx.Provide(func(cfg config.Config, log *zap.Logger) *redis.Client {
		if cfg.RedisAddr == "" {
			log.Named("ratelimit").Info("redis not configured, burst limiter disabled")
			return nil
		}
		return redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}),
	fx.Provide(NewTokenBucket),
)
