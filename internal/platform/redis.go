package platform

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the Redis instance backing internal/store,
// internal/alarm, and the pairing-request cache. poolSize overrides
// go-redis's default connection cap, which the worker's alarm sweep (one
// reconcile goroutine per due user per tick) can exhaust under a large
// backlog.
func NewRedisClient(ctx context.Context, redisURL string, poolSize int, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	logger.Info("connected to redis", "addr", opts.Addr, "pool_size", opts.PoolSize)
	return client, nil
}
