package cache

import (
	"context"
	"errors"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis cache.
type RedisConfig struct {
	Address     string
	MaxIdle     int
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Redis is a cache shared between processes. Failures degrade to misses.
type Redis struct {
	pool   *redis.Pool
	logger *zap.Logger
}

// NewRedis builds a pooled Redis cache. Connections are dialled lazily.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address is required")
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 8
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 4 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	address := cfg.Address
	return &Redis{
		pool: &redis.Pool{
			MaxIdle:     maxIdle,
			IdleTimeout: idleTimeout,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", address)
			},
		},
		logger: logger,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		r.logger.Warn("redis cache unavailable", zap.Error(err))
		return nil, false
	}
	defer conn.Close()

	value, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("redis cache get failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return value, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		r.logger.Warn("redis cache unavailable", zap.Error(err))
		return
	}
	defer conn.Close()

	if _, err := conn.Do("SET", key, value, "PX", ttl.Milliseconds()); err != nil {
		r.logger.Warn("redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *Redis) Close() error {
	return r.pool.Close()
}
