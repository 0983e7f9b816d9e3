package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acorn1010/render/internal/common/configtypes"
)

// Nil is returned by go-redis for missing keys. Wrapper methods translate it
// into "absent" results, it never escapes as an error.
var Nil = redis.Nil

// Client wraps go-redis. Every failed command is logged and returned wrapped.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	config *configtypes.RedisConfig
}

func NewClient(cfg *configtypes.RedisConfig, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	// go-redis defaults: DialTimeout 5s, Read/WriteTimeout 3s, PoolSize 10*GOMAXPROCS
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	client := &Client{
		rdb:    rdb,
		logger: logger,
		config: cfg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Debug("Redis client connected",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB))

	return client, nil
}

func (c *Client) Ping(ctx context.Context) error {
	result, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		c.logger.Error("Redis ping failed", zap.Error(err))
		return err
	}
	if result != "PONG" {
		c.logger.Error("Redis ping returned unexpected response", zap.String("response", result))
		return fmt.Errorf("unexpected ping response: %s", result)
	}
	return nil
}

// GetBytes returns the raw value of key, or nil when the key does not exist.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	result, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Redis GET failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return result, nil
}

// SetNX sets key only if it does not exist. Returns true when the key was set.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	result, err := c.rdb.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		c.logger.Error("Redis SETNX failed",
			zap.String("key", key),
			zap.Duration("expiration", expiration),
			zap.Error(err))
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return result, nil
}

// Del deletes keys and returns how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("Redis DEL failed", zap.Strings("keys", keys), zap.Error(err))
		return 0, fmt.Errorf("redis del failed: %w", err)
	}
	return n, nil
}

// HGet returns a hash field, or "" and false when absent.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	result, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		c.logger.Error("Redis HGET failed",
			zap.String("key", key),
			zap.String("field", field),
			zap.Error(err))
		return "", false, fmt.Errorf("redis hget failed: %w", err)
	}
	return result, true, nil
}

// HMGet returns the values of fields in order; missing fields are nil.
func (c *Client) HMGet(ctx context.Context, key string, fields ...string) ([]interface{}, error) {
	result, err := c.rdb.HMGet(ctx, key, fields...).Result()
	if err != nil {
		c.logger.Error("Redis HMGET failed",
			zap.String("key", key),
			zap.Strings("fields", fields),
			zap.Error(err))
		return nil, fmt.Errorf("redis hmget failed: %w", err)
	}
	return result, nil
}

// HSet sets hash fields.
func (c *Client) HSet(ctx context.Context, key string, values ...interface{}) error {
	if err := c.rdb.HSet(ctx, key, values...).Err(); err != nil {
		c.logger.Error("Redis HSET failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

// MGet returns the values of keys in order; missing keys are nil.
func (c *Client) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	result, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.Error("Redis MGET failed", zap.Int("num_keys", len(keys)), zap.Error(err))
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	return result, nil
}

// ZRangeByScore returns up to count members with scores in [min, max], lowest first.
func (c *Client) ZRangeByScore(ctx context.Context, key, min, max string, count int64) ([]redis.Z, error) {
	result, err := c.rdb.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: count,
	}).Result()
	if err != nil {
		c.logger.Error("Redis ZRANGEBYSCORE failed",
			zap.String("key", key),
			zap.String("min", min),
			zap.String("max", max),
			zap.Error(err))
		return nil, fmt.Errorf("redis zrangebyscore failed: %w", err)
	}
	return result, nil
}

// ZRem removes members from a sorted set.
func (c *Client) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	n, err := c.rdb.ZRem(ctx, key, members...).Result()
	if err != nil {
		c.logger.Error("Redis ZREM failed",
			zap.String("key", key),
			zap.Int("num_members", len(members)),
			zap.Error(err))
		return 0, fmt.Errorf("redis zrem failed: %w", err)
	}
	return n, nil
}

// ZRemRangeByScore removes members with scores in [min, max].
func (c *Client) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	n, err := c.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
	if err != nil {
		c.logger.Error("Redis ZREMRANGEBYSCORE failed",
			zap.String("key", key),
			zap.String("min", min),
			zap.String("max", max),
			zap.Error(err))
		return 0, fmt.Errorf("redis zremrangebyscore failed: %w", err)
	}
	return n, nil
}

// ZScore returns a member's score and whether the member exists.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := c.rdb.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		c.logger.Error("Redis ZSCORE failed", zap.String("key", key), zap.Error(err))
		return 0, false, fmt.Errorf("redis zscore failed: %w", err)
	}
	return score, true, nil
}

// TxPipelined runs fn inside MULTI/EXEC.
func (c *Client) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	cmds, err := c.rdb.TxPipelined(ctx, fn)
	if err != nil && !errors.Is(err, redis.Nil) {
		c.logger.Error("Redis MULTI/EXEC failed",
			zap.Int("num_cmds", len(cmds)),
			zap.Error(err))
		return cmds, fmt.Errorf("redis transaction failed: %w", err)
	}
	return cmds, nil
}

// RunScript executes a Lua script via EVALSHA, loading it on first use.
func (c *Client) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	result, err := script.Run(ctx, c.rdb, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		c.logger.Error("Redis script failed",
			zap.Strings("keys", keys),
			zap.Int("num_args", len(args)),
			zap.Error(err))
		return nil, fmt.Errorf("redis script failed: %w", err)
	}
	return result, nil
}

func (c *Client) Close() error {
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}
	c.logger.Debug("Redis client closed")
	return nil
}

// GetClient exposes the underlying go-redis client.
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}
