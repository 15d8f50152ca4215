package redis

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrKeyNotFound = stderrors.New("key not found")

// RedisClient is the subset of Redis used for caches, de-duplication keys and
// token revocation.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

type Options struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces every key when the instance is shared with other services.
	KeyPrefix string
}

type Client struct {
	rdb    *redis.Client
	prefix string
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to Redis", "addr", opts.Addr, "db", opts.DB, "error", err)
		_ = rdb.Close()
		return nil, err
	}

	slog.Info("connected to Redis", "addr", opts.Addr, "db", opts.DB, "key_prefix", opts.KeyPrefix)
	return &Client{rdb: rdb, prefix: opts.KeyPrefix}, nil
}

func (c *Client) key(k string) string {
	return c.prefix + k
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, c.key(key)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		slog.Warn("redis get failed", "key", key, "error", err)
		return "", err
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.rdb.Set(ctx, c.key(key), value, expiration).Err()
}

// SetNX reports whether the key was newly set. Used as a claim on webhook
// event ids and spend request ids.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(key), value, expiration).Result()
}

func (c *Client) Del(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
