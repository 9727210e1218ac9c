package redis

import (
	"context"
	"errors"
	"time"

	"companionchat/internal/config"

	redis "github.com/redis/go-redis/v9"
)

// Client wraps go-redis client to centralize configuration.
type Client struct {
	inner *redis.Client
}

// ErrCacheMiss mirrors redis.Nil for callers.
var ErrCacheMiss = redis.Nil

var errNotInitialized = errors.New("redis client not initialized")

// NewRedisClient creates the redis client from app config. It returns a nil
// client and no error when redis is not configured.
func NewRedisClient(cfg config.RedisConfig) (*Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Client{inner: client}, nil
}

// Wrap adapts an existing go-redis client.
func Wrap(inner *redis.Client) *Client {
	return &Client{inner: inner}
}

// Enabled reports whether c can serve requests.
func (c *Client) Enabled() bool {
	return c != nil && c.inner != nil
}

// Set stores a key with TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.Enabled() {
		return errNotInitialized
	}
	return c.inner.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a key only when it does not exist yet.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	if !c.Enabled() {
		return false, errNotInitialized
	}
	return c.inner.SetNX(ctx, key, value, ttl).Result()
}

// Get fetches the key as string.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	if !c.Enabled() {
		return "", errNotInitialized
	}
	return c.inner.Get(ctx, key).Result()
}

// Del removes provided keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if !c.Enabled() {
		return errNotInitialized
	}
	if len(keys) == 0 {
		return nil
	}
	return c.inner.Del(ctx, keys...).Err()
}

// SAdd adds members to a set and refreshes its TTL.
func (c *Client) SAdd(ctx context.Context, key string, ttl time.Duration, members ...interface{}) error {
	if !c.Enabled() {
		return errNotInitialized
	}
	pipe := c.inner.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SMembers lists the members of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	if !c.Enabled() {
		return nil, errNotInitialized
	}
	return c.inner.SMembers(ctx, key).Result()
}

// Eval runs a Lua script.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if !c.Enabled() {
		return nil, errNotInitialized
	}
	return c.inner.Eval(ctx, script, keys, args...).Result()
}

// Publish sends payload to channel.
func (c *Client) Publish(ctx context.Context, channel string, payload interface{}) error {
	if !c.Enabled() {
		return errNotInitialized
	}
	return c.inner.Publish(ctx, channel, payload).Err()
}

// Subscribe listens on channel until the returned PubSub is closed.
func (c *Client) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	if !c.Enabled() {
		return nil, errNotInitialized
	}
	ps := c.inner.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no message published afterwards is lost.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return ps, nil
}

// Close closes client.
func (c *Client) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes underlying go-redis client.
func (c *Client) Raw() *redis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}
