package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps go-redis with the typed vocabulary the queue protocol
// needs: hash get/set, list push, atomic pop-and-push, remove-by-value
// and snapshot reads.

type Client struct {
	redisdb *redis.Client
}

// New builds a client from a redis:// URL (db index included).

func New(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)

	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	opts.DialTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	// read timeout must not clip blocking pops; go-redis extends it
	// per-command for BRPOPLPUSH, so the default stays.

	return &Client{redisdb: redis.NewClient(opts)}, nil
}

// this ping function checks redis connectivity

func (c *Client) Ping(ctx context.Context) error {
	return c.redisdb.Ping(ctx).Err()
}

// this closes the client

func (c *Client) Close() error {
	return c.redisdb.Close()
}

// this exposes the raw client (tests, seeding scripts)

func (c *Client) Raw() *redis.Client {
	return c.redisdb
}

func (c *Client) HSetAll(ctx context.Context, key string, fields map[string]any) error {
	return c.redisdb.HSet(ctx, key, fields).Err()
}

// HGetAll returns an empty map when the key does not exist; callers map
// that to their own not-found sentinel.

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.redisdb.HGetAll(ctx, key).Result()
}

func (c *Client) HSet(ctx context.Context, key, field, value string) error {
	return c.redisdb.HSet(ctx, key, field, value).Err()
}

func (c *Client) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.redisdb.HIncrBy(ctx, key, field, delta).Result()
}

func (c *Client) LPush(ctx context.Context, list, value string) error {
	return c.redisdb.LPush(ctx, list, value).Err()
}

// BRPopLPush atomically moves one value from the tail of src to the head
// of dst. A timeout is not an error; it returns ("", nil).

func (c *Client) BRPopLPush(ctx context.Context, src, dst string, block time.Duration) (string, error) {
	v, err := c.redisdb.BRPopLPush(ctx, src, dst, block).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}

	return v, nil
}

func (c *Client) LRem(ctx context.Context, list string, count int64, value string) (int64, error) {
	return c.redisdb.LRem(ctx, list, count, value).Result()
}

func (c *Client) LRange(ctx context.Context, list string, start, stop int64) ([]string, error) {
	return c.redisdb.LRange(ctx, list, start, stop).Result()
}
