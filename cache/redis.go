package cache

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis layout: a sorted set "<prefix>:namespaces" scored by creation time, and one hash
// "<prefix>:ns:<name>" per namespace mapping URL to msgpack encoded entry.
type redisBackend struct {
	client *redis.Client
	cfg    config
}

var _ Backend = (*redisBackend)(nil)

// NewRedis returns a Backend stored in Redis.
// The caller owns the redis.Client lifecycle. Close does not close the client.
func NewRedis(client *redis.Client, opts ...Option) Backend {
	cfg := applyOptions(opts)
	if cfg.prefix == "" {
		cfg.prefix = "sw"
	}
	return &redisBackend{client: client, cfg: cfg}
}

func (c *redisBackend) indexKey() string {
	return c.cfg.prefix + ":namespaces"
}

func (c *redisBackend) spaceKey(ns string) string {
	return c.cfg.prefix + ":ns:" + ns
}

func (c *redisBackend) CreateNamespace(ctx context.Context, ns string) error {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	return c.client.ZAddNX(qctx, c.indexKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: ns}).Err()
}

func (c *redisBackend) Namespaces(ctx context.Context) ([]string, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	return c.client.ZRange(qctx, c.indexKey(), 0, -1).Result()
}

func (c *redisBackend) DropNamespace(ctx context.Context, ns string) (bool, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	var removed *redis.IntCmd
	_, err := c.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(qctx, c.indexKey(), ns)
		pipe.Del(qctx, c.spaceKey(ns))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (c *redisBackend) Get(ctx context.Context, ns, key string) ([]byte, bool, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	data, err := c.client.HGet(qctx, c.spaceKey(ns), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *redisBackend) Set(ctx context.Context, ns string, values map[string][]byte) error {
	if len(values) == 0 {
		return c.CreateNamespace(ctx, ns)
	}
	fields := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		fields = append(fields, k, v)
	}
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	_, err := c.client.TxPipelined(qctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(qctx, c.indexKey(), redis.Z{Score: float64(time.Now().UnixNano()), Member: ns})
		pipe.HSet(qctx, c.spaceKey(ns), fields...)
		return nil
	})
	return err
}

func (c *redisBackend) Del(ctx context.Context, ns, key string) (bool, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	n, err := c.client.HDel(qctx, c.spaceKey(ns), key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisBackend) Keys(ctx context.Context, ns string) ([]string, error) {
	qctx, cancel := queryCtx(ctx, c.cfg)
	defer cancel()
	keys, err := c.client.HKeys(qctx, c.spaceKey(ns)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op, the caller owns the redis.Client.
func (c *redisBackend) Close() error {
	return nil
}
