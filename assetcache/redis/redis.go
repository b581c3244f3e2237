// Package redis is an assetcache shared between server replicas through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/scenebridge/assetcache"
	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "scenebridge:assets:"

// Config configures the cache.
type Config struct {
	Client *redis.Client

	// KeyPrefix is prepended to every key. Default: DefaultKeyPrefix.
	KeyPrefix string
}

type Cache struct {
	client    *redis.Client
	keyPrefix string
}

type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New returns a cache using cfg.Client. Close closes the client.
func New(cfg Config) (*Cache, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Cache{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

func (c *Cache) Get(ctx context.Context, key string, opts ...assetcache.Option) (*assetcache.Item, error) {
	rk := c.keyPrefix + assetcache.Resolve(opts...).Namespace() + key

	raw, err := c.client.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", rk, err)
	}

	var si storedItem
	if err := json.Unmarshal(raw, &si); err != nil {
		return nil, fmt.Errorf("decode %s: %w", rk, err)
	}
	item := &assetcache.Item{Data: si.Data, CreatedAt: si.CreatedAt, ExpiresAt: si.ExpiresAt}
	if item.IsExpired() {
		c.client.Del(ctx, rk)
		return nil, nil
	}
	return item, nil
}

func (c *Cache) Set(ctx context.Context, key string, data []byte, opts ...assetcache.Option) error {
	o := assetcache.Resolve(opts...)
	rk := c.keyPrefix + o.Namespace() + key

	now := time.Now()
	si := storedItem{Data: data, CreatedAt: now, ExpiresAt: o.Expiry(now)}
	var ttl time.Duration
	if si.ExpiresAt != nil {
		ttl = *o.TTL
	}
	b, err := json.Marshal(si)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	if err := c.client.Set(ctx, rk, b, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", rk, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, opts ...assetcache.Option) error {
	o := assetcache.Resolve(opts...)
	if o.Key != nil {
		rk := c.keyPrefix + o.Namespace() + *o.Key
		if err := c.client.Del(ctx, rk).Err(); err != nil {
			return fmt.Errorf("delete %s: %w", rk, err)
		}
		return nil
	}

	pattern := c.keyPrefix + o.Namespace() + "*"
	keys, err := c.scan(ctx, pattern)
	if err != nil {
		return fmt.Errorf("scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

var _ assetcache.Cache = (*Cache)(nil)
