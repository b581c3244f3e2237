// Package memory is an in-process assetcache backed by an LRU.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/scenebridge/assetcache"
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultSweepInterval = 5 * time.Minute

// Cache holds at most a fixed number of items; the least recently used is
// evicted first.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *assetcache.Item]
	stop   chan struct{}
	closed bool
}

// New returns a cache holding up to maxItems items.
func New(maxItems int) (*Cache, error) {
	l, err := lru.New[string, *assetcache.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create LRU cache: %w", err)
	}
	c := &Cache{lru: l, stop: make(chan struct{})}
	go c.sweep(defaultSweepInterval)
	return c, nil
}

func (c *Cache) Get(ctx context.Context, key string, opts ...assetcache.Option) (*assetcache.Item, error) {
	o := assetcache.Resolve(opts...)
	k := o.Namespace() + key

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, assetcache.ErrClosed
	}
	item, ok := c.lru.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		c.lru.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (c *Cache) Set(ctx context.Context, key string, data []byte, opts ...assetcache.Option) error {
	o := assetcache.Resolve(opts...)
	now := time.Now()
	item := &assetcache.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
		ExpiresAt: o.Expiry(now),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return assetcache.ErrClosed
	}
	c.lru.Add(o.Namespace()+key, item)
	return nil
}

func (c *Cache) Delete(ctx context.Context, opts ...assetcache.Option) error {
	o := assetcache.Resolve(opts...)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return assetcache.ErrClosed
	}
	if o.Key != nil {
		c.lru.Remove(o.Namespace() + *o.Key)
		return nil
	}
	prefix := o.Namespace()
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			c.lru.Remove(k)
		}
	}
	return nil
}

// Len returns the number of items held, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	c.lru.Purge()
	return nil
}

func (c *Cache) sweep(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-t.C:
			c.mu.Lock()
			for _, k := range c.lru.Keys() {
				if it, ok := c.lru.Peek(k); ok && it.ExpiresAt != nil && now.After(*it.ExpiresAt) {
					c.lru.Remove(k)
				}
			}
			c.mu.Unlock()
		}
	}
}

var _ assetcache.Cache = (*Cache)(nil)
