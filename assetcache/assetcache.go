// Package assetcache stores resolved mesh payloads so repeated sentences
// naming the same subject do not hit a provider twice.
package assetcache

import (
	"context"
	"errors"
	"time"
)

// Cache is implemented by the memory and redis backends.
type Cache interface {
	// Get returns nil, nil when the key is absent or expired. An error is
	// returned only for backend failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes one key when WithKey is given, otherwise every key in
	// the namespace.
	Delete(ctx context.Context, opts ...Option) error

	Close() error
}

// Item is a cached payload with its bookkeeping.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// IsExpired reports whether the item is past its expiry.
func (it *Item) IsExpired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

type Option func(*Options)

// Options is the resolved set of per-call options.
type Options struct {
	Provider string
	Key      *string
	TTL      *time.Duration
}

// Resolve applies opts in order.
func Resolve(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithProvider scopes the operation to one provider's entries.
func WithProvider(id string) Option {
	return func(o *Options) { o.Provider = id }
}

func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL sets an expiry on Set. Zero or negative means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// ErrClosed is returned by operations on a closed cache.
var ErrClosed = errors.New("assetcache: closed")

// Namespace returns the key prefix for the provider scope.
func (o Options) Namespace() string {
	if o.Provider == "" {
		return "global:"
	}
	return "provider:" + o.Provider + ":"
}

// Expiry returns the absolute expiry for an item created at now.
func (o Options) Expiry(now time.Time) *time.Time {
	if o.TTL == nil || *o.TTL <= 0 {
		return nil
	}
	t := now.Add(*o.TTL)
	return &t
}
