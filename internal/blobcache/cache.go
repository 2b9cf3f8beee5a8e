package blobcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/drjoon/abuts.fit-sub008/internal/metrics"
)

// Cache is the facade the pipeline talks to. Lookup failures in either tier
// are logged and reported as misses.
type Cache struct {
	blobs  KVCache[string, []byte]
	urls   KVCache[string, string]
	urlTTL time.Duration
	logger zerolog.Logger
}

// Options configures the facade.
type Options struct {
	URLTTL time.Duration
	Logger zerolog.Logger
}

// New builds a cache over the two tiers.
func New(blobs KVCache[string, []byte], urls KVCache[string, string], opts Options) *Cache {
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Cache{blobs: blobs, urls: urls, urlTTL: ttl, logger: opts.Logger}
}

// NewInMemory returns a cache backed entirely by process memory.
func NewInMemory() *Cache {
	return New(NewMemoryBlobStore(DefaultBlobMaxEntries), NewMemoryURLStore(0), Options{})
}

func (c *Cache) GetBlob(ctx context.Context, key string) ([]byte, bool) {
	if key == "" {
		return nil, false
	}
	b, ok, err := c.blobs.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("blob cache get failed")
		ok = false
	}
	metrics.RecordCacheLookup("blob", ok)
	return b, ok
}

func (c *Cache) SetBlob(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return nil
	}
	return c.blobs.Set(ctx, key, data, 0)
}

func (c *Cache) GetURL(ctx context.Context, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	u, ok, err := c.urls.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("url cache get failed")
		ok = false
	}
	metrics.RecordCacheLookup("url", ok)
	return u, ok
}

// SetURL caches a signed URL. A zero ttl uses the cache default.
func (c *Cache) SetURL(ctx context.Context, key, url string, ttl time.Duration) error {
	if key == "" || url == "" {
		return nil
	}
	if ttl <= 0 || ttl > c.urlTTL {
		ttl = c.urlTTL
	}
	return c.urls.Set(ctx, key, url, ttl)
}

// Forget drops a key from both tiers.
func (c *Cache) Forget(ctx context.Context, key string) {
	if err := c.blobs.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("blob cache delete failed")
	}
	if err := c.urls.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("url cache delete failed")
	}
}

// ForgetURL drops a cached signed URL that no longer works.
func (c *Cache) ForgetURL(ctx context.Context, key string) {
	if err := c.urls.Delete(ctx, key); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("url cache delete failed")
	}
}

// ResetURLs drops every cached signed URL. Blobs are content-addressed and
// stay valid across sessions.
func (c *Cache) ResetURLs(ctx context.Context) error {
	return c.urls.Clear(ctx)
}
