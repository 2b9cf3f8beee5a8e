// Package blobcache is the durable client-side cache: a blob tier that keeps
// uploaded file bytes across restarts and a URL tier that remembers signed
// download links for a short time.
package blobcache

import (
	"context"
	"time"
)

// KVCache is a typed key-value store with an optional per-entry TTL.
// A zero TTL means the store's default (which may be no expiry).
type KVCache[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool, error)
	Set(ctx context.Context, key K, value V, ttl time.Duration) error
	Delete(ctx context.Context, key K) error
	Clear(ctx context.Context) error
}

// Stats holds cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Size      int
}

// Blob tier defaults for the durable store.
const (
	DefaultBlobMaxAge     = 7 * 24 * time.Hour
	DefaultBlobMaxEntries = 200
	DefaultURLTTL         = 50 * time.Minute
)
