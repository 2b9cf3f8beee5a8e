package blobcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SetGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[string, int](MemoryOptions{})

	require.NoError(t, m.Set(ctx, "a", 1, 0))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok, _ = m.Get(ctx, "missing")
	assert.False(t, ok)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory[string, string](MemoryOptions{})
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "url", "https://x", 50*time.Minute))
	now = now.Add(49 * time.Minute)
	_, ok, _ := m.Get(ctx, "url")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = m.Get(ctx, "url")
	assert.False(t, ok, "entry older than its ttl must read as absent")
	assert.Equal(t, 0, m.Stats().Size)
}

func TestMemory_DeleteExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory[string, string](MemoryOptions{})
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "short", "a", time.Second))
	require.NoError(t, m.Set(ctx, "forever", "b", 0))
	now = now.Add(time.Minute)

	assert.Equal(t, 1, m.deleteExpired())
	_, ok, _ := m.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestMemory_LRUEviction(t *testing.T) {
	ctx := context.Background()
	m := NewMemory[string, int](MemoryOptions{MaxEntries: 2})

	require.NoError(t, m.Set(ctx, "a", 1, 0))
	require.NoError(t, m.Set(ctx, "b", 2, 0))
	_, _, _ = m.Get(ctx, "a") // a is now most recent
	require.NoError(t, m.Set(ctx, "c", 3, 0))

	_, ok, _ := m.Get(ctx, "b")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestMemoryBlobStore_CopiesBytes(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBlobStore(10)

	in := []byte("solid")
	require.NoError(t, m.Set(ctx, "k", in, 0))
	in[0] = 'X'

	out, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("solid"), out)

	out[0] = 'Y'
	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("solid"), again)
}

func TestMemory_Clear(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryURLStore(time.Hour)
	defer m.Stop()

	require.NoError(t, m.Set(ctx, "a", "x", 0))
	require.NoError(t, m.Clear(ctx))
	_, ok, _ := m.Get(ctx, "a")
	assert.False(t, ok)
	m.Stop()
}
