package blobcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBlobs struct{ Memory[string, []byte] }

func (*failingBlobs) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk gone")
}

func TestCache_BlobRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	data := []byte{0, 1, 2, 255}
	require.NoError(t, c.SetBlob(ctx, "remote-1", data))
	got, ok := c.GetBlob(ctx, "remote-1")
	require.True(t, ok)
	assert.Equal(t, data, got)

	_, ok = c.GetBlob(ctx, "")
	assert.False(t, ok)
}

func TestCache_URLTTLCapped(t *testing.T) {
	ctx := context.Background()
	urls := NewMemoryURLStore(0)
	now := time.Unix(1_700_000_000, 0)
	urls.now = func() time.Time { return now }
	c := New(NewMemoryBlobStore(0), urls, Options{URLTTL: 50 * time.Minute})

	// The signer grants an hour but the cache must not keep it that long.
	require.NoError(t, c.SetURL(ctx, "k", "https://signed", time.Hour))
	now = now.Add(55 * time.Minute)
	_, ok := c.GetURL(ctx, "k")
	assert.False(t, ok)
}

func TestCache_ForgetAndReset(t *testing.T) {
	ctx := context.Background()
	c := NewInMemory()

	require.NoError(t, c.SetBlob(ctx, "k", []byte("x")))
	require.NoError(t, c.SetURL(ctx, "k", "https://u", 0))
	require.NoError(t, c.SetURL(ctx, "other", "https://v", 0))

	c.Forget(ctx, "k")
	_, ok := c.GetBlob(ctx, "k")
	assert.False(t, ok)
	_, ok = c.GetURL(ctx, "k")
	assert.False(t, ok)

	require.NoError(t, c.ResetURLs(ctx))
	_, ok = c.GetURL(ctx, "other")
	assert.False(t, ok)
}

func TestCache_ErrorsReadAsMiss(t *testing.T) {
	c := New(&failingBlobs{}, NewMemoryURLStore(0), Options{Logger: zerolog.Nop()})
	_, ok := c.GetBlob(context.Background(), "k")
	assert.False(t, ok)
}
