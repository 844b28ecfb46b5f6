package origin

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *mapCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

type countingSource struct {
	calls int
	body  string
}

func (s *countingSource) FetchMetadata(_ context.Context, identifier string) (*Metadata, []byte, error) {
	s.calls++
	md, err := Parse(identifier, []byte(s.body))
	if err != nil {
		return nil, nil, err
	}
	return md, []byte(s.body), nil
}

func TestFetcher_CachesOriginResponse(t *testing.T) {
	src := &countingSource{body: sampleMetadata}
	cache := newMapCache()
	f := NewFetcher(src, cache, time.Minute, zerolog.Nop())

	ctx := context.Background()
	md1, err := f.Get(ctx, "gd1977-05-08")
	require.NoError(t, err)
	md2, err := f.Get(ctx, "gd1977-05-08")
	require.NoError(t, err)

	assert.Equal(t, 1, src.calls)
	assert.Equal(t, md1.Files, md2.Files)
	_, cached := cache.Get(ctx, CacheKey("gd1977-05-08"))
	assert.True(t, cached)
}

func TestFetcher_RefreshBypassesCache(t *testing.T) {
	src := &countingSource{body: sampleMetadata}
	f := NewFetcher(src, newMapCache(), time.Minute, zerolog.Nop())

	ctx := context.Background()
	_, err := f.Get(ctx, "x")
	require.NoError(t, err)
	_, _, err = f.Refresh(ctx, "x")
	require.NoError(t, err)

	assert.Equal(t, 2, src.calls)
}

func TestFetcher_DropsCorruptCacheEntry(t *testing.T) {
	src := &countingSource{body: sampleMetadata}
	cache := newMapCache()
	cache.Set(context.Background(), CacheKey("x"), []byte("not json"), time.Minute)
	f := NewFetcher(src, cache, time.Minute, zerolog.Nop())

	md, err := f.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, md.Files, 2)
	assert.Equal(t, 1, src.calls)
}
