package origin

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Cache is the subset of the metadata cache the fetcher needs.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// Source fetches metadata straight from the origin.
type Source interface {
	FetchMetadata(ctx context.Context, identifier string) (*Metadata, []byte, error)
}

// Fetcher resolves item metadata through the cache, falling back to origin.
type Fetcher struct {
	source Source
	cache  Cache
	ttl    time.Duration
	logger zerolog.Logger
}

// NewFetcher creates a cache-backed metadata fetcher.
func NewFetcher(source Source, cache Cache, ttl time.Duration, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		source: source,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With().Str("component", "metadata-fetcher").Logger(),
	}
}

// CacheKey returns the cache key used for an item's metadata.
func CacheKey(identifier string) string {
	return "metadata:" + identifier
}

// Get returns metadata for identifier, preferring a cached copy.
func (f *Fetcher) Get(ctx context.Context, identifier string) (*Metadata, error) {
	key := CacheKey(identifier)
	if data, ok := f.cache.Get(ctx, key); ok {
		md, err := Parse(identifier, data)
		if err == nil {
			return md, nil
		}
		f.logger.Warn().Err(err).Str("identifier", identifier).Msg("Dropping unusable cached metadata")
		f.cache.Delete(ctx, key)
	}

	md, _, err := f.Refresh(ctx, identifier)
	return md, err
}

// Refresh bypasses the cache, fetches from origin and stores the result.
func (f *Fetcher) Refresh(ctx context.Context, identifier string) (*Metadata, []byte, error) {
	md, raw, err := f.source.FetchMetadata(ctx, identifier)
	if err != nil {
		return nil, nil, err
	}
	f.cache.Set(ctx, CacheKey(identifier), raw, f.ttl)
	return md, raw, nil
}
