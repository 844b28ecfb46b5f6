// Package metacache is the two-tier metadata cache: a bounded in-process
// tier in front of a durable gocloud blob bucket with its own expiry.
package metacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob" // mem:// buckets
	"gocloud.dev/gcerrors"

	"github.com/arcmirror/arcmirror/internal/config"
	"github.com/arcmirror/arcmirror/internal/metrics"
)

const entryPrefix = "entries/"

// envelope is the durable representation of one entry.
type envelope struct {
	Data      []byte    `json:"data"`
	StoredAt  time.Time `json:"storedAt"`
	TTLMillis int64     `json:"ttlMillis"`
}

func (e envelope) expiresAt() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLMillis) * time.Millisecond)
}

// Stats reports cache effectiveness.
type Stats struct {
	MemoryHits  int64   `json:"memoryHits"`
	DurableHits int64   `json:"durableHits"`
	Misses      int64   `json:"misses"`
	Sets        int64   `json:"sets"`
	MemoryItems int     `json:"memoryItems"`
	Durable     bool    `json:"durable"`
	HitRatio    float64 `json:"hitRatio"`
}

// Cache is safe for concurrent use.
type Cache struct {
	memory  *memoryTier
	bucket  *blob.Bucket
	ttl     time.Duration
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	memoryHits  atomic.Int64
	durableHits atomic.Int64
	misses      atomic.Int64
	sets        atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New opens the durable bucket named by cfg.BucketURL (empty means memory
// only) and starts the periodic cleanup of the memory tier.
func New(ctx context.Context, cfg config.CacheConfig, m *metrics.Metrics, logger zerolog.Logger, opts ...Option) (*Cache, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 1000
	}

	c := &Cache{
		ttl:     ttl,
		logger:  logger.With().Str("component", "metacache").Logger(),
		metrics: m,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.memory = newMemoryTier(maxItems, c.now)

	if cfg.BucketURL != "" {
		bucket, err := openBucket(ctx, cfg.BucketURL)
		if err != nil {
			return nil, err
		}
		c.bucket = bucket
	}

	go c.cleanup(time.Minute)

	return c, nil
}

// openBucket creates local directories for file:// URLs before opening.
func openBucket(ctx context.Context, rawURL string) (*blob.Bucket, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid cache bucket url %q: %w", rawURL, err)
	}

	if u.Scheme == "file" {
		dir := u.Path
		if u.Host == "." {
			dir = "." + dir
		}
		dir = filepath.FromSlash(dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, fmt.Errorf("open cache bucket: %w", err)
		}
		return bucket, nil
	}

	bucket, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("open cache bucket: %w", err)
	}
	return bucket, nil
}

func blobKey(key string) string {
	return entryPrefix + url.PathEscape(key) + ".json"
}

// Get returns the value for key from the first tier that has a live copy.
// A durable hit is copied back into memory for the time it has left.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := c.memory.get(key); ok {
		c.memoryHits.Add(1)
		c.metrics.CacheHit("memory")
		return v, true
	}

	if c.bucket != nil {
		if env, ok := c.readDurable(ctx, key); ok {
			remaining := env.expiresAt().Sub(c.now())
			c.memory.set(key, env.Data, env.StoredAt, remaining)
			c.durableHits.Add(1)
			c.metrics.CacheHit("durable")
			return env.Data, true
		}
	}

	c.misses.Add(1)
	c.metrics.CacheMiss()
	return nil, false
}

func (c *Cache) readDurable(ctx context.Context, key string) (envelope, bool) {
	data, err := c.bucket.ReadAll(ctx, blobKey(key))
	if err != nil {
		if gcerrors.Code(err) != gcerrors.NotFound {
			c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache read failed")
		}
		return envelope{}, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Dropping corrupt durable cache entry")
		c.deleteDurable(ctx, key)
		return envelope{}, false
	}

	if !c.now().Before(env.expiresAt()) {
		c.deleteDurable(ctx, key)
		return envelope{}, false
	}
	return env, true
}

// Set stores value in both tiers. A durable write failure is logged; the
// memory copy still serves.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := c.now()
	c.memory.set(key, value, now, ttl)
	c.sets.Add(1)

	if c.bucket == nil {
		return
	}

	data, err := json.Marshal(envelope{
		Data:      value,
		StoredAt:  now,
		TTLMillis: ttlMillis(ttl),
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Failed to encode cache entry")
		return
	}
	if err := c.bucket.WriteAll(ctx, blobKey(key), data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache write failed")
	}
}

// ttlMillis rounds up so a positive TTL never stores as zero.
func ttlMillis(ttl time.Duration) int64 {
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.memory.delete(key)
	if c.bucket != nil {
		c.deleteDurable(ctx, key)
	}
}

func (c *Cache) deleteDurable(ctx context.Context, key string) {
	if err := c.bucket.Delete(ctx, blobKey(key)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		c.logger.Warn().Err(err).Str("key", key).Msg("Durable cache delete failed")
	}
}

// Clear empties both tiers.
func (c *Cache) Clear(ctx context.Context) error {
	c.memory.clear()
	if c.bucket == nil {
		return nil
	}

	var keys []string
	iter := c.bucket.List(&blob.ListOptions{Prefix: entryPrefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("list durable cache: %w", err)
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}

	removed := 0
	for _, key := range keys {
		if err := c.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete durable cache entry %s: %w", key, err)
		}
		removed++
	}

	c.logger.Info().Int("removed", removed).Msg("Cleared metadata cache")
	return nil
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		MemoryHits:  c.memoryHits.Load(),
		DurableHits: c.durableHits.Load(),
		Misses:      c.misses.Load(),
		Sets:        c.sets.Load(),
		MemoryItems: c.memory.len(),
		Durable:     c.bucket != nil,
	}
	if total := s.MemoryHits + s.DurableHits + s.Misses; total > 0 {
		s.HitRatio = float64(s.MemoryHits+s.DurableHits) / float64(total)
	}
	return s
}

// Close stops the cleanup loop and closes the durable bucket.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.bucket != nil {
		return c.bucket.Close()
	}
	return nil
}

func (c *Cache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			if n := c.memory.removeExpired(); n > 0 {
				c.logger.Debug().Int("removed", n).Msg("Expired memory cache entries")
			}
		}
	}
}
