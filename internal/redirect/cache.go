// Package redirect caches signed download URLs by pick handle. Entries
// live for a bounded TTL; concurrent misses for the same handle coalesce
// into one upstream call.
package redirect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/upstream"
)

// DefaultTTL bounds how long a signed URL is served from cache. The
// upstream's own expiry, when reported, always wins if shorter.
const DefaultTTL = 3600 * time.Second

// sweepPeriod is how often the background sweeper trims expired entries.
// The sweep is an optimisation only; reads evict lazily.
const sweepPeriod = 10 * time.Minute

// Resolver is the single upstream call the cache wraps.
type Resolver interface {
	ResolveSignedURL(ctx context.Context, cred *credfile.Credential, pickHandle, userAgent string) (*upstream.SignedURL, error)
}

type entry struct {
	url       string
	expiresAt time.Time
}

// Cache maps pick handles to signed URLs with per-handle single-flight.
type Cache struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group
}

// New creates a cache with the given TTL (DefaultTTL if zero or negative).
func New(ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Get returns the signed URL for a pick handle, resolving through the
// upstream on a miss. Unauthenticated errors are never cached — they
// propagate so the caller can invalidate the pool entry.
func (c *Cache) Get(
	ctx context.Context,
	resolver Resolver,
	cred *credfile.Credential,
	pickHandle, userAgent string,
) (string, error) {
	if url, ok := c.fresh(pickHandle); ok {
		return url, nil
	}

	v, err, shared := c.group.Do(pickHandle, func() (any, error) {
		// Another flight may have filled the cache while we queued.
		if url, ok := c.fresh(pickHandle); ok {
			return url, nil
		}

		signed, err := resolver.ResolveSignedURL(ctx, cred, pickHandle, userAgent)
		if err != nil {
			return nil, err
		}

		expires := time.Now().Add(c.ttl)
		if !signed.ExpiresAt.IsZero() && signed.ExpiresAt.Before(expires) {
			expires = signed.ExpiresAt
		}

		c.mu.Lock()
		c.entries[pickHandle] = entry{url: signed.URL, expiresAt: expires}
		c.mu.Unlock()

		c.logger.Debug("cached signed URL",
			slog.String("pick_handle", pickHandle),
			slog.Time("expires_at", expires),
		)

		return signed.URL, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		c.logger.Debug("coalesced signed URL resolution",
			slog.String("pick_handle", pickHandle),
		)
	}

	url, _ := v.(string)

	return url, nil
}

// Forget drops the cached entry for one pick handle.
func (c *Cache) Forget(pickHandle string) {
	c.mu.Lock()
	delete(c.entries, pickHandle)
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped int

	for handle, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, handle)
			dropped++
		}
	}

	return dropped
}

// RunSweeper trims expired entries periodically until ctx is canceled.
// Correctness never depends on it; reads evict lazily.
func (c *Cache) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired redirect entries", slog.Int("count", n))
			}
		}
	}
}

// fresh returns a non-expired cached URL.
func (c *Cache) fresh(pickHandle string) (string, bool) {
	c.mu.RLock()
	e, ok := c.entries[pickHandle]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}

	return e.url, true
}
