// Package tokencache caches the backend's supported-token registry per client
// identity.
package tokencache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/paygate/internal/metrics"
	"github.com/mattjoyce/paygate/internal/x402"
)

// DefaultTTL is how long a fetched registry is served without refetching.
const DefaultTTL = 5 * time.Minute

// Fetcher retrieves the registry from the backend.
type Fetcher interface {
	Supported(ctx context.Context) (*x402.SupportedResponse, error)
}

type entry struct {
	fetchedAt time.Time
	response  *x402.SupportedResponse
}

// Cache is a lazily expiring registry cache. Concurrent misses for the same
// client identity share a single fetch.
type Cache struct {
	fetcher Fetcher
	logger  *slog.Logger
	metrics *metrics.Metrics
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hits and misses.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates a cache in front of fetcher.
func New(fetcher Fetcher, logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		logger:  logger,
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the registry for clientID, fetching it when the cached copy is
// missing or older than the TTL. Fetch errors are returned and not cached.
func (c *Cache) Get(ctx context.Context, clientID string) (*x402.SupportedResponse, error) {
	if resp, ok := c.lookup(clientID); ok {
		c.metrics.SupportedLookup(true)
		return resp, nil
	}
	c.metrics.SupportedLookup(false)

	// The shared fetch must not die with whichever caller started it; the
	// backend client bounds it with its own timeout.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(clientID, func() (any, error) {
		if resp, ok := c.lookup(clientID); ok {
			return resp, nil
		}
		resp, err := c.fetcher.Supported(fetchCtx)
		if err != nil {
			c.logger.Error("failed to fetch supported tokens", "client_id", clientID, "error", err)
			return nil, err
		}
		c.mu.Lock()
		c.entries[clientID] = entry{fetchedAt: c.now(), response: resp}
		c.mu.Unlock()
		return resp, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*x402.SupportedResponse), nil
	}
}

// Invalidate drops the cached registry for clientID.
func (c *Cache) Invalidate(clientID string) {
	c.mu.Lock()
	delete(c.entries, clientID)
	c.mu.Unlock()
}

func (c *Cache) lookup(clientID string) (*x402.SupportedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[clientID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.fetchedAt) >= c.ttl {
		delete(c.entries, clientID)
		return nil, false
	}
	return e.response, true
}
