package rule

import (
	"context"
	"sync"
	"time"

	"goa.design/clue/log"
)

type (
	// Cache is the per-tenant rule cache sitting between the resolver and
	// the store. Entries expire after a TTL and are invalidated eagerly by
	// change notifications from the operator API.
	Cache struct {
		store Store
		ttl   time.Duration
		now   func() time.Time

		mu      sync.RWMutex
		tenants map[string]*cachedRules
	}

	cachedRules struct {
		rules    []*Rule
		loadedAt time.Time
	}

	// CacheOption configures a Cache.
	CacheOption func(*Cache)
)

// DefaultCacheTTL bounds staleness when change notifications are lost.
const DefaultCacheTTL = 30 * time.Second

// WithCacheTTL overrides the cache TTL.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewCache returns a cache backed by store.
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:   store,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		tenants: make(map[string]*cachedRules),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListActive returns the tenant's active rules, loading through the store on
// miss or expiry. Implements Source.
func (c *Cache) ListActive(ctx context.Context, tenant string) ([]*Rule, error) {
	c.mu.RLock()
	entry, ok := c.tenants[tenant]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.loadedAt) < c.ttl {
		return entry.rules, nil
	}

	rules, err := c.store.ListActive(ctx, tenant)
	if err != nil {
		// Serve stale rules over failing the event when the store blips.
		if ok {
			log.Error(ctx, err, log.KV{K: "tenant", V: tenant}, log.KV{K: "msg", V: "rule cache refresh failed, serving stale"})
			return entry.rules, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.tenants[tenant] = &cachedRules{rules: rules, loadedAt: c.now()}
	c.mu.Unlock()
	return rules, nil
}

// Invalidate drops the cached rules for a tenant. An empty tenant drops
// everything.
func (c *Cache) Invalidate(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tenant == "" {
		c.tenants = make(map[string]*cachedRules)
		return
	}
	delete(c.tenants, tenant)
}

// Watch consumes invalidation hints (tenant IDs, or empty for all) until the
// context ends or the feed closes. Run it in its own goroutine.
func (c *Cache) Watch(ctx context.Context, feed <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case tenant, ok := <-feed:
			if !ok {
				return
			}
			c.Invalidate(tenant)
			log.Debug(ctx, log.KV{K: "msg", V: "rule cache invalidated"}, log.KV{K: "tenant", V: tenant})
		}
	}
}
