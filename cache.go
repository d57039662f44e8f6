package pyxm

import (
	"context"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Compiles  uint64
	Evictions uint64 // entries dropped by size, TTL, Invalidate or Purge
	Entries   int
}

// CompileFunc turns a resolved source into a compiled template.
type CompileFunc func(src Source) (*Template, error)

// Cache holds compiled templates keyed by name and validated by fingerprint.
// Only compiled templates are stored, never rendered output. It is safe for
// concurrent use.
type Cache struct {
	lru   *expirable.LRU[string, *Template]
	group singleflight.Group

	hits      atomic.Uint64
	misses    atomic.Uint64
	compiles  atomic.Uint64
	evictions atomic.Uint64
}

// NewCache creates a cache from cfg. A size of zero or less means unbounded.
func NewCache(cfg CacheConfig) *Cache {
	c := &Cache{}
	size := cfg.Size
	if size < 0 {
		size = 0
	}
	c.lru = expirable.NewLRU[string, *Template](size, func(string, *Template) {
		c.evictions.Add(1)
	}, cfg.TTL)
	return c
}

// GetOrCompile returns the compiled template for name. The source is always
// resolved; a cached entry is reused only when its fingerprint matches.
// Concurrent compiles of the same name and fingerprint run once.
func (c *Cache) GetOrCompile(ctx context.Context, name string, resolver Resolver, compile CompileFunc) (*Template, error) {
	logger := zerolog.Ctx(ctx)

	src, err := resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	if src.Name == "" {
		src.Name = name
	}
	if src.Fingerprint == "" {
		src.Fingerprint = Fingerprint(src.Text)
	}

	if tmpl, ok := c.lru.Get(name); ok && tmpl.identity.Fingerprint == src.Fingerprint {
		c.hits.Add(1)
		logger.Debug().Str("template", name).Str("fingerprint", src.Fingerprint).Msg("template cache hit")
		return tmpl, nil
	}
	c.misses.Add(1)
	logger.Debug().Str("template", name).Str("fingerprint", src.Fingerprint).Msg("template cache miss")

	v, err, _ := c.group.Do(name+"\x00"+src.Fingerprint, func() (any, error) {
		// A flight that finished between the lookup above and this one
		// already stored the template.
		if tmpl, ok := c.lru.Peek(name); ok && tmpl.identity.Fingerprint == src.Fingerprint {
			return tmpl, nil
		}
		tmpl, err := compile(src)
		if err != nil {
			return nil, err
		}
		c.compiles.Add(1)
		c.lru.Add(name, tmpl)
		logger.Debug().Str("template", name).Str("fingerprint", src.Fingerprint).Msg("template compiled")
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Template), nil
}

// Get returns the cached template for name without resolving it.
func (c *Cache) Get(name string) (*Template, bool) {
	return c.lru.Peek(name)
}

// Invalidate drops the entry for name.
func (c *Cache) Invalidate(name string) bool {
	return c.lru.Remove(name)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached templates.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Compiles:  c.compiles.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.lru.Len(),
	}
}
