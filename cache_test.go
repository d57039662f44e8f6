package pyxm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

func compileWith(cfg Config, counter *atomic.Int32) CompileFunc {
	return func(src Source) (*Template, error) {
		if counter != nil {
			counter.Add(1)
		}
		return compileSource(src, cfg)
	}
}

func TestCacheReusesMatchingFingerprint(t *testing.T) {
	ctx := testContext(t)
	cache := NewCache(CacheConfig{Size: 10})
	resolver := NewMapResolver(map[string]string{"a": "{{ x }}"})
	var compiles atomic.Int32
	compile := compileWith(DefaultConfig(), &compiles)

	first, err := cache.GetOrCompile(ctx, "a", resolver, compile)
	require.NoError(t, err)
	second, err := cache.GetOrCompile(ctx, "a", resolver, compile)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), compiles.Load())
	assert.Equal(t, Fingerprint("{{ x }}"), first.Fingerprint())

	resolver.Set("a", "{{ y }}")
	third, err := cache.GetOrCompile(ctx, "a", resolver, compile)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, "{{ y }}", third.Source())

	stats := cache.Stats()
	assert.Equal(t, CacheStats{Hits: 1, Misses: 2, Compiles: 2, Evictions: 0, Entries: 1}, stats)
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	ctx := testContext(t)
	cache := NewCache(CacheConfig{Size: 10})
	resolver := NewMapResolver(map[string]string{"bad": "{% if %}"})

	_, err := cache.GetOrCompile(ctx, "bad", resolver, compileWith(DefaultConfig(), nil))
	assert.Equal(t, ErrUnexpectedToken, KindOf(err))
	assert.Equal(t, 0, cache.Len())

	_, err = cache.GetOrCompile(ctx, "missing", resolver, compileWith(DefaultConfig(), nil))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCacheSizeEviction(t *testing.T) {
	ctx := testContext(t)
	cache := NewCache(CacheConfig{Size: 2})
	resolver := NewMapResolver(map[string]string{"a": "a", "b": "b", "c": "c"})
	compile := compileWith(DefaultConfig(), nil)

	for _, name := range []string{"a", "b", "c"} {
		_, err := cache.GetOrCompile(ctx, name, resolver, compile)
		require.NoError(t, err)
	}
	_, ok := cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("c")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), cache.Stats().Evictions)

	assert.True(t, cache.Invalidate("c"))
	assert.False(t, cache.Invalidate("c"))
	cache.Purge()
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, uint64(3), cache.Stats().Evictions)
}

func TestCacheTTL(t *testing.T) {
	ctx := testContext(t)
	cache := NewCache(CacheConfig{Size: 10, TTL: 20 * time.Millisecond})
	resolver := NewMapResolver(map[string]string{"a": "a"})
	var compiles atomic.Int32
	compile := compileWith(DefaultConfig(), &compiles)

	_, err := cache.GetOrCompile(ctx, "a", resolver, compile)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		_, ok := cache.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, err = cache.GetOrCompile(ctx, "a", resolver, compile)
	require.NoError(t, err)
	assert.Equal(t, int32(2), compiles.Load())
}

func TestCacheCompilesOnceUnderContention(t *testing.T) {
	cache := NewCache(CacheConfig{Size: 10})
	resolver := NewMapResolver(map[string]string{"a": "{{ x }}"})
	var compiles atomic.Int32
	release := make(chan struct{})
	compile := func(src Source) (*Template, error) {
		compiles.Add(1)
		<-release
		return compileSource(src, DefaultConfig())
	}

	const workers = 16
	var wg sync.WaitGroup
	var started sync.WaitGroup
	results := make([]*Template, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			tmpl, err := cache.GetOrCompile(context.Background(), "a", resolver, compile)
			assert.NoError(t, err)
			results[i] = tmpl
		}(i)
	}
	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), compiles.Load())
	for _, tmpl := range results {
		assert.Same(t, results[0], tmpl)
	}
}

func TestCacheResolverErrorsPassThrough(t *testing.T) {
	boom := errors.New("boom")
	cache := NewCache(CacheConfig{})
	_, err := cache.GetOrCompile(context.Background(), "a", ResolverFunc(func(context.Context, string) (Source, error) {
		return Source{}, boom
	}), compileWith(DefaultConfig(), nil))
	assert.ErrorIs(t, err, boom)
}

func TestChainResolver(t *testing.T) {
	ctx := context.Background()
	first := NewMapResolver(map[string]string{"a": "first a"})
	second := NewMapResolver(map[string]string{"a": "second a", "b": "second b"})
	chain := ChainResolver{first, second}

	src, err := chain.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "first a", src.Text)

	src, err = chain.Resolve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "second b", src.Text)

	_, err = chain.Resolve(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)

	names, err := chain.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	first.Delete("a")
	src, err = chain.Resolve(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "second a", src.Text)
}
