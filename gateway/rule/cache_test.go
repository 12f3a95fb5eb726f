package rule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRuleStore struct {
	Store

	rules []*Rule
	err   error
	calls int
}

func (f *fakeRuleStore) ListActive(context.Context, string) ([]*Rule, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func TestCacheServesFromMemory(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{rules: []*Rule{{ID: "r1"}}}
	c := NewCache(store)

	for i := 0; i < 3; i++ {
		rules, err := c.ListActive(context.Background(), "acme")
		require.NoError(t, err)
		require.Len(t, rules, 1)
	}
	assert.Equal(t, 1, store.calls)
}

func TestCacheExpires(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{rules: []*Rule{{ID: "r1"}}}
	c := NewCache(store, WithCacheTTL(time.Minute))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)

	now = now.Add(30 * time.Second)
	_, err = c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls, "fresh entry served from memory")

	now = now.Add(31 * time.Second)
	_, err = c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls, "expired entry reloaded")
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{rules: []*Rule{{ID: "r1"}}}
	c := NewCache(store)

	_, err := c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	c.Invalidate("acme")
	_, err = c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, store.calls)
}

func TestCacheInvalidateAll(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{rules: []*Rule{{ID: "r1"}}}
	c := NewCache(store)

	_, err := c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	_, err = c.ListActive(context.Background(), "globex")
	require.NoError(t, err)
	c.Invalidate("")
	_, err = c.ListActive(context.Background(), "acme")
	require.NoError(t, err)
	_, err = c.ListActive(context.Background(), "globex")
	require.NoError(t, err)
	assert.Equal(t, 4, store.calls)
}

func TestCacheServesStaleOnStoreError(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{rules: []*Rule{{ID: "r1"}}}
	c := NewCache(store, WithCacheTTL(time.Minute))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err := c.ListActive(context.Background(), "acme")
	require.NoError(t, err)

	store.err = errors.New("store down")
	now = now.Add(2 * time.Minute)

	rules, err := c.ListActive(context.Background(), "acme")
	require.NoError(t, err, "stale rules served while store is down")
	require.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].ID)
}

func TestCacheErrorWithoutStale(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{err: errors.New("store down")}
	c := NewCache(store)

	_, err := c.ListActive(context.Background(), "acme")
	require.Error(t, err)
}

func TestCacheWatch(t *testing.T) {
	t.Parallel()

	store := &fakeRuleStore{rules: []*Rule{{ID: "r1"}}}
	c := NewCache(store)

	_, err := c.ListActive(context.Background(), "acme")
	require.NoError(t, err)

	feed := make(chan string)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Watch(ctx, feed)
	}()

	feed <- "acme"
	require.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		_, ok := c.tenants["acme"]
		return !ok
	}, time.Second, 10*time.Millisecond)

	close(feed)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not exit on feed close")
	}
}
