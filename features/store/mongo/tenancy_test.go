package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupStoreShadowing(t *testing.T) {
	ctx := context.Background()
	s := newLookupStore(newFakeCollection(), time.Second)

	require.NoError(t, s.Upsert(ctx, "100", "", "carrier", "UPS", "ups-standard"))
	require.NoError(t, s.Upsert(ctx, "100", "store-7", "carrier", "UPS", "ups-express"))

	// The org-unit row shadows the tenant-wide one.
	target, found, err := s.Lookup(ctx, "100", "store-7", "carrier", "UPS")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ups-express", target)

	// Other org units fall back to the tenant-wide row.
	target, found, err = s.Lookup(ctx, "100", "store-9", "carrier", "UPS")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ups-standard", target)

	// No row anywhere.
	_, found, err = s.Lookup(ctx, "100", "store-9", "carrier", "DHL")
	require.NoError(t, err)
	assert.False(t, found)

	// Lookups never cross tenants.
	_, found, err = s.Lookup(ctx, "200", "", "carrier", "UPS")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLookupStoreUpsertReplaces(t *testing.T) {
	ctx := context.Background()
	s := newLookupStore(newFakeCollection(), time.Second)

	require.NoError(t, s.Upsert(ctx, "100", "", "carrier", "UPS", "old"))
	require.NoError(t, s.Upsert(ctx, "100", "", "carrier", "UPS", "new"))

	target, found, err := s.Lookup(ctx, "100", "", "carrier", "UPS")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", target)
}

func TestOrgDirectoryIsDescendant(t *testing.T) {
	ctx := context.Background()
	s := newOrgDirectory(newFakeCollection(), time.Second)

	require.NoError(t, s.Upsert(ctx, "100", "root", "", "Head Office", true))
	require.NoError(t, s.Upsert(ctx, "100", "region-1", "root", "Region 1", true))
	require.NoError(t, s.Upsert(ctx, "100", "store-7", "region-1", "Store 7", true))

	ok, err := s.IsDescendant(ctx, "100", "root", "store-7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IsDescendant(ctx, "100", "region-1", "store-7")
	require.NoError(t, err)
	assert.True(t, ok)

	// A unit is its own descendant.
	ok, err = s.IsDescendant(ctx, "100", "store-7", "store-7")
	require.NoError(t, err)
	assert.True(t, ok)

	// Ancestry does not run downwards.
	ok, err = s.IsDescendant(ctx, "100", "store-7", "root")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown units are simply not descendants.
	ok, err = s.IsDescendant(ctx, "100", "root", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrgDirectoryCycleErrors(t *testing.T) {
	ctx := context.Background()
	s := newOrgDirectory(newFakeCollection(), time.Second)

	require.NoError(t, s.Upsert(ctx, "100", "a", "b", "A", true))
	require.NoError(t, s.Upsert(ctx, "100", "b", "a", "B", true))

	_, err := s.IsDescendant(ctx, "100", "root", "a")
	assert.Error(t, err)
}

func TestUsageStoreAccumulates(t *testing.T) {
	ctx := context.Background()
	s := newUsageStore(newFakeCollection(), time.Second)

	window := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordUsage(ctx, "100", "r1", window, 2))
	require.NoError(t, s.RecordUsage(ctx, "100", "r1", window, 3))

	n, err := s.Window(ctx, "r1", window)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	// Separate windows do not bleed into each other.
	n, err = s.Window(ctx, "r1", window.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUIConfigStore(t *testing.T) {
	ctx := context.Background()
	s := newUIConfigStore(newFakeCollection(), time.Second)

	_, ok, err := s.Get(ctx, "100")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "100", map[string]any{"theme": "dark", "pageSize": 25}))
	settings, ok, err := s.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", settings["theme"])

	require.NoError(t, s.Put(ctx, "100", map[string]any{"theme": "light"}))
	settings, ok, err = s.Get(ctx, "100")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "light", settings["theme"])
}
