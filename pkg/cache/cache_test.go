package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetReturnsLiveEntry(t *testing.T) {
	t.Parallel()

	c := New[string](0, 0)
	c.Set("k", "v", time.Now().Add(time.Hour))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestGetExpiredEntryIsMiss(t *testing.T) {
	t.Parallel()

	c := New[string](0, 0)
	c.Set("k", "v", time.Now().Add(10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be removed on read")
}

func TestSetRefusesDeadEntry(t *testing.T) {
	t.Parallel()

	c := New[string](0, 0)
	c.Set("k", "v", time.Now().Add(-time.Second))

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	c := New[int](3, 0)
	deadline := time.Now().Add(time.Hour)
	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i, deadline)
		time.Sleep(time.Millisecond)
	}

	c.Set("k3", 3, deadline)

	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry should have been evicted")
	for i := 1; i <= 3; i++ {
		_, ok := c.Get(fmt.Sprintf("k%d", i))
		assert.True(t, ok)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestReplaceDoesNotEvict(t *testing.T) {
	t.Parallel()

	c := New[int](2, 0)
	deadline := time.Now().Add(time.Hour)
	c.Set("a", 1, deadline)
	c.Set("b", 2, deadline)
	c.Set("a", 10, deadline)

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, got)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Zero(t, c.Stats().Evictions)
}

func TestSweepPurgesExpired(t *testing.T) {
	t.Parallel()

	c := New[string](0, 10*time.Millisecond)
	t.Cleanup(c.Close)

	c.Set("short", "v", time.Now().Add(5*time.Millisecond))
	c.Set("long", "v", time.Now().Add(time.Hour))

	require.Eventually(t, func() bool {
		return c.Len() == 1
	}, time.Second, 5*time.Millisecond)

	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestStatsCounters(t *testing.T) {
	t.Parallel()

	c := New[string](5, 0)
	c.Set("k", "v", time.Now().Add(time.Hour))

	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 5, stats.MaxSize)
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := New[string](0, 0)
	c.Set("a", "v", time.Now().Add(time.Hour))
	c.Set("b", "v", time.Now().Add(time.Hour))
	c.Clear()
	assert.Equal(t, 0, c.Len())
}
