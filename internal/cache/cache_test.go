// SPDX-License-Identifier: MIT

package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktok-toe/governor/internal/sched"
)

func newLRU(t *testing.T, maxSize int64) (*Cache[string], *sched.ManualClock) {
	t.Helper()
	clock := sched.NewManualClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	c := New[string](Config{
		Name:           t.Name(),
		MaxSizeBytes:   maxSize,
		EvictionPolicy: PolicyLRU,
		Clock:          clock,
	})
	return c, clock
}

func TestCache_RoundTrip(t *testing.T) {
	c, _ := newLRU(t, 100)

	require.True(t, c.Set("a", "alpha", 10))
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	_, ok = c.Get("nope")
	assert.False(t, ok)
}

func TestCache_LRUScenario(t *testing.T) {
	// maxSize 2, equally sized entries: set(a), set(b), get(a), set(c)
	// must evict b and keep a and c.
	c, clock := newLRU(t, 2)

	require.True(t, c.Set("a", "A", 1))
	clock.Advance(time.Second)
	require.True(t, c.Set("b", "B", 1))
	clock.Advance(time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)
	clock.Advance(time.Second)
	require.True(t, c.Set("c", "C", 1))

	_, ok = c.Get("b")
	assert.False(t, ok, "b must be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_SizeInvariant(t *testing.T) {
	c, clock := newLRU(t, 50)

	for i := 0; i < 100; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", int64(i%20)+1)
		clock.Advance(time.Millisecond)
		assert.LessOrEqual(t, c.Size(), int64(50), "size invariant violated after set %d", i)
	}
}

func TestCache_OversizedEntryRejected(t *testing.T) {
	c, _ := newLRU(t, 10)
	require.True(t, c.Set("small", "v", 5))

	assert.False(t, c.Set("big", "v", 11), "entry larger than capacity must be refused")

	// Nothing partially stored and existing entries untouched.
	_, ok := c.Get("big")
	assert.False(t, ok)
	_, ok = c.Get("small")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.Stats().Rejected)
}

func TestCache_LFUEviction(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	c := New[int](Config{Name: t.Name(), MaxSizeBytes: 2, EvictionPolicy: PolicyLFU, Clock: clock})

	c.Set("hot", 1, 1)
	c.Set("cold", 2, 1)
	for i := 0; i < 5; i++ {
		c.Get("hot")
	}

	c.Set("new", 3, 1)
	_, ok := c.Get("cold")
	assert.False(t, ok, "least frequently used entry evicted")
	_, ok = c.Get("hot")
	assert.True(t, ok)
}

func TestCache_FIFOEviction(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	c := New[int](Config{Name: t.Name(), MaxSizeBytes: 2, EvictionPolicy: PolicyFIFO, Clock: clock})

	c.Set("first", 1, 1)
	clock.Advance(time.Second)
	c.Set("second", 2, 1)
	// Accessing first must not save it under FIFO.
	c.Get("first")
	clock.Advance(time.Second)
	c.Set("third", 3, 1)

	_, ok := c.Get("first")
	assert.False(t, ok, "oldest insert evicted regardless of access")
	_, ok = c.Get("second")
	assert.True(t, ok)
}

func TestCache_TieBreakByInsertionOrder(t *testing.T) {
	// Same lastAccessed timestamps: the earlier insert loses.
	c, _ := newLRU(t, 2)
	c.Set("x", "X", 1)
	c.Set("y", "Y", 1)
	c.Set("z", "Z", 1)

	_, ok := c.Get("x")
	assert.False(t, ok)
	_, ok = c.Get("y")
	assert.True(t, ok)
	_, ok = c.Get("z")
	assert.True(t, ok)
}

func TestCache_MaxAgeExpiry(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	c := New[string](Config{Name: t.Name(), MaxSizeBytes: 100, MaxAge: time.Minute, Clock: clock})

	c.Set("k", "v", 1)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry is a miss")
	assert.Equal(t, 0, c.Len(), "expired entry deleted lazily")
}

func TestCache_ClearExpired(t *testing.T) {
	clock := sched.NewManualClock(time.Now())
	c := New[string](Config{Name: t.Name(), MaxSizeBytes: 100, MaxAge: time.Minute, Clock: clock})

	c.Set("old", "v", 1)
	clock.Advance(2 * time.Minute)
	c.Set("fresh", "v", 1)

	assert.Equal(t, 1, c.ClearExpired())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestCache_ClearLowPriority(t *testing.T) {
	c, _ := newLRU(t, 100)

	c.Set("cold1", "v", 1)
	c.Set("cold2", "v", 1)
	c.Set("warm", "v", 1)
	c.Set("hot", "v", 1)
	c.Get("warm")
	for i := 0; i < 10; i++ {
		c.Get("hot")
	}

	removed := c.ClearLowPriority(0.5)
	assert.Equal(t, 2, removed, "entries below the median access count removed")
	_, ok := c.Get("hot")
	assert.True(t, ok)
	_, ok = c.Get("warm")
	assert.True(t, ok)
}

func TestCache_Resize(t *testing.T) {
	c, clock := newLRU(t, 100)
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v", 10)
		clock.Advance(time.Second)
	}
	require.Equal(t, int64(100), c.Size())

	c.Resize(30)
	assert.LessOrEqual(t, c.Size(), int64(30))
	assert.Equal(t, int64(30), c.MaxSize())

	// Most recently touched entries survive.
	_, ok := c.Get("k9")
	assert.True(t, ok)
	_, ok = c.Get("k0")
	assert.False(t, ok)
}

func TestCache_SetReplacesExisting(t *testing.T) {
	c, _ := newLRU(t, 10)
	c.Set("k", "v1", 4)
	c.Set("k", "v2", 6)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int64(6), c.Size(), "replaced entry size fully accounted")
}

func TestCache_Clear(t *testing.T) {
	c, _ := newLRU(t, 10)
	c.Set("a", "v", 1)
	c.Set("b", "v", 1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Size())
}
