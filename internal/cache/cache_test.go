package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static(key string, value any) Entry {
	return Entry{Key: key, Value: value, Variant: "on", Reason: StaticReason}
}

func TestCache_GetRewritesReason(t *testing.T) {
	c, err := New(ModeLRU, 4)
	require.NoError(t, err)

	require.True(t, c.Put(static("a", true)))

	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, true, e.Value)
	assert.Equal(t, "on", e.Variant)
	assert.Equal(t, CachedReason, e.Reason)
	assert.False(t, e.InsertedAt.IsZero())

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestCache_OnlyStaticResultsAreStored(t *testing.T) {
	c, err := New(ModeLRU, 4)
	require.NoError(t, err)

	for _, reason := range []string{"TARGETING_MATCH", "DEFAULT", "SPLIT", "ERROR", CachedReason, ""} {
		assert.False(t, c.Put(Entry{Key: "k", Value: 1, Reason: reason}), reason)
	}
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(ModeLRU, 2)
	require.NoError(t, err)

	c.Put(static("a", 1))
	c.Put(static("b", 2))
	c.Put(static("c", 3))

	assert.Equal(t, []string{"b", "c"}, c.Keys())

	c.Invalidate("b")
	assert.Equal(t, []string{"c"}, c.Keys())
}

func TestCache_InvalidateOnlyNamedKeys(t *testing.T) {
	c, err := New(ModeLRU, 10)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		c.Put(static(k, k))
	}

	c.InvalidateAll([]string{"b", "d", "never-cached"})

	assert.ElementsMatch(t, []string{"a", "c"}, c.Keys())
}

func TestCache_Clear(t *testing.T) {
	c, err := New(ModeLRU, 10)
	require.NoError(t, err)
	c.Put(static("a", 1))
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestCache_Disabled(t *testing.T) {
	c, err := New(ModeDisabled, 0)
	require.NoError(t, err)

	assert.False(t, c.Enabled())
	assert.False(t, c.Put(static("a", 1)))
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.NotPanics(t, func() {
		c.Invalidate("a")
		c.Clear()
	})
	assert.Nil(t, c.Keys())

	var nilCache *Cache
	assert.False(t, nilCache.Enabled())
	_, ok = nilCache.Get("a")
	assert.False(t, ok)
}

func TestCache_InvalidSize(t *testing.T) {
	_, err := New(ModeLRU, 0)
	assert.Error(t, err)
}

func TestMode_UnmarshalText(t *testing.T) {
	var m Mode
	require.NoError(t, m.UnmarshalText([]byte("LRU")))
	assert.Equal(t, ModeLRU, m)
	require.NoError(t, m.UnmarshalText([]byte("disabled")))
	assert.Equal(t, ModeDisabled, m)
	assert.Error(t, m.UnmarshalText([]byte("mem")))
}

func TestCache_ConcurrentReadersAndInvalidation(t *testing.T) {
	c, err := New(ModeLRU, 64)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", i%16)
				if e, ok := c.Get(key); ok {
					// An entry is never observed half-written.
					assert.Equal(t, key, e.Key)
					assert.Equal(t, key, e.Value)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			key := fmt.Sprintf("k%d", i%16)
			c.Put(static(key, key))
			c.Invalidate(fmt.Sprintf("k%d", (i+3)%16))
		}
	}()
	wg.Wait()
}

func TestCache_PutIfGeneration(t *testing.T) {
	c, err := New(ModeLRU, 4)
	require.NoError(t, err)

	g := c.Generation("a")
	c.Invalidate("a")
	assert.False(t, c.PutIfGeneration(static("a", "old"), g), "invalidated while in flight")
	_, ok := c.Get("a")
	assert.False(t, ok)

	g = c.Generation("a")
	c.Invalidate("b")
	assert.True(t, c.PutIfGeneration(static("a", "new"), g), "other keys do not interfere")
	e, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "new", e.Value)

	g = c.Generation("c")
	c.Clear()
	assert.False(t, c.PutIfGeneration(static("c", 1), g), "cleared while in flight")
	assert.Zero(t, c.Len())

	assert.False(t, c.PutIfGeneration(Entry{Key: "d", Reason: "DEFAULT"}, c.Generation("d")))
}

func TestCache_PutIfGenerationDisabled(t *testing.T) {
	c, err := New(ModeDisabled, 0)
	require.NoError(t, err)
	assert.False(t, c.PutIfGeneration(static("a", 1), c.Generation("a")))
}

func TestCache_EntriesAreCopied(t *testing.T) {
	c, err := New(ModeLRU, 4)
	require.NoError(t, err)

	value := map[string]any{"list": []any{"x"}, "nested": map[string]any{"k": "v"}}
	md := map[string]any{"owner": "payments"}
	c.Put(Entry{Key: "obj", Value: value, Reason: StaticReason, Metadata: md})

	value["list"].([]any)[0] = "mutated"
	md["owner"] = "mutated"

	first, ok := c.Get("obj")
	require.True(t, ok)
	first.Value.(map[string]any)["nested"].(map[string]any)["k"] = "mutated"
	first.Metadata["extra"] = true

	second, ok := c.Get("obj")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"list": []any{"x"}, "nested": map[string]any{"k": "v"}}, second.Value)
	assert.Equal(t, map[string]any{"owner": "payments"}, second.Metadata)
}
