// Package cache holds resolved flag values that are safe to reuse regardless
// of the evaluation context.
package cache

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Mode selects whether resolutions are cached.
type Mode string

const (
	ModeLRU      Mode = "lru"
	ModeDisabled Mode = "disabled"
)

// UnmarshalText accepts the mode names case-insensitively.
func (m *Mode) UnmarshalText(text []byte) error {
	switch Mode(strings.ToLower(strings.TrimSpace(string(text)))) {
	case ModeLRU, "":
		*m = ModeLRU
	case ModeDisabled:
		*m = ModeDisabled
	default:
		return fmt.Errorf("unknown cache mode %q", string(text))
	}
	return nil
}

const (
	// StaticReason marks a result that does not depend on the evaluation context.
	StaticReason = "STATIC"
	// CachedReason replaces the reason of every result served from the cache.
	CachedReason = "CACHED"
)

// Entry is one cached resolution.
type Entry struct {
	Key        string
	Value      any
	Variant    string
	Reason     string
	Metadata   map[string]any
	InsertedAt time.Time
}

// Cache is a bounded LRU of static resolutions. The zero value and a cache
// created in ModeDisabled ignore every operation.
type Cache struct {
	lru *lru.Cache[string, Entry]

	// mu orders stores against invalidations.
	mu    sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

// Generation identifies the invalidation state of one key. A resolution
// started under a generation may only be stored while it is still current.
type Generation struct {
	epoch uint64
	key   uint64
}

// New builds a cache of the given capacity. Capacity must be positive when
// the mode is ModeLRU.
func New(mode Mode, size int) (*Cache, error) {
	if mode != ModeLRU {
		return &Cache{}, nil
	}
	l, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution cache: %w", err)
	}
	return &Cache{lru: l, gens: make(map[string]uint64)}, nil
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c != nil && c.lru != nil
}

// Get returns a copy of the cached entry for key with its reason rewritten
// to CACHED.
func (c *Cache) Get(key string) (Entry, bool) {
	if !c.Enabled() {
		return Entry{}, false
	}
	e, ok := c.lru.Get(key)
	if !ok {
		return Entry{}, false
	}
	e.Reason = CachedReason
	return e.clone(), true
}

// Put stores e under its key if, and only if, its reason is STATIC. It reports
// whether the entry was stored.
func (c *Cache) Put(e Entry) bool {
	if !c.Enabled() || e.Reason != StaticReason {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(e)
	return true
}

// Generation returns the current generation of key. Read it before fetching
// the value that will be passed to PutIfGeneration.
func (c *Cache) Generation(key string) Generation {
	if !c.Enabled() {
		return Generation{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Generation{epoch: c.epoch, key: c.gens[key]}
}

// PutIfGeneration behaves like Put but drops e when its key was invalidated,
// or the cache cleared, after g was read.
func (c *Cache) PutIfGeneration(e Entry, g Generation) bool {
	if !c.Enabled() || e.Reason != StaticReason {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g != (Generation{epoch: c.epoch, key: c.gens[e.Key]}) {
		return false
	}
	c.store(e)
	return true
}

func (c *Cache) store(e Entry) {
	if e.InsertedAt.IsZero() {
		e.InsertedAt = time.Now()
	}
	c.lru.Add(e.Key, e.clone())
}

// Invalidate drops key if present.
func (c *Cache) Invalidate(key string) {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[key]++
	c.lru.Remove(key)
}

// InvalidateAll drops every key in keys.
func (c *Cache) InvalidateAll(keys []string) {
	for _, k := range keys {
		c.Invalidate(k)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	if !c.Enabled() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	clear(c.gens)
	c.lru.Purge()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.lru.Len()
}

// Keys returns the cached keys from least to most recently used.
func (c *Cache) Keys() []string {
	if !c.Enabled() {
		return nil
	}
	return c.lru.Keys()
}

func (e Entry) clone() Entry {
	e.Value = cloneValue(e.Value)
	e.Metadata = cloneMap(e.Metadata)
	return e
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return v
	}
}
