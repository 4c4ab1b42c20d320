package ctxvmm

import (
	"sync"

	"github.com/dfirkit/wintrace/pkg/model"
)

// CacheKey identifies one cached artifact: a process (or the kernel's
// PID 4) plus an optional secondary address (a module base for an
// EATMap/IATMap) plus a Kind discriminator ("modules", "eat", "iat",
// "handles", "heap", "threads", "unloaded").
type CacheKey struct {
	PID  model.PID
	Addr model.VA
	Kind string
}

type cacheEntry struct {
	mu    sync.Mutex // serializes (re)build of this one key
	epoch uint64
	value any // *model.Snapshot[T] for whatever T this key holds
}

type cache struct {
	mu      sync.Mutex
	entries map[CacheKey]*cacheEntry
}

func newCache() cache {
	return cache{entries: make(map[CacheKey]*cacheEntry)}
}

func (c *Context) entryFor(key CacheKey) *cacheEntry {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	e, ok := c.cache.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.cache.entries[key] = e
	}
	return e
}

// GetOrBuild serializes builds per key (spec.md §5): lock the key's own
// lock (one lock per key, not a global lock), return the snapshot if it
// is present and of the current epoch, otherwise build, publish, unlock.
// build returns the constructed value and its owned string pool; on
// error nothing is cached and the previous (possibly stale) snapshot,
// if any, is returned unchanged to the *other* callers already holding
// it — this call simply reports the error.
func GetOrBuild[T any](c *Context, key CacheKey, build func() (T, *model.StringPool, error)) (*model.Snapshot[T], error) {
	entry := c.entryFor(key)
	epoch := c.Epoch()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.value != nil && entry.epoch == epoch {
		return entry.value.(*model.Snapshot[T]), nil
	}

	value, pool, err := build()
	if err != nil {
		return nil, err
	}

	snap := model.NewSnapshot(epoch, value, pool)
	entry.value = snap
	entry.epoch = epoch
	return snap, nil
}

// Invalidate drops one cached entry immediately, without waiting for
// the next epoch (used when a component learns its own data is wrong,
// e.g. a DTB collision).
func (c *Context) Invalidate(key CacheKey) {
	c.cache.mu.Lock()
	defer c.cache.mu.Unlock()
	delete(c.cache.entries, key)
}
