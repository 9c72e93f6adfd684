// Package modelcache holds fitted models between requests. Entries are keyed
// by the exact inputs that shaped the fit, so a key match is always a valid
// hit; anything else requires explicit invalidation by the caller that knows
// its data changed.
package modelcache

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Key identifies one fitted model: the symbol universe, the observation
// window, and the data as-of date.
type Key struct {
	Symbols []string
	Window  int
	AsOf    time.Time
}

// String renders the canonical cache key. Symbol order is normalized and the
// as-of date is truncated to the day.
func (k Key) String() string {
	symbols := append([]string(nil), k.Symbols...)
	sort.Strings(symbols)
	var b strings.Builder
	b.WriteString(strings.Join(symbols, ","))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.Window))
	b.WriteByte('|')
	b.WriteString(k.AsOf.UTC().Format("2006-01-02"))
	return b.String()
}

type entry struct {
	value    any
	storedAt time.Time
}

// Cache is a concurrency-safe fitted-model store.
type Cache struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// New creates an empty cache.
func New(logger *zap.Logger) *Cache {
	return &Cache{logger: logger, entries: make(map[string]entry)}
}

// Get returns the cached model for the key, if any.
func (c *Cache) Get(k Key) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[k.String()]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Put stores a fitted model under the key, replacing any previous entry.
func (c *Cache) Put(k Key, model any) {
	c.mu.Lock()
	c.entries[k.String()] = entry{value: model, storedAt: time.Now()}
	c.mu.Unlock()
	c.logger.Debug("model cached", zap.String("key", k.String()))
}

// Invalidate removes the entry for the key. Removing a missing key is a no-op.
func (c *Cache) Invalidate(k Key) {
	c.mu.Lock()
	delete(c.entries, k.String())
	c.mu.Unlock()
}

// InvalidateSymbol removes every entry whose universe contains the symbol.
func (c *Cache) InvalidateSymbol(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		universe := strings.Split(key, "|")[0]
		for _, s := range strings.Split(universe, ",") {
			if s == symbol {
				delete(c.entries, key)
				removed++
				break
			}
		}
	}
	if removed > 0 {
		c.logger.Debug("cache entries invalidated",
			zap.String("symbol", symbol),
			zap.Int("removed", removed),
		)
	}
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len returns the number of cached models.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
