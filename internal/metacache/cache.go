// Package metacache holds channel metadata shared by every account.
package metacache

import (
	"sort"
	"sync"
	"time"

	"unlockbot/internal/transport"
)

const (
	DefaultTTL        = 5 * time.Minute
	defaultMaxEntries = 4096
)

type entry struct {
	meta    transport.Metadata
	expires time.Time
}

// Cache maps channel id to its last fetched metadata. Entries expire TTL after
// their last write; a read after expiry is a miss. Writers race freely and the
// last write wins.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithMaxEntries bounds the map; Sweep drops the earliest-expiring entries past n.
func WithMaxEntries(n int) Option { return func(c *Cache) { c.max = n } }

func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: map[string]entry{},
		ttl:     ttl,
		max:     defaultMaxEntries,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(channelID string) (transport.Metadata, bool) {
	c.mu.RLock()
	e, ok := c.entries[channelID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(e.expires) {
		return transport.Metadata{}, false
	}
	return e.meta, true
}

// Set replaces the entry and restarts its TTL.
func (c *Cache) Set(channelID string, meta transport.Metadata) {
	if channelID == "" {
		return
	}
	c.mu.Lock()
	c.entries[channelID] = entry{meta: meta, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) Delete(channelID string) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
}

// Lookup adapts the cache to the transport's read-through hook.
func (c *Cache) Lookup() transport.MetadataLookup { return c.Get }

// Sweep removes expired entries, then trims to the size bound. It returns the
// number of entries removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	if c.max <= 0 || len(c.entries) <= c.max {
		return removed
	}

	type kv struct {
		k string
		e time.Time
	}
	items := make([]kv, 0, len(c.entries))
	for k, e := range c.entries {
		items = append(items, kv{k: k, e: e.expires})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].e.Before(items[j].e) })
	for _, it := range items[:len(items)-c.max] {
		delete(c.entries, it.k)
		removed++
	}
	return removed
}

// Len counts stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
