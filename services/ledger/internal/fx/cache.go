package fx

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type pair struct {
	from string
	to   string
}

type cacheEntry struct {
	rate    decimal.Decimal
	source  string
	asOf    time.Time
	expires time.Time
}

// Cache is a read-through rate cache shared by concurrent resolutions.
// Writes are last-writer-wins; entries past their TTL are treated as misses.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[pair]cacheEntry
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		now:     now,
		entries: make(map[pair]cacheEntry),
	}
}

func (c *Cache) Get(from, to string) (decimal.Decimal, string, time.Time, bool) {
	if c == nil {
		return decimal.Zero, "", time.Time{}, false
	}
	key := pair{from, to}
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, "", time.Time{}, false
	}
	if now.After(entry.expires) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && !now.Before(current.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return decimal.Zero, "", time.Time{}, false
	}
	return entry.rate, entry.source, entry.asOf, true
}

// Set stores rate as observed at asOf. A zero asOf means now. The TTL always
// runs from the write.
func (c *Cache) Set(from, to string, rate decimal.Decimal, source string, asOf time.Time) {
	if c == nil {
		return
	}
	now := c.now()
	if asOf.IsZero() {
		asOf = now
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[pair{from, to}] = cacheEntry{
		rate:    rate,
		source:  source,
		asOf:    asOf,
		expires: now.Add(c.ttl),
	}
}

func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
