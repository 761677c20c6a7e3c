package exchange

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// defaultDedupCapacity bounds the duplicate detector. Entries expire
// after the exchange lifetime anyway; the capacity is a memory
// backstop against MID-flooding peers.
const defaultDedupCapacity = 1 << 16

// Deduplicator remembers the exchanges of recently received requests by
// KeyMID, so a retransmitted CON can be answered from the cached
// response instead of being delivered again. Entries expire after the
// exchange lifetime.
type Deduplicator struct {
	cache *expirable.LRU[KeyMID, *Exchange]
}

// NewDeduplicator creates a detector whose entries expire after
// lifetime.
func NewDeduplicator(lifetime time.Duration) *Deduplicator {
	return &Deduplicator{
		cache: expirable.NewLRU[KeyMID, *Exchange](defaultDedupCapacity, nil, lifetime),
	}
}

// FindPrevious registers the exchange under the key and returns the
// previously registered exchange if the key was already seen. A nil
// return means this is the first occurrence.
func (d *Deduplicator) FindPrevious(key KeyMID, ex *Exchange) *Exchange {
	if prev, ok := d.cache.Get(key); ok {
		return prev
	}
	d.cache.Add(key, ex)
	return nil
}

// Find returns the exchange registered under the key, or nil.
func (d *Deduplicator) Find(key KeyMID) *Exchange {
	ex, _ := d.cache.Get(key)
	return ex
}

// Clear drops all remembered keys.
func (d *Deduplicator) Clear() {
	d.cache.Purge()
}
