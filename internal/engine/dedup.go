// dedup.go holds the coordinator's duplicate-suppression state. Two caches
// with different lifetimes cover the two ways a trade can repeat:
//
//   - byTxHash (60 min): the same venue record seen again, e.g. on the next
//     poll tick while the trade is still inside the recency window.
//
//   - byCompound (5 min): the same underlying trade reported by both
//     detection sources under different hashes. The compound key buckets
//     (wallet, market, outcome, side) into 5-minute windows.
//
// Both caches are age-evicted so they never grow without bound.
package engine

import (
	"sync"
	"time"
)

// dedupCache is a TTL map of keys to insertion times.
type dedupCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, m: make(map[string]time.Time)}
}

// Has reports whether key is present and not expired.
func (c *dedupCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.m[key]
	if !ok {
		return false
	}
	if time.Since(ts) > c.ttl {
		delete(c.m, key)
		return false
	}
	return true
}

// Add records key at the current time.
func (c *dedupCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = time.Now()
}

// Sweep drops every expired entry and returns how many were removed.
func (c *dedupCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, ts := range c.m {
		if time.Since(ts) > c.ttl {
			delete(c.m, k)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *dedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// inFlightSet tracks the keys of trades currently inside the pipeline so
// concurrent duplicates cannot both pass admission.
type inFlightSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func newInFlightSet() *inFlightSet {
	return &inFlightSet{m: make(map[string]struct{})}
}

// TryAdd atomically checks that none of the keys are present and inserts
// all of them. Returns false (inserting nothing) if any key is in flight.
func (s *inFlightSet) TryAdd(keys ...string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.m[k]; ok {
			return false
		}
	}
	for _, k := range keys {
		s.m[k] = struct{}{}
	}
	return true
}

// Remove deletes the given keys.
func (s *inFlightSet) Remove(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.m, k)
	}
}

// Has reports whether key is in flight.
func (s *inFlightSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[key]
	return ok
}

// Len returns the number of in-flight keys.
func (s *inFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
