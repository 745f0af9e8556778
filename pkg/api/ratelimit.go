package api

import (
	"sort"
	"sync"
	"time"
)

// Rate limiter sizing. When the key map is full, the oldest tenth is evicted.
const (
	rateLimiterMaxKeys  = 10000
	rateLimiterEvictPct = 10
)

// rateLimiter is a sliding-window per-key limiter. Memory is bounded by an
// LRU cap on the key map.
type rateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*rateEntry
}

type rateEntry struct {
	hits     []time.Time
	lastSeen time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		entries: make(map[string]*rateEntry),
	}
}

// Allow reports whether a request for key fits in the current window and
// records it if so.
func (r *rateLimiter) Allow(key string) bool {
	if r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= rateLimiterMaxKeys {
			r.evictLocked()
		}
		e = &rateEntry{}
		r.entries[key] = e
	}
	e.lastSeen = now

	cutoff := now.Add(-r.window)
	kept := e.hits[:0]
	for _, t := range e.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.hits = kept

	if len(e.hits) >= r.limit {
		return false
	}
	e.hits = append(e.hits, now)
	return true
}

// evictLocked drops the least-recently-seen tenth of the key map.
func (r *rateLimiter) evictLocked() {
	type aged struct {
		key  string
		seen time.Time
	}
	all := make([]aged, 0, len(r.entries))
	for k, e := range r.entries {
		all = append(all, aged{k, e.lastSeen})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seen.Before(all[j].seen) })

	n := len(all) * rateLimiterEvictPct / 100
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(r.entries, a.key)
	}
}

func (r *rateLimiter) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
