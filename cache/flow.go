// Package cache provides a short-TTL local cache in front of the
// Flow registry's read-mostly queries.
package cache

import (
	"sync"
	"time"
)

// CacheOption configures a FlowCache.
type CacheOption func(*cacheConfig)

type cacheConfig struct {
	ttl     time.Duration
	maxKeys int
}

// WithTTL sets how long a cached entry stays fresh before the next
// GetLimit/PrevAllowed call triggers a refresh from the source.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) { c.ttl = ttl }
}

// WithMaxKeys caps the number of flows held in the cache at once,
// evicting the oldest entry when the cap is exceeded.
func WithMaxKeys(maxKeys int) CacheOption {
	return func(c *cacheConfig) { c.maxKeys = maxKeys }
}

// FlowSource is anything that can answer the two read-mostly flow
// queries. *flowlimit.Registry satisfies it directly. The Redis-backed
// Flow in store/redis does not: its GetLimit and PrevAllowed take a
// context and belong to a single flow handle instead of taking a name.
type FlowSource interface {
	GetLimit(name string) (int64, error)
	PrevAllowed(name string) (int64, error)
}

// FlowCache wraps a FlowSource with a short-lived local cache for
// GetLimit and PrevAllowed. Take is deliberately not cached here:
// admission decisions must stay exact, but an observability read
// that's a few hundred milliseconds stale is harmless.
type FlowCache struct {
	source FlowSource
	config cacheConfig

	mu      sync.Mutex
	entries map[string]*flowCacheEntry
	closeCh chan struct{}
	closed  bool
}

type flowCacheEntry struct {
	limit       int64
	prevAllowed int64
	fetchedAt   time.Time
}

// NewFlowCache wraps source with a local cache. Accepts the WithTTL and
// WithMaxKeys options.
func NewFlowCache(source FlowSource, opts ...CacheOption) *FlowCache {
	cfg := cacheConfig{
		ttl:     100 * time.Millisecond,
		maxKeys: 100000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	fc := &FlowCache{
		source:  source,
		config:  cfg,
		entries: make(map[string]*flowCacheEntry),
		closeCh: make(chan struct{}),
	}
	go fc.evictionLoop()
	return fc
}

// GetLimit returns the flow's limit, served from cache when fresh.
func (fc *FlowCache) GetLimit(name string) (int64, error) {
	if e, ok := fc.fresh(name); ok {
		return e.limit, nil
	}
	return fc.refresh(name, func(e *flowCacheEntry) int64 { return e.limit })
}

// PrevAllowed returns the flow's previous-interval admitted count,
// served from cache when fresh.
func (fc *FlowCache) PrevAllowed(name string) (int64, error) {
	if e, ok := fc.fresh(name); ok {
		return e.prevAllowed, nil
	}
	return fc.refresh(name, func(e *flowCacheEntry) int64 { return e.prevAllowed })
}

// Close stops the background eviction goroutine.
func (fc *FlowCache) Close() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.closed {
		fc.closed = true
		close(fc.closeCh)
	}
}

func (fc *FlowCache) fresh(name string) (*flowCacheEntry, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	e, ok := fc.entries[name]
	if !ok || time.Since(e.fetchedAt) >= fc.config.ttl {
		return nil, false
	}
	return e, true
}

func (fc *FlowCache) refresh(name string, pick func(*flowCacheEntry) int64) (int64, error) {
	limit, err := fc.source.GetLimit(name)
	if err != nil {
		return 0, err
	}
	prevAllowed, err := fc.source.PrevAllowed(name)
	if err != nil {
		return 0, err
	}

	e := &flowCacheEntry{limit: limit, prevAllowed: prevAllowed, fetchedAt: time.Now()}

	fc.mu.Lock()
	fc.entries[name] = e
	if len(fc.entries) > fc.config.maxKeys {
		fc.evictOldestLocked()
	}
	fc.mu.Unlock()

	return pick(e), nil
}

func (fc *FlowCache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range fc.entries {
		if oldestKey == "" || e.fetchedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.fetchedAt
		}
	}
	if oldestKey != "" {
		delete(fc.entries, oldestKey)
	}
}

func (fc *FlowCache) evictionLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fc.mu.Lock()
			for k, e := range fc.entries {
				if time.Since(e.fetchedAt) >= fc.config.ttl {
					delete(fc.entries, k)
				}
			}
			fc.mu.Unlock()
		case <-fc.closeCh:
			return
		}
	}
}
