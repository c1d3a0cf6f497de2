package store

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/jgirmay/presenced/pkg/services/presence"
)

// ShardIndex returns the shard that owns userID among n shards
func ShardIndex(userID string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(userID) % uint64(n))
}

// ShardAssignment describes the replicas of one shard
type ShardAssignment struct {
	Shard   int    `json:"shard"`
	Primary string `json:"primary"`
	Standby string `json:"standby,omitempty"`
	Records int    `json:"records"`
}

// ShardMap is a point-in-time view of shard placement. Version increases on
// every placement change.
type ShardMap struct {
	Version uint64            `json:"version"`
	Nodes   map[string]bool   `json:"nodes"`
	Shards  []ShardAssignment `json:"shards"`
}

// Lookup returns the assignment of the shard owning userID
func (m ShardMap) Lookup(userID string) (ShardAssignment, bool) {
	if len(m.Shards) == 0 {
		return ShardAssignment{}, false
	}
	return m.Shards[ShardIndex(userID, len(m.Shards))], true
}

// ShardMapSource produces the authoritative shard map
type ShardMapSource interface {
	ShardMap() ShardMap
}

// ShardMapCache is a read-mostly local copy of the shard map, refreshed from
// its source once the copy is older than ttl.
type ShardMapCache struct {
	source ShardMapSource
	ttl    time.Duration
	clock  presence.Clock

	mu        sync.RWMutex
	cached    ShardMap
	fetchedAt time.Time
	valid     bool
}

// NewShardMapCache creates a cache over source
func NewShardMapCache(source ShardMapSource, ttl time.Duration, clock presence.Clock) *ShardMapCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if clock == nil {
		clock = presence.SystemClock{}
	}
	return &ShardMapCache{source: source, ttl: ttl, clock: clock}
}

// Get returns the cached map, refreshing it when stale
func (c *ShardMapCache) Get() ShardMap {
	now := c.clock.Now()

	c.mu.RLock()
	if c.valid && now.Sub(c.fetchedAt) < c.ttl {
		m := c.cached
		c.mu.RUnlock()
		return m
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.valid && now.Sub(c.fetchedAt) < c.ttl {
		return c.cached
	}
	c.cached = c.source.ShardMap()
	c.fetchedAt = now
	c.valid = true
	return c.cached
}

// Lookup returns the cached assignment for userID
func (c *ShardMapCache) Lookup(userID string) (ShardAssignment, bool) {
	return c.Get().Lookup(userID)
}

// Invalidate forces the next Get to refresh
func (c *ShardMapCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}
