package p2p

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Path cache implements RFC 2140 style control block sharing between
// sessions to the same remote peer. A new session toward a peer seen
// recently starts from the dampened RTT and window of the previous one
// instead of the cold defaults.

// PathCacheConfig controls how cached estimates are applied.
type PathCacheConfig struct {
	// RTTDampening scales the cached RTT when applied (0.0-1.0).
	// Default: 0.75
	RTTDampening float64

	// RTTVarDampening scales the cached RTT variance (0.0-1.0).
	// Default: 0.75
	RTTVarDampening float64

	// WindowDampening scales the cached congestion window (0.0-1.0).
	// Default: 0.75
	WindowDampening float64

	// EntryTTL is how long an entry stays valid after its last update.
	// Default: 5 minutes
	EntryTTL time.Duration

	// Enabled turns sharing on or off.
	// Default: true
	Enabled bool
}

// DefaultPathCacheConfig returns the default dampening and TTL.
func DefaultPathCacheConfig() PathCacheConfig {
	return PathCacheConfig{
		RTTDampening:    0.75,
		RTTVarDampening: 0.75,
		WindowDampening: 0.75,
		EntryTTL:        5 * time.Minute,
		Enabled:         true,
	}
}

// PathEstimate is the shared per-peer path state.
type PathEstimate struct {
	SRTT   time.Duration
	RTTVar time.Duration
	Cwnd   uint32
}

type pathEntry struct {
	est         PathEstimate
	lastUpdate  time.Time
	sampleCount int
}

// PathCache holds path estimates keyed by remote peer ID.
// Safe for concurrent use by many sessions.
type PathCache struct {
	config  PathCacheConfig
	clock   TimeProvider
	entries map[string]*pathEntry
	mu      sync.RWMutex
}

// NewPathCache creates an empty cache.
func NewPathCache(config PathCacheConfig) *PathCache {
	return &PathCache{
		config:  config,
		clock:   DefaultTimeProvider{},
		entries: make(map[string]*pathEntry),
	}
}

// Get returns the dampened estimate for remoteID, if a fresh one exists.
func (c *PathCache) Get(remoteID string) (PathEstimate, bool) {
	if c == nil || !c.config.Enabled || remoteID == "" {
		return PathEstimate{}, false
	}

	c.mu.RLock()
	entry, ok := c.entries[remoteID]
	c.mu.RUnlock()
	if !ok {
		return PathEstimate{}, false
	}

	if c.clock.Since(entry.lastUpdate) > c.config.EntryTTL {
		c.mu.Lock()
		delete(c.entries, remoteID)
		c.mu.Unlock()
		return PathEstimate{}, false
	}

	est := PathEstimate{
		SRTT:   time.Duration(float64(entry.est.SRTT) * c.config.RTTDampening),
		RTTVar: time.Duration(float64(entry.est.RTTVar) * c.config.RTTVarDampening),
		Cwnd:   max(uint32(float64(entry.est.Cwnd)*c.config.WindowDampening), MinCwnd),
	}

	log.Debug().
		Str("remote", remoteID).
		Dur("srtt", est.SRTT).
		Dur("rttvar", est.RTTVar).
		Uint32("cwnd", est.Cwnd).
		Msg("path cache hit")
	return est, true
}

// Put records the estimate of a closing session. Entries with no RTT
// sample are ignored. Existing entries are averaged with equal weight.
func (c *PathCache) Put(remoteID string, est PathEstimate) {
	if c == nil || !c.config.Enabled || remoteID == "" || est.SRTT == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	entry, exists := c.entries[remoteID]
	if exists {
		entry.est.SRTT = (entry.est.SRTT + est.SRTT) / 2
		entry.est.RTTVar = (entry.est.RTTVar + est.RTTVar) / 2
		entry.est.Cwnd = (entry.est.Cwnd + est.Cwnd) / 2
		entry.lastUpdate = now
		entry.sampleCount++
	} else {
		c.entries[remoteID] = &pathEntry{est: est, lastUpdate: now, sampleCount: 1}
	}

	log.Debug().
		Str("remote", remoteID).
		Dur("srtt", est.SRTT).
		Uint32("cwnd", est.Cwnd).
		Bool("updated", exists).
		Msg("path cache update")
}

// Size returns the number of entries.
func (c *PathCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CleanupExpired removes stale entries and returns how many were dropped.
func (c *PathCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.clock.Since(entry.lastUpdate) > c.config.EntryTTL {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}
