package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/aegisproxy/aegis/internal/decision"
)

// Cache defaults.
const (
	DefaultCacheSize = 1000
	DefaultCacheTTL  = 5 * time.Minute
)

// Cache is the bounded LRU decision cache. Keys pair a fingerprint of the
// applicable policy set with the context fingerprint (hour granularity),
// so identical requests within the same clock hour share a decision and
// issue at most one LLM call.
type Cache struct {
	lru     *expirable.LRU[string, decision.Decision]
	enabled bool
	logger  *slog.Logger
}

// NewCache creates a cache with the given capacity and TTL. Zero values
// select the defaults. enabled=false yields a cache that never hits.
func NewCache(size int, ttl time.Duration, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		lru:     expirable.NewLRU[string, decision.Decision](size, nil, ttl),
		enabled: enabled,
		logger:  logger.With("component", "policy.Cache"),
	}
}

// Key derives the cache key for a policy set and context. The policy half
// hashes the body fingerprints in evaluation order so any catalog change
// invalidates naturally.
func Key(policies []Policy, dctx *decision.Context) string {
	h := sha256.New()
	for _, p := range policies {
		h.Write([]byte(p.BodyHash()))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil)) + ":" + dctx.Fingerprint()
}

// Get returns the cached decision for key, if present and unexpired.
func (c *Cache) Get(key string) (decision.Decision, bool) {
	if !c.enabled {
		return decision.Decision{}, false
	}
	d, ok := c.lru.Get(key)
	if ok {
		c.logger.Debug("decision cache hit", "key", key[:16])
	}
	return d, ok
}

// Put stores a decision. The least-recently-used entry is evicted when the
// cache is at capacity.
func (c *Cache) Put(key string, d decision.Decision) {
	if !c.enabled {
		return
	}
	c.lru.Add(key, d)
}

// Clear atomically drops every entry.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Len returns the current number of cached decisions.
func (c *Cache) Len() int {
	return c.lru.Len()
}
