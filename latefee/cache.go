/*
cache.go - Tenant rule cache

PURPOSE:
  Memoizes each company's rule set so repeated calculations don't hit the
  database. Entries expire after a TTL (30 minutes by default); expiry is a
  hard cutoff and an expired entry is never served.

INTERFACE:
  RuleCache is injected into the RuleStore, so a shared cache (e.g. Redis)
  can replace MemoryRuleCache in multi-instance deployments. Backends
  return an error wrapping ErrCache on failure; the RuleStore then falls
  back to an uncached read.

CONCURRENCY:
  MemoryRuleCache guards its map with an RWMutex. Entries are replaced
  wholesale and the stored slice is copied on the way in and out, so
  callers can't mutate cached state.
*/
package latefee

import (
	"context"
	"sync"
	"time"
)

// DefaultRuleCacheTTL is how long a tenant's rules stay cached.
const DefaultRuleCacheTTL = 30 * time.Minute

// RuleCache stores rule sets per company.
type RuleCache interface {
	// Get returns the cached rules and true on a live hit.
	Get(ctx context.Context, companyID string) ([]LateFeeRule, bool, error)

	// Set replaces the company's entry and resets its expiry.
	Set(ctx context.Context, companyID string, rules []LateFeeRule) error

	// Evict drops one company's entry.
	Evict(ctx context.Context, companyID string) error

	// EvictAll drops every entry.
	EvictAll(ctx context.Context) error
}

// =============================================================================
// MEMORY CACHE
// =============================================================================

type cacheEntry struct {
	rules     []LateFeeRule
	expiresAt time.Time
}

type MemoryRuleCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     Clock
}

// NewMemoryRuleCache creates a cache with the given TTL. A non-positive TTL
// uses DefaultRuleCacheTTL; a nil clock uses the system clock.
func NewMemoryRuleCache(ttl time.Duration, clock Clock) *MemoryRuleCache {
	if ttl <= 0 {
		ttl = DefaultRuleCacheTTL
	}
	if clock == nil {
		clock = systemClock
	}
	return &MemoryRuleCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     clock,
	}
}

func (c *MemoryRuleCache) Get(_ context.Context, companyID string) ([]LateFeeRule, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[companyID]
	if !ok || !c.now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return cloneRules(e.rules), true, nil
}

func (c *MemoryRuleCache) Set(_ context.Context, companyID string, rules []LateFeeRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[companyID] = cacheEntry{
		rules:     cloneRules(rules),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryRuleCache) Evict(_ context.Context, companyID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, companyID)
	return nil
}

func (c *MemoryRuleCache) EvictAll(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	return nil
}

// Len returns the number of entries, live or expired.
func (c *MemoryRuleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func cloneRules(rules []LateFeeRule) []LateFeeRule {
	if rules == nil {
		return nil
	}
	out := make([]LateFeeRule, len(rules))
	copy(out, rules)
	return out
}
