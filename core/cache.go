package core

import (
	"context"
	"strings"
	"sync"
	"time"
)

// TieredCache composes the L1/L2/L3 stores into one read-through,
// write-through semantic cache with monotonic promotion.
type TieredCache struct {
	tiers  []TierStore // fastest first
	logger Logger

	mu     sync.Mutex
	hits   map[CacheTier]int64
	misses int64
}

// NewTieredCache builds a cache over the given tiers, fastest first. Any
// tier may be nil (e.g. no Redis configured); nil tiers are skipped.
func NewTieredCache(logger Logger, tiers ...TierStore) *TieredCache {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	c := &TieredCache{logger: logger, hits: make(map[CacheTier]int64)}
	for _, t := range tiers {
		if t != nil {
			c.tiers = append(c.tiers, t)
		}
	}
	return c
}

// Lookup descends the tiers for fingerprint. On a hit below L1 the entry is
// promoted into every faster tier with stored_at rewritten to now and TTL
// capped at the faster tier's default. Returns (entry, tier, nil) on a hit
// and (nil, "", nil) on a full miss.
func (c *TieredCache) Lookup(ctx context.Context, fingerprint string) (*CacheEntry, CacheTier, error) {
	for i, tier := range c.tiers {
		entry, err := tier.Get(ctx, fingerprint)
		if err != nil {
			// A failing tier is a miss for that tier, not a failed lookup.
			c.logger.Warn("Cache tier read failed", map[string]interface{}{
				"operation":   "cache_lookup",
				"tier":        string(tier.Tier()),
				"fingerprint": fingerprint,
				"error":       err.Error(),
			})
			continue
		}
		if entry == nil {
			continue
		}
		c.recordHit(tier.Tier())
		if i > 0 {
			c.promote(ctx, entry, i)
		}
		return entry, tier.Tier(), nil
	}
	c.recordMiss()
	return nil, "", nil
}

// promote writes a hit from tier index src into every faster tier. The
// write to a faster tier is aborted if the source entry was invalidated
// mid-promotion, so a racing invalidation always wins.
func (c *TieredCache) promote(ctx context.Context, entry *CacheEntry, src int) {
	source := c.tiers[src]
	still, err := source.Get(ctx, entry.Fingerprint)
	if err != nil || still == nil {
		c.logger.Debug("Promotion aborted, source entry gone", map[string]interface{}{
			"operation":   "cache_promote",
			"fingerprint": entry.Fingerprint,
			"source_tier": string(source.Tier()),
		})
		return
	}
	now := time.Now()
	for i := src - 1; i >= 0; i-- {
		up := *entry
		up.StoredAt = now
		up.TTL = c.tiers[i].DefaultTTL()
		if err := c.tiers[i].Put(ctx, &up); err != nil {
			c.logger.Warn("Cache promotion write failed", map[string]interface{}{
				"operation":   "cache_promote",
				"tier":        string(c.tiers[i].Tier()),
				"fingerprint": entry.Fingerprint,
				"error":       err.Error(),
			})
		}
	}
}

// Write stores a fresh handler result in every tier (write-through). Each
// tier caps the TTL at its own default.
func (c *TieredCache) Write(ctx context.Context, entry *CacheEntry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	if entry.LastAccessAt.IsZero() {
		entry.LastAccessAt = entry.StoredAt
	}
	var firstErr error
	for _, tier := range c.tiers {
		cp := *entry
		cp.TTL = tier.DefaultTTL()
		if err := tier.Put(ctx, &cp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InvalidateFingerprint removes one entry from every tier. Slower tiers are
// cleared first so a concurrent promotion cannot resurrect the entry.
func (c *TieredCache) InvalidateFingerprint(ctx context.Context, fingerprint string) error {
	var firstErr error
	for i := len(c.tiers) - 1; i >= 0; i-- {
		if err := c.tiers[i].Delete(ctx, fingerprint); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InvalidatePattern removes every entry whose key matches the glob. When
// the pattern is a time phrase like "today" or "this week" it instead
// removes every entry whose parameters reference a time inside that period.
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if from, to, ok := resolveTimePattern(pattern, time.Now()); ok {
		return c.invalidateMatching(ctx, func(t TierStore) ([]string, error) {
			return t.MatchTime(ctx, from, to)
		})
	}
	return c.invalidateMatching(ctx, func(t TierStore) ([]string, error) {
		return t.Match(ctx, pattern)
	})
}

func (c *TieredCache) invalidateMatching(ctx context.Context, match func(TierStore) ([]string, error)) (int, error) {
	seen := make(map[string]bool)
	var firstErr error
	for _, tier := range c.tiers {
		fps, err := match(tier)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, fp := range fps {
			seen[fp] = true
		}
	}
	for fp := range seen {
		if err := c.InvalidateFingerprint(ctx, fp); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return len(seen), firstErr
}

// resolveTimePattern maps a time phrase to the bounds of the current
// period. Unknown phrases return ok=false and are treated as globs.
func resolveTimePattern(pattern string, now time.Time) (time.Time, time.Time, bool) {
	switch strings.ToLower(strings.TrimSpace(pattern)) {
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 0, 1), true
	case "this hour":
		start := now.Truncate(time.Hour)
		return start, start.Add(time.Hour), true
	case "this week":
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7 // weeks start Monday
		}
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -(weekday - 1))
		return start, start.AddDate(0, 0, 7), true
	case "this month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		return start, start.AddDate(0, 1, 0), true
	default:
		return time.Time{}, time.Time{}, false
	}
}

// CacheStats reports per-tier hit counts and the cumulative miss count.
type CacheStats struct {
	Hits   map[CacheTier]int64 `json:"hits"`
	Misses int64               `json:"misses"`
}

func (c *TieredCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	hits := make(map[CacheTier]int64, len(c.hits))
	for k, v := range c.hits {
		hits[k] = v
	}
	return CacheStats{Hits: hits, Misses: c.misses}
}

func (c *TieredCache) recordHit(tier CacheTier) {
	c.mu.Lock()
	c.hits[tier]++
	c.mu.Unlock()
}

func (c *TieredCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}
