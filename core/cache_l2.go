package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// L2Cache is the shared Redis-backed tier. Entries survive process restarts
// and are visible to every agent instance sharing the store.
type L2Cache struct {
	redis      *RedisClient
	defaultTTL time.Duration
	logger     Logger
}

// NewL2Cache creates the shared tier on an existing Redis client.
func NewL2Cache(redis *RedisClient, defaultTTL time.Duration, logger Logger) *L2Cache {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &L2Cache{redis: redis, defaultTTL: defaultTTL, logger: logger}
}

func (c *L2Cache) Tier() CacheTier           { return TierL2 }
func (c *L2Cache) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *L2Cache) entryKey(fingerprint string) string {
	return c.redis.Key("cache", fingerprint)
}

func (c *L2Cache) Get(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	data, err := c.redis.Get(ctx, c.entryKey(fingerprint))
	if err != nil {
		return nil, fmt.Errorf("l2 get: %w", err)
	}
	if data == "" {
		return nil, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// A corrupt entry is treated as a miss and removed.
		c.logger.Warn("Dropping undecodable cache entry", map[string]interface{}{
			"operation":   "l2_get",
			"fingerprint": fingerprint,
			"error":       err.Error(),
		})
		_ = c.redis.Delete(ctx, c.entryKey(fingerprint))
		return nil, nil
	}
	if entry.Expired(time.Now()) {
		_ = c.redis.Delete(ctx, c.entryKey(fingerprint))
		return nil, nil
	}
	entry.AccessCount++
	entry.LastAccessAt = time.Now()
	return &entry, nil
}

func (c *L2Cache) Put(ctx context.Context, entry *CacheEntry) error {
	cp := *entry
	cp.Tier = TierL2
	if cp.TTL <= 0 || cp.TTL > c.defaultTTL {
		cp.TTL = c.defaultTTL
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("l2 put: %w", err)
	}
	return c.redis.Set(ctx, c.entryKey(cp.Fingerprint), string(data), cp.TTL)
}

func (c *L2Cache) Delete(ctx context.Context, fingerprint string) error {
	return c.redis.Delete(ctx, c.entryKey(fingerprint))
}

func (c *L2Cache) Match(ctx context.Context, glob string) ([]string, error) {
	return c.scanMatching(ctx, func(e *CacheEntry) bool { return e.MatchesGlob(glob) })
}

func (c *L2Cache) MatchTime(ctx context.Context, from, to time.Time) ([]string, error) {
	return c.scanMatching(ctx, func(e *CacheEntry) bool {
		for _, hint := range e.TimeHints {
			if !hint.Before(from) && hint.Before(to) {
				return true
			}
		}
		return false
	})
}

func (c *L2Cache) scanMatching(ctx context.Context, match func(*CacheEntry) bool) ([]string, error) {
	var matched []string
	err := c.redis.Scan(ctx, c.redis.Key("cache", "*"), func(keys []string) error {
		for _, key := range keys {
			data, err := c.redis.Get(ctx, key)
			if err != nil || data == "" {
				continue
			}
			var entry CacheEntry
			if json.Unmarshal([]byte(data), &entry) != nil {
				continue
			}
			if match(&entry) {
				matched = append(matched, entry.Fingerprint)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("l2 scan: %w", err)
	}
	return matched, nil
}
