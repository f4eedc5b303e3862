package core

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const l1ShardCount = 16

// L1Cache is the in-process tier: size-bounded, lock-striped by fingerprint
// hash, with hybrid LFU-LRU eviction. The frequency weight controls how much
// access count matters relative to recency when choosing a victim.
type L1Cache struct {
	shards     [l1ShardCount]*l1Shard
	perShard   int
	defaultTTL time.Duration
	lfuWeight  float64
}

type l1Shard struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
}

// NewL1Cache creates the in-process tier. capacity is the total entry bound
// across all shards; lfuWeight of 0.3 matches the default hybrid policy.
func NewL1Cache(capacity int, defaultTTL time.Duration, lfuWeight float64) *L1Cache {
	if capacity < l1ShardCount {
		capacity = l1ShardCount
	}
	if lfuWeight <= 0 || lfuWeight >= 1 {
		lfuWeight = 0.3
	}
	c := &L1Cache{
		perShard:   capacity / l1ShardCount,
		defaultTTL: defaultTTL,
		lfuWeight:  lfuWeight,
	}
	for i := range c.shards {
		c.shards[i] = &l1Shard{entries: make(map[string]*CacheEntry)}
	}
	return c
}

func (c *L1Cache) Tier() CacheTier           { return TierL1 }
func (c *L1Cache) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *L1Cache) shard(fingerprint string) *l1Shard {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return c.shards[h.Sum32()%l1ShardCount]
}

// Get returns the live entry for fingerprint, bumping its access stats.
func (c *L1Cache) Get(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	s := c.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	if entry.Expired(now) {
		delete(s.entries, fingerprint)
		return nil, nil
	}
	entry.AccessCount++
	entry.LastAccessAt = now
	cp := *entry
	return &cp, nil
}

// Put stores an entry, evicting the lowest-scoring resident if the shard is
// at capacity.
func (c *L1Cache) Put(ctx context.Context, entry *CacheEntry) error {
	s := c.shard(entry.Fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.Fingerprint]; !exists && len(s.entries) >= c.perShard {
		c.evictLocked(s)
	}
	cp := *entry
	cp.Tier = TierL1
	if cp.TTL <= 0 || cp.TTL > c.defaultTTL {
		cp.TTL = c.defaultTTL
	}
	s.entries[entry.Fingerprint] = &cp
	return nil
}

// evictLocked removes the entry with the lowest hybrid score. Expired
// entries are removed first and count as the eviction.
func (c *L1Cache) evictLocked(s *l1Shard) {
	now := time.Now()
	var victim string
	lowest := 0.0
	first := true
	for fp, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, fp)
			return
		}
		score := c.score(e, now)
		if first || score < lowest {
			victim, lowest, first = fp, score, false
		}
	}
	if victim != "" {
		delete(s.entries, victim)
	}
}

// score blends access frequency with recency. Both components are
// normalized to [0,1]; higher scores survive longer.
func (c *L1Cache) score(e *CacheEntry, now time.Time) float64 {
	freq := float64(e.AccessCount) / float64(e.AccessCount+10)
	age := now.Sub(e.LastAccessAt)
	recency := 1.0 - age.Seconds()/(age.Seconds()+60)
	return c.lfuWeight*freq + (1-c.lfuWeight)*recency
}

func (c *L1Cache) Delete(ctx context.Context, fingerprint string) error {
	s := c.shard(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fingerprint)
	return nil
}

func (c *L1Cache) Match(ctx context.Context, glob string) ([]string, error) {
	var matched []string
	for _, s := range c.shards {
		s.mu.RLock()
		for fp, e := range s.entries {
			if e.MatchesGlob(glob) {
				matched = append(matched, fp)
			}
		}
		s.mu.RUnlock()
	}
	return matched, nil
}

func (c *L1Cache) MatchTime(ctx context.Context, from, to time.Time) ([]string, error) {
	var matched []string
	for _, s := range c.shards {
		s.mu.RLock()
		for fp, e := range s.entries {
			for _, hint := range e.TimeHints {
				if !hint.Before(from) && hint.Before(to) {
					matched = append(matched, fp)
					break
				}
			}
		}
		s.mu.RUnlock()
	}
	return matched, nil
}

// Len reports the number of resident entries across shards.
func (c *L1Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
