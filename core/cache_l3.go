package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// L3Cache is the local persistent tier: one JSON record per fingerprint
// under a directory, with an in-memory index rebuilt at startup. It holds
// expensive results across restarts without an external store.
type L3Cache struct {
	dir        string
	defaultTTL time.Duration
	logger     Logger

	mu    sync.RWMutex
	index map[string]*l3Meta
}

type l3Meta struct {
	Key       string
	StoredAt  time.Time
	TTL       time.Duration
	TimeHints []time.Time
}

// NewL3Cache opens (creating if needed) the persistent tier at dir and
// rebuilds the index from the records on disk.
func NewL3Cache(dir string, defaultTTL time.Duration, logger Logger) (*L3Cache, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("l3 cache dir: %w", err)
	}
	c := &L3Cache{
		dir:        dir,
		defaultTTL: defaultTTL,
		logger:     logger,
		index:      make(map[string]*l3Meta),
	}
	if err := c.rebuildIndex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *L3Cache) Tier() CacheTier           { return TierL3 }
func (c *L3Cache) DefaultTTL() time.Duration { return c.defaultTTL }

func (c *L3Cache) recordPath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".json")
}

func (c *L3Cache) rebuildIndex() error {
	files, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("l3 index rebuild: %w", err)
	}
	now := time.Now()
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, f.Name()))
		if err != nil {
			continue
		}
		var entry CacheEntry
		if json.Unmarshal(data, &entry) != nil || entry.Fingerprint == "" {
			// Undecodable records are removed rather than carried forever.
			_ = os.Remove(filepath.Join(c.dir, f.Name()))
			continue
		}
		if entry.Expired(now) {
			_ = os.Remove(c.recordPath(entry.Fingerprint))
			continue
		}
		c.index[entry.Fingerprint] = &l3Meta{
			Key:       entry.Key,
			StoredAt:  entry.StoredAt,
			TTL:       entry.TTL,
			TimeHints: entry.TimeHints,
		}
	}
	c.logger.Info("Rebuilt persistent cache index", map[string]interface{}{
		"operation": "l3_index_rebuild",
		"dir":       c.dir,
		"entries":   len(c.index),
	})
	return nil
}

func (c *L3Cache) Get(ctx context.Context, fingerprint string) (*CacheEntry, error) {
	c.mu.RLock()
	meta, ok := c.index[fingerprint]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if meta.TTL > 0 && time.Now().After(meta.StoredAt.Add(meta.TTL)) {
		_ = c.Delete(ctx, fingerprint)
		return nil, nil
	}
	data, err := os.ReadFile(c.recordPath(fingerprint))
	if os.IsNotExist(err) {
		_ = c.Delete(ctx, fingerprint)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("l3 get: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		_ = c.Delete(ctx, fingerprint)
		return nil, nil
	}
	entry.AccessCount++
	entry.LastAccessAt = time.Now()
	// Access stats are best-effort; a failed rewrite never fails the read.
	if data, err := json.Marshal(&entry); err == nil {
		_ = os.WriteFile(c.recordPath(fingerprint), data, 0o644)
	}
	return &entry, nil
}

func (c *L3Cache) Put(ctx context.Context, entry *CacheEntry) error {
	cp := *entry
	cp.Tier = TierL3
	if cp.TTL <= 0 || cp.TTL > c.defaultTTL {
		cp.TTL = c.defaultTTL
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("l3 put: %w", err)
	}
	tmp := c.recordPath(cp.Fingerprint) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("l3 put: %w", err)
	}
	if err := os.Rename(tmp, c.recordPath(cp.Fingerprint)); err != nil {
		return fmt.Errorf("l3 put: %w", err)
	}
	c.mu.Lock()
	c.index[cp.Fingerprint] = &l3Meta{
		Key:       cp.Key,
		StoredAt:  cp.StoredAt,
		TTL:       cp.TTL,
		TimeHints: cp.TimeHints,
	}
	c.mu.Unlock()
	return nil
}

func (c *L3Cache) Delete(ctx context.Context, fingerprint string) error {
	c.mu.Lock()
	delete(c.index, fingerprint)
	c.mu.Unlock()
	err := os.Remove(c.recordPath(fingerprint))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("l3 delete: %w", err)
	}
	return nil
}

func (c *L3Cache) Match(ctx context.Context, glob string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matched []string
	for fp, meta := range c.index {
		if ok, err := filepath.Match(glob, meta.Key); err == nil && ok {
			matched = append(matched, fp)
		}
	}
	return matched, nil
}

func (c *L3Cache) MatchTime(ctx context.Context, from, to time.Time) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matched []string
	for fp, meta := range c.index {
		for _, hint := range meta.TimeHints {
			if !hint.Before(from) && hint.Before(to) {
				matched = append(matched, fp)
				break
			}
		}
	}
	return matched, nil
}
