package core

import (
	"context"
	"path"
	"time"
)

// CacheTier identifies one layer of the semantic cache.
type CacheTier string

const (
	TierL1 CacheTier = "L1"
	TierL2 CacheTier = "L2"
	TierL3 CacheTier = "L3"
)

// CacheEntry is one cached capability result. Key is the human-meaningful
// invalidation key (agent_id:verb:normalized-params); Fingerprint is the
// collision-resistant hash used for storage and lookup.
type CacheEntry struct {
	Fingerprint  string      `json:"fingerprint"`
	Key          string      `json:"key"`
	Value        RawResult   `json:"value"`
	StoredAt     time.Time   `json:"stored_at"`
	Tier         CacheTier   `json:"tier"`
	TTL          time.Duration `json:"ttl_ms"`
	AccessCount  int64       `json:"access_count"`
	LastAccessAt time.Time   `json:"last_access_at"`
	Confidence   float64     `json:"confidence,omitempty"`

	// TimeHints are timestamps referenced by the call's parameters, used by
	// time-pattern invalidation ("today", "this week").
	TimeHints []time.Time `json:"time_hints,omitempty"`
}

// Expired reports whether the entry has outlived its TTL at time now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.StoredAt.Add(e.TTL))
}

// MatchesGlob reports whether the entry's key matches a glob pattern like
// "mail-agent:messages.search:*".
func (e *CacheEntry) MatchesGlob(glob string) bool {
	ok, err := path.Match(glob, e.Key)
	return err == nil && ok
}

// TierStore is the contract each cache tier implements. Get returns
// (nil, nil) on a miss so callers can descend without error plumbing.
type TierStore interface {
	Tier() CacheTier
	DefaultTTL() time.Duration
	Get(ctx context.Context, fingerprint string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, fingerprint string) error
	// Match returns fingerprints of entries whose key matches the glob.
	Match(ctx context.Context, glob string) ([]string, error)
	// MatchTime returns fingerprints of entries with a time hint in [from, to).
	MatchTime(ctx context.Context, from, to time.Time) ([]string, error)
}
