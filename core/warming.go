package core

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// WarmCall is one capability call the warmer replays with cache bypass.
type WarmCall struct {
	Verb   string                 `json:"verb"`
	Params map[string]interface{} `json:"params"`
}

// TimeSensitive reports whether the call's parameters reference a rolling
// time phrase, which makes the call eligible for period-transition warming.
func (w WarmCall) TimeSensitive() bool {
	for _, v := range w.Params {
		if s, ok := v.(string); ok {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "today", "now", "this hour", "this week", "this month":
				return true
			}
		}
	}
	return false
}

// CacheWarmer re-executes frequent capability calls in the background so
// their results stay fresh in every tier. The pattern set is the union of
// configured static calls and the top-K most frequent calls observed over
// the last 24 hours. Warming failures are logged and never surfaced.
type CacheWarmer struct {
	interval time.Duration
	topK     int
	static   []WarmCall
	execute  func(ctx context.Context, call WarmCall) error
	logger   Logger

	mu       sync.Mutex
	observed map[string]*warmObservation
}

type warmObservation struct {
	call WarmCall
	hits []time.Time
}

// NewCacheWarmer creates a warmer. execute must run the call with cache
// bypass and write the fresh result through all tiers.
func NewCacheWarmer(interval time.Duration, topK int, static []WarmCall, execute func(ctx context.Context, call WarmCall) error, logger Logger) *CacheWarmer {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &CacheWarmer{
		interval: interval,
		topK:     topK,
		static:   static,
		execute:  execute,
		logger:   logger,
		observed: make(map[string]*warmObservation),
	}
}

// Observe records a served capability call so it can become a learned
// warming pattern.
func (w *CacheWarmer) Observe(call WarmCall) {
	key := call.Verb + ":" + canonicalJSON(normalizeValue(call.Params))
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	obs, ok := w.observed[key]
	if !ok {
		obs = &warmObservation{call: call}
		w.observed[key] = obs
	}
	obs.hits = append(obs.hits, now)
}

// Patterns returns the current warming set: static calls first, then the
// top-K learned calls by 24-hour frequency.
func (w *CacheWarmer) Patterns() []WarmCall {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	type ranked struct {
		call  WarmCall
		count int
	}
	var learned []ranked
	for key, obs := range w.observed {
		kept := obs.hits[:0]
		for _, h := range obs.hits {
			if h.After(cutoff) {
				kept = append(kept, h)
			}
		}
		obs.hits = kept
		if len(kept) == 0 {
			delete(w.observed, key)
			continue
		}
		learned = append(learned, ranked{call: obs.call, count: len(kept)})
	}
	sort.Slice(learned, func(i, j int) bool {
		if learned[i].count != learned[j].count {
			return learned[i].count > learned[j].count
		}
		return learned[i].call.Verb < learned[j].call.Verb
	})
	if w.topK > 0 && len(learned) > w.topK {
		learned = learned[:w.topK]
	}

	patterns := make([]WarmCall, 0, len(w.static)+len(learned))
	patterns = append(patterns, w.static...)
	for _, r := range learned {
		patterns = append(patterns, r.call)
	}
	return patterns
}

// Run drives the warmer until ctx is cancelled: a full pass every interval,
// plus an hourly pass over time-sensitive patterns at each wall-clock hour
// transition.
func (w *CacheWarmer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	hourTimer := time.NewTimer(untilNextHour(time.Now()))
	defer hourTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WarmAll(ctx)
		case <-hourTimer.C:
			w.warmTimeSensitive(ctx)
			hourTimer.Reset(untilNextHour(time.Now()))
		}
	}
}

// WarmAll replays every pattern once. Running it twice in succession leaves
// cache contents equivalent: each pass rewrites the same fingerprints.
func (w *CacheWarmer) WarmAll(ctx context.Context) {
	for _, call := range w.Patterns() {
		w.warmOne(ctx, call)
	}
}

func (w *CacheWarmer) warmTimeSensitive(ctx context.Context) {
	for _, call := range w.Patterns() {
		if call.TimeSensitive() {
			w.warmOne(ctx, call)
		}
	}
}

func (w *CacheWarmer) warmOne(ctx context.Context, call WarmCall) {
	if err := w.execute(ctx, call); err != nil {
		w.logger.Warn("Cache warming call failed", map[string]interface{}{
			"operation": "cache_warm",
			"verb":      call.Verb,
			"error":     err.Error(),
		})
		return
	}
	w.logger.Debug("Warmed capability call", map[string]interface{}{
		"operation": "cache_warm",
		"verb":      call.Verb,
	})
}

func untilNextHour(now time.Time) time.Duration {
	next := now.Truncate(time.Hour).Add(time.Hour)
	return next.Sub(now)
}
