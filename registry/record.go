package registry

import (
	"sync"
	"time"

	"github.com/joshuawlim/kenny/core"
)

// Record is the registry's authoritative state for one agent. The manifest
// and addressing fields persist across restarts; the health ring and
// performance window are rebuilt from live polling.
type Record struct {
	mu sync.RWMutex

	Manifest       *core.AgentManifest
	BaseURL        string
	HealthEndpoint string
	RegisteredAt   time.Time

	healthStatus      core.HealthStatus
	lastHealthCheckAt time.Time
	perf              *PerfTracker

	consecutiveFails     int
	consecutiveSuccesses int
}

// newRecord creates a record in the unknown health state.
func newRecord(manifest *core.AgentManifest, baseURL, healthEndpoint string) *Record {
	return &Record{
		Manifest:       manifest,
		BaseURL:        baseURL,
		HealthEndpoint: healthEndpoint,
		RegisteredAt:   time.Now(),
		healthStatus:   core.HealthUnknown,
		perf:           NewPerfTracker(),
	}
}

// HealthStatus returns the current health classification.
func (r *Record) HealthStatus() core.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthStatus
}

// Perf exposes the performance tracker.
func (r *Record) Perf() *PerfTracker { return r.perf }

// slaMaxLatency returns the strictest max-latency SLA among the agent's
// capabilities, or 0 if none declares one.
func (r *Record) slaMaxLatency() time.Duration {
	var min time.Duration
	for _, cap := range r.Manifest.Capabilities {
		if cap.SLA == nil || cap.SLA.MaxLatencyMs <= 0 {
			continue
		}
		d := time.Duration(cap.SLA.MaxLatencyMs) * time.Millisecond
		if min == 0 || d < min {
			min = d
		}
	}
	return min
}

// observe records a poll outcome and applies the status transition rules:
//
//	healthy  → degraded after 2 consecutive failures, or when latency
//	           exceeded SLA×2 anywhere in the last 10 observations
//	degraded → unhealthy after 5 consecutive failures
//	any      → healthy after 3 consecutive successes
//
// It returns the (possibly unchanged) status after the observation.
func (r *Record) observe(obs Observation) core.HealthStatus {
	sla := r.slaMaxLatency()
	r.perf.Record(obs, sla)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastHealthCheckAt = obs.At

	if obs.Success {
		r.consecutiveFails = 0
		r.consecutiveSuccesses++
	} else {
		r.consecutiveSuccesses = 0
		r.consecutiveFails++
	}

	switch {
	case r.consecutiveFails >= 5:
		r.healthStatus = core.HealthUnhealthy
	case r.consecutiveFails >= 2:
		if r.healthStatus == core.HealthHealthy || r.healthStatus == core.HealthUnknown {
			r.healthStatus = core.HealthDegraded
		}
	case obs.Success:
		if r.healthStatus == core.HealthUnknown {
			// First poll after (re-)registration settles unknown immediately.
			r.healthStatus = core.HealthHealthy
			r.consecutiveSuccesses = 3
		} else if r.consecutiveSuccesses >= 3 {
			r.healthStatus = core.HealthHealthy
		}
		// A latency breach outranks success counting until it ages out of
		// the window.
		if sla > 0 && r.healthStatus == core.HealthHealthy && r.latencyBreachLocked(2*sla) {
			r.healthStatus = core.HealthDegraded
		}
	}
	return r.healthStatus
}

// latencyBreachLocked reports whether any of the last 10 observations
// exceeded the threshold. Caller holds r.mu.
func (r *Record) latencyBreachLocked(threshold time.Duration) bool {
	for _, obs := range r.perf.Last(10) {
		if obs.Success && obs.Latency > threshold {
			return true
		}
	}
	return false
}

// resetHealth returns the record to unknown, e.g. after a re-register.
func (r *Record) resetHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthStatus = core.HealthUnknown
	r.consecutiveFails = 0
	r.consecutiveSuccesses = 0
}

// Summary renders the registry's public view of the record.
func (r *Record) Summary(includeManifest bool) *core.AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := &core.AgentSummary{
		AgentID:      r.Manifest.AgentID,
		DisplayName:  r.Manifest.DisplayName,
		Version:      r.Manifest.Version,
		AgentType:    r.Manifest.AgentType,
		BaseURL:      r.BaseURL,
		HealthStatus: r.healthStatus,
	}
	if includeManifest {
		s.Manifest = r.Manifest
	}
	return s
}
