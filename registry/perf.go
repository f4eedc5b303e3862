// Package registry implements the agent registry: manifest validation,
// capability indexing, health polling, performance tracking, and the
// egress-evaluation surface backed by the security plane.
package registry

import (
	"sort"
	"sync"
	"time"
)

const observationRingSize = 100

// Observation is one health-poll datapoint.
type Observation struct {
	At      time.Time     `json:"at"`
	Latency time.Duration `json:"latency_ms"`
	Success bool          `json:"success"`
}

// PerfTracker keeps a bounded ring of observations and derives the
// sliding-window statistics the capability index tie-break uses.
type PerfTracker struct {
	mu            sync.Mutex
	ring          []Observation
	next          int
	full          bool
	slaViolations int64
}

// NewPerfTracker creates a tracker with the standard ring size.
func NewPerfTracker() *PerfTracker {
	return &PerfTracker{ring: make([]Observation, observationRingSize)}
}

// Record appends an observation. slaMaxLatency of 0 disables SLA counting.
func (p *PerfTracker) Record(obs Observation, slaMaxLatency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring[p.next] = obs
	p.next = (p.next + 1) % len(p.ring)
	if p.next == 0 {
		p.full = true
	}
	if slaMaxLatency > 0 && obs.Latency > slaMaxLatency {
		p.slaViolations++
	}
}

// window returns observations oldest-first.
func (p *PerfTracker) window() []Observation {
	if !p.full {
		return append([]Observation(nil), p.ring[:p.next]...)
	}
	out := make([]Observation, 0, len(p.ring))
	out = append(out, p.ring[p.next:]...)
	out = append(out, p.ring[:p.next]...)
	return out
}

// Last returns the most recent n observations, newest last.
func (p *PerfTracker) Last(n int) []Observation {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.window()
	if len(w) > n {
		w = w[len(w)-n:]
	}
	return w
}

// PerfStats is the derived sliding-window view.
type PerfStats struct {
	SampleCount   int           `json:"sample_count"`
	SuccessRate   float64       `json:"success_rate"`
	P50Latency    time.Duration `json:"p50_latency_ms"`
	P95Latency    time.Duration `json:"p95_latency_ms"`
	SLAViolations int64         `json:"sla_violations"`
}

// Stats computes the current window statistics.
func (p *PerfTracker) Stats() PerfStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.window()
	stats := PerfStats{SampleCount: len(w), SLAViolations: p.slaViolations}
	if len(w) == 0 {
		return stats
	}
	successes := 0
	latencies := make([]time.Duration, 0, len(w))
	for _, obs := range w {
		if obs.Success {
			successes++
		}
		latencies = append(latencies, obs.Latency)
	}
	stats.SuccessRate = float64(successes) / float64(len(w))
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats.P50Latency = percentile(latencies, 0.50)
	stats.P95Latency = percentile(latencies, 0.95)
	return stats
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
