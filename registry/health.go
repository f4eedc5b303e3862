package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joshuawlim/kenny/core"
)

// startPoller launches an independent health poller for one record. Polls
// fire at the manifest's declared interval (registry default otherwise),
// with a hard 5s timeout and no retries: a miss is itself a datapoint.
func (r *Registry) startPoller(rec *Record) {
	agentID := rec.Manifest.AgentID
	r.stopPoller(agentID)

	ctx, cancel := context.WithCancel(r.pollCtx)
	r.mu.Lock()
	r.pollers[agentID] = cancel
	r.mu.Unlock()

	interval := r.config.PollInterval
	if rec.Manifest.HealthCheck.IntervalSeconds > 0 {
		interval = time.Duration(rec.Manifest.HealthCheck.IntervalSeconds) * time.Second
	}

	r.pollWG.Add(1)
	go func() {
		defer r.pollWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.pollOnce(ctx, rec)
			}
		}
	}()
}

func (r *Registry) stopPoller(agentID string) {
	r.mu.Lock()
	cancel, ok := r.pollers[agentID]
	if ok {
		delete(r.pollers, agentID)
	}
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// pollOnce performs one health probe. A poll exception becomes a failed
// observation, never a registry fault.
func (r *Registry) pollOnce(ctx context.Context, rec *Record) {
	endpoint := rec.HealthEndpoint
	if endpoint == "" {
		endpoint = rec.BaseURL + "/health"
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.config.PollTimeout)
	defer cancel()

	start := time.Now()
	success := false
	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, endpoint, nil)
	if err == nil {
		resp, doErr := http.DefaultClient.Do(req)
		if doErr == nil {
			success = resp.StatusCode < 500
			resp.Body.Close()
		}
	}

	before := rec.HealthStatus()
	after := rec.observe(Observation{At: start, Latency: time.Since(start), Success: success})
	if before != after {
		r.logger.Info("Agent health transition", map[string]interface{}{
			"operation": "health_poll",
			"agent_id":  rec.Manifest.AgentID,
			"from":      string(before),
			"to":        string(after),
		})
		r.publishSnapshot()
	}
}

// AgentHealth is one agent's slice of a system health snapshot.
type AgentHealth struct {
	AgentID       string            `json:"agent_id"`
	Status        core.HealthStatus `json:"status"`
	SuccessRate   float64           `json:"success_rate"`
	P50LatencyMs  int64             `json:"p50_latency_ms"`
	P95LatencyMs  int64             `json:"p95_latency_ms"`
	SLAViolations int64             `json:"sla_violations"`
}

// SystemHealthSnapshot is the aggregated fabric health view.
type SystemHealthSnapshot struct {
	Overall         string        `json:"overall"` // healthy | degraded | critical
	Timestamp       time.Time     `json:"timestamp"`
	Agents          []AgentHealth `json:"agents"`
	SLAViolations   []string      `json:"sla_violations,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// SystemHealth aggregates per-agent health into one snapshot. Overall is
// critical when any agent is unhealthy, degraded when any agent is
// degraded or unknown, healthy otherwise.
func (r *Registry) SystemHealth() *SystemHealthSnapshot {
	agents := r.ListAgents()
	snap := &SystemHealthSnapshot{Overall: "healthy", Timestamp: time.Now()}
	for _, summary := range agents {
		r.mu.RLock()
		rec := r.records[summary.AgentID]
		r.mu.RUnlock()
		if rec == nil {
			continue
		}
		stats := rec.Perf().Stats()
		ah := AgentHealth{
			AgentID:       summary.AgentID,
			Status:        summary.HealthStatus,
			SuccessRate:   stats.SuccessRate,
			P50LatencyMs:  stats.P50Latency.Milliseconds(),
			P95LatencyMs:  stats.P95Latency.Milliseconds(),
			SLAViolations: stats.SLAViolations,
		}
		snap.Agents = append(snap.Agents, ah)

		switch summary.HealthStatus {
		case core.HealthUnhealthy:
			snap.Overall = "critical"
			snap.Recommendations = append(snap.Recommendations,
				fmt.Sprintf("agent %s is unhealthy; investigate or deregister", summary.AgentID))
		case core.HealthDegraded, core.HealthUnknown:
			if snap.Overall == "healthy" {
				snap.Overall = "degraded"
			}
		}
		if stats.SLAViolations > 0 {
			snap.SLAViolations = append(snap.SLAViolations,
				fmt.Sprintf("%s: %d latency SLA violations", summary.AgentID, stats.SLAViolations))
		}
	}
	return snap
}

// WatchHealth subscribes to health snapshots. The returned channel receives
// a snapshot on every health transition and at least every 5s; close() via
// the returned cancel function when done.
func (r *Registry) WatchHealth() (<-chan *SystemHealthSnapshot, func()) {
	ch := make(chan *SystemHealthSnapshot, 8)
	r.watcherMu.Lock()
	r.watchers[ch] = struct{}{}
	r.watcherMu.Unlock()

	cancel := func() {
		r.watcherMu.Lock()
		if _, ok := r.watchers[ch]; ok {
			delete(r.watchers, ch)
			close(ch)
		}
		r.watcherMu.Unlock()
	}
	return ch, cancel
}

// publishSnapshot fans the current snapshot out to watchers. Slow watchers
// drop snapshots rather than blocking pollers.
func (r *Registry) publishSnapshot() {
	snap := r.SystemHealth()
	r.watcherMu.Lock()
	defer r.watcherMu.Unlock()
	for ch := range r.watchers {
		select {
		case ch <- snap:
		default:
		}
	}
}
