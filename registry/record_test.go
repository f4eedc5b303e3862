package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawlim/kenny/core"
)

func testManifest(agentID, version string, verbs ...string) *core.AgentManifest {
	if len(verbs) == 0 {
		verbs = []string{"messages.search"}
	}
	caps := make([]core.CapabilityDescriptor, len(verbs))
	for i, v := range verbs {
		caps[i] = core.CapabilityDescriptor{
			Verb: v,
			SLA:  &core.SLA{TargetLatencyMs: 100, MaxLatencyMs: 1000},
		}
	}
	return &core.AgentManifest{
		AgentID:      agentID,
		DisplayName:  agentID,
		Version:      version,
		AgentType:    core.AgentTypeBasic,
		Capabilities: caps,
		HealthCheck:  core.HealthCheckSpec{Endpoint: "http://localhost:9/health", IntervalSeconds: 30},
	}
}

func pollAt(rec *Record, success bool, latency time.Duration, at time.Time) core.HealthStatus {
	return rec.observe(Observation{At: at, Latency: latency, Success: success})
}

// TestHealthTransitions walks the status machine through its rules.
func TestHealthTransitions(t *testing.T) {
	now := time.Now()

	t.Run("unknown settles healthy on first success", func(t *testing.T) {
		rec := newRecord(testManifest("a", "1.0.0"), "http://localhost:9", "")
		assert.Equal(t, core.HealthUnknown, rec.HealthStatus())
		assert.Equal(t, core.HealthHealthy, pollAt(rec, true, 50*time.Millisecond, now))
	})

	t.Run("two consecutive failures degrade", func(t *testing.T) {
		rec := newRecord(testManifest("a", "1.0.0"), "http://localhost:9", "")
		pollAt(rec, true, 50*time.Millisecond, now)
		assert.Equal(t, core.HealthHealthy, pollAt(rec, false, 0, now.Add(time.Second)))
		assert.Equal(t, core.HealthDegraded, pollAt(rec, false, 0, now.Add(2*time.Second)))
	})

	t.Run("five consecutive failures go unhealthy", func(t *testing.T) {
		rec := newRecord(testManifest("a", "1.0.0"), "http://localhost:9", "")
		pollAt(rec, true, 50*time.Millisecond, now)
		for i := 1; i <= 4; i++ {
			pollAt(rec, false, 0, now.Add(time.Duration(i)*time.Second))
		}
		assert.Equal(t, core.HealthDegraded, rec.HealthStatus())
		assert.Equal(t, core.HealthUnhealthy, pollAt(rec, false, 0, now.Add(5*time.Second)))
	})

	t.Run("three consecutive successes recover from unhealthy", func(t *testing.T) {
		rec := newRecord(testManifest("a", "1.0.0"), "http://localhost:9", "")
		for i := 0; i < 5; i++ {
			pollAt(rec, false, 0, now.Add(time.Duration(i)*time.Second))
		}
		require.Equal(t, core.HealthUnhealthy, rec.HealthStatus())

		assert.Equal(t, core.HealthUnhealthy, pollAt(rec, true, 50*time.Millisecond, now.Add(6*time.Second)))
		assert.Equal(t, core.HealthUnhealthy, pollAt(rec, true, 50*time.Millisecond, now.Add(7*time.Second)))
		assert.Equal(t, core.HealthHealthy, pollAt(rec, true, 50*time.Millisecond, now.Add(8*time.Second)))
	})

	t.Run("SLA breach degrades a healthy agent", func(t *testing.T) {
		// Capability SLA max is 1000ms, so a >2s poll is a breach.
		rec := newRecord(testManifest("a", "1.0.0"), "http://localhost:9", "")
		pollAt(rec, true, 50*time.Millisecond, now)
		assert.Equal(t, core.HealthDegraded, pollAt(rec, true, 2500*time.Millisecond, now.Add(time.Second)))
	})

	t.Run("resetHealth returns to unknown", func(t *testing.T) {
		rec := newRecord(testManifest("a", "1.0.0"), "http://localhost:9", "")
		pollAt(rec, true, 50*time.Millisecond, now)
		rec.resetHealth()
		assert.Equal(t, core.HealthUnknown, rec.HealthStatus())
	})
}

// TestSLAMaxLatencyPicksStrictest verifies the per-agent SLA bound.
func TestSLAMaxLatencyPicksStrictest(t *testing.T) {
	m := testManifest("a", "1.0.0", "messages.search", "messages.read")
	m.Capabilities[1].SLA = &core.SLA{MaxLatencyMs: 400}
	rec := newRecord(m, "http://localhost:9", "")
	assert.Equal(t, 400*time.Millisecond, rec.slaMaxLatency())
}

// TestPerfTrackerStats verifies percentiles and the bounded ring.
func TestPerfTrackerStats(t *testing.T) {
	p := NewPerfTracker()
	now := time.Now()
	for i := 1; i <= 100; i++ {
		p.Record(Observation{
			At:      now.Add(time.Duration(i) * time.Second),
			Latency: time.Duration(i) * time.Millisecond,
			Success: i%10 != 0,
		}, 90*time.Millisecond)
	}

	stats := p.Stats()
	assert.Equal(t, 100, stats.SampleCount)
	assert.InDelta(t, 0.9, stats.SuccessRate, 1e-9)
	assert.Equal(t, 50*time.Millisecond, stats.P50Latency)
	assert.Equal(t, 95*time.Millisecond, stats.P95Latency)
	assert.Equal(t, int64(10), stats.SLAViolations, "latencies 91..100 exceed the 90ms SLA")

	// The ring holds the newest 100 observations only.
	p.Record(Observation{At: now.Add(101 * time.Second), Latency: 500 * time.Millisecond, Success: true}, 0)
	assert.Equal(t, 100, p.Stats().SampleCount)
	last := p.Last(1)
	require.Len(t, last, 1)
	assert.Equal(t, 500*time.Millisecond, last[0].Latency)
}
