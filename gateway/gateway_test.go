package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawlim/kenny/core"
)

// startAgent serves the two agent endpoints the gateway calls: the NL query
// entry and direct capability invocation.
func startAgent(t *testing.T, queryResult, capabilityResult interface{}) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/query":
			json.NewEncoder(w).Encode(queryResult)
		default:
			json.NewEncoder(w).Encode(capabilityResult)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestGateway(t *testing.T, registryURL, coordinatorURL string) *Gateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RegistryURL = registryURL
	cfg.CoordinatorURL = coordinatorURL
	return New(cfg, nil, nil)
}

// TestHandleQueryDirect verifies a confidently classified request skips the
// coordinator entirely.
func TestHandleQueryDirect(t *testing.T) {
	agent := startAgent(t, map[string]interface{}{"result": map[string]int{"count": 2}}, nil)
	registry, _ := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: agent.URL},
	})
	g := newTestGateway(t, registry.URL, "http://127.0.0.1:1")

	resp, err := g.HandleQuery(context.Background(), "search messages about invoices", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "agent:mail-agent"}, resp.ExecutionPath)
	assert.Equal(t, PathDirect, resp.Classification.Path)
	assert.JSONEq(t, `{"result": {"count": 2}}`, string(resp.Result))
}

// TestHandleQueryCoordinator verifies composite requests are forwarded with
// the caller's correlation id.
func TestHandleQueryCoordinator(t *testing.T) {
	var gotCorrelation string
	coordinator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/process", r.URL.Path)
		gotCorrelation = r.Header.Get("X-Correlation-ID")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"state": "done"})
	}))
	t.Cleanup(coordinator.Close)

	registry, _ := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
	})
	g := newTestGateway(t, registry.URL, coordinator.URL)

	ctx := core.WithCorrelation(context.Background(), "corr-42")
	resp, err := g.HandleQuery(ctx, "search messages and list my calendar", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "coordinator"}, resp.ExecutionPath)
	assert.JSONEq(t, `{"state": "done"}`, string(resp.Result))
	assert.Equal(t, "corr-42", gotCorrelation)
}

// TestDegradedDirect verifies the gateway falls back to best-effort direct
// routing when the coordinator is down and the verb is confidently known.
func TestDegradedDirect(t *testing.T) {
	agent := startAgent(t, map[string]interface{}{"result": "partial"}, nil)
	registry, _ := startRegistry(t, map[string]fabricAgent{
		// Intelligent without direct_routable: normally coordinator-bound.
		"mail-agent": {manifest: mailManifest(core.AgentTypeIntelligent, false), baseURL: agent.URL},
	})
	g := newTestGateway(t, registry.URL, "http://127.0.0.1:1")

	resp, err := g.HandleQuery(context.Background(), "search messages about invoices", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gateway", "degraded-direct", "agent:mail-agent"}, resp.ExecutionPath)
	assert.JSONEq(t, `{"result": "partial"}`, string(resp.Result))
}

// TestCoordinatorOutageWithoutFallback verifies an unclassifiable request
// surfaces the outage instead of guessing.
func TestCoordinatorOutageWithoutFallback(t *testing.T) {
	registry, _ := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
	})
	g := newTestGateway(t, registry.URL, "http://127.0.0.1:1")

	_, err := g.HandleQuery(context.Background(), "please handle this for me", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindUpstreamUnavailable, core.KindOf(err))
}

// TestFreezeBlocksCalls verifies the freeze response action stops both entry
// paths for the named service.
func TestFreezeBlocksCalls(t *testing.T) {
	agent := startAgent(t, map[string]interface{}{"result": "ok"}, map[string]interface{}{"value": "ok"})
	registry, _ := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: agent.URL},
	})
	g := newTestGateway(t, registry.URL, "http://127.0.0.1:1")
	g.Freeze("mail-agent")

	_, err := g.HandleQuery(context.Background(), "search messages about invoices", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindPolicyBlocked, core.KindOf(err))

	_, err = g.CallAgent(context.Background(), "mail-agent", "messages.search", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrPolicyBlocked)

	g.Unfreeze("mail-agent")
	_, err = g.CallAgent(context.Background(), "mail-agent", "messages.search", nil)
	assert.NoError(t, err)
}

// TestRateLimitResponseAction verifies the per-service token bucket gates
// admission after the burst is spent.
func TestRateLimitResponseAction(t *testing.T) {
	agent := startAgent(t, nil, map[string]interface{}{"value": "ok"})
	registry, _ := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: agent.URL},
	})
	g := newTestGateway(t, registry.URL, "http://127.0.0.1:1")
	g.RateLimit("mail-agent", 0, 2)

	for i := 0; i < 2; i++ {
		_, err := g.CallAgent(context.Background(), "mail-agent", "messages.search", nil)
		require.NoError(t, err)
	}
	_, err := g.CallAgent(context.Background(), "mail-agent", "messages.search", nil)
	require.Error(t, err)
	assert.Equal(t, core.KindOverloaded, core.KindOf(err))

	_, err = g.CallAgent(context.Background(), "calendar-agent", "calendar.list", nil)
	assert.NotEqual(t, core.KindOverloaded, core.KindOf(err), "limits are per service")
}

// TestAdmission verifies the gateway-wide inflight bound.
func TestAdmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InflightMax = 2
	g := New(cfg, nil, nil)

	release1, ok := g.admit()
	require.True(t, ok)
	_, ok = g.admit()
	require.True(t, ok)

	_, ok = g.admit()
	assert.False(t, ok, "third concurrent request is rejected")

	release1()
	release3, ok := g.admit()
	assert.True(t, ok, "slot freed by completion")
	release3()
}

// TestTokenBucket pins the refill arithmetic.
func TestTokenBucket(t *testing.T) {
	b := newTokenBucket(0, 1)
	assert.True(t, b.take())
	assert.False(t, b.take(), "zero refill rate never recovers")

	b = newTokenBucket(1000, 1)
	assert.True(t, b.take())
	assert.Eventually(t, b.take, 100*time.Millisecond, time.Millisecond,
		"bucket refills at 1000 tokens/s")
}

// TestSnapshotFallback verifies a registry outage degrades to the cached
// snapshot instead of failing routing.
func TestSnapshotFallback(t *testing.T) {
	registry, _ := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
	})
	snapshot := newRegistrySnapshot(core.NewHTTPRegistryClient(registry.URL, nil), &core.NoOpLogger{})
	ctx := context.Background()

	caps, err := snapshot.Capabilities(ctx)
	require.NoError(t, err)
	require.Len(t, caps, 2)

	registry.Close()

	caps, err = snapshot.Capabilities(ctx)
	require.NoError(t, err, "stale snapshot serves inside its TTL")
	assert.Len(t, caps, 2)

	refs, err := snapshot.Lookup(ctx, "messages.search")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "mail-agent", refs[0].AgentID)

	_, err = snapshot.Lookup(ctx, "unknown.verb")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCapabilityNotFound)
}
