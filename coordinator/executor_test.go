package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawlim/kenny/core"
)

// capabilityHandler is a fake agent endpoint for one verb.
type capabilityHandler func(params map[string]interface{}) (interface{}, int)

// newFakeAgent serves POST /capabilities/<verb> from the handler map and
// records the parameters of every call.
func newFakeAgent(t *testing.T, handlers map[string]capabilityHandler) (*httptest.Server, func(verb string) []map[string]interface{}) {
	t.Helper()
	var mu sync.Mutex
	seen := make(map[string][]map[string]interface{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verb := r.URL.Path[len("/capabilities/"):]
		var body struct {
			Parameters map[string]interface{} `json:"parameters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		seen[verb] = append(seen[verb], body.Parameters)
		mu.Unlock()

		handler, ok := handlers[verb]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		value, status := handler(body.Parameters)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			json.NewEncoder(w).Encode(value)
			return
		}
		raw, err := json.Marshal(value)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"value":          json.RawMessage(raw),
			"cache_tier_hit": nil,
		})
	}))
	t.Cleanup(server.Close)

	calls := func(verb string) []map[string]interface{} {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]interface{}(nil), seen[verb]...)
	}
	return server, calls
}

func agentLookup(agentID, baseURL string, verbs ...string) CapabilityLookup {
	refs := make(map[string][]core.CapabilityRef, len(verbs))
	for _, verb := range verbs {
		refs[verb] = []core.CapabilityRef{{
			Verb:         verb,
			AgentID:      agentID,
			BaseURL:      baseURL,
			HealthStatus: core.HealthHealthy,
		}}
	}
	return func(ctx context.Context, verb string) ([]core.CapabilityRef, error) {
		return refs[verb], nil
	}
}

func collectChunks() (func(Chunk), func() []Chunk) {
	var mu sync.Mutex
	var chunks []Chunk
	emit := func(c Chunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}
	get := func() []Chunk {
		mu.Lock()
		defer mu.Unlock()
		return append([]Chunk(nil), chunks...)
	}
	return emit, get
}

// TestExecutorSingleCall verifies the basic request/response path and the
// start/complete chunk pair.
func TestExecutorSingleCall(t *testing.T) {
	server, _ := newFakeAgent(t, map[string]capabilityHandler{
		"messages.search": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"count": 2}, http.StatusOK
		},
	})
	e := NewExecutor(agentLookup("mail-agent", server.URL, "messages.search"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{{
		CallID: "c1", Verb: "messages.search", AgentID: "mail-agent",
		BaseURL: server.URL, Parameters: map[string]interface{}{"query": "invoices"},
	}}}
	emit, chunks := collectChunks()
	results := e.Execute(context.Background(), plan, "corr-1", emit)

	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, 1, results[0].AttemptCount)
	assert.JSONEq(t, `{"count": 2}`, string(results[0].Value))

	got := chunks()
	require.Len(t, got, 2)
	assert.Equal(t, ChunkAgentCallStart, got[0].Type)
	assert.Equal(t, ChunkAgentCallComplete, got[1].Type)
	assert.Equal(t, "corr-1", got[0].CorrelationID)
}

// TestExecutorReferenceSubstitution verifies "$<call_id>" parameters receive
// the dependency's raw result.
func TestExecutorReferenceSubstitution(t *testing.T) {
	server, calls := newFakeAgent(t, map[string]capabilityHandler{
		"messages.search": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"ids": []string{"m1"}}, http.StatusOK
		},
		"messages.read": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"body": "hello"}, http.StatusOK
		},
	})
	e := NewExecutor(agentLookup("mail-agent", server.URL, "messages.search", "messages.read"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{
		{CallID: "c1", Verb: "messages.search", AgentID: "mail-agent", BaseURL: server.URL,
			Parameters: map[string]interface{}{"query": "invoices"}},
		{CallID: "c2", Verb: "messages.read", AgentID: "mail-agent", BaseURL: server.URL,
			Parameters: map[string]interface{}{"id": "$c1"}, DependsOn: []string{"c1"}},
	}}
	results := e.Execute(context.Background(), plan, "corr-2", func(Chunk) {})

	require.Len(t, results, 2)
	assert.Equal(t, StatusOK, results[1].Status)

	reads := calls("messages.read")
	require.Len(t, reads, 1)
	assert.Equal(t, map[string]interface{}{"ids": []interface{}{"m1"}}, reads[0]["id"],
		"the placeholder was replaced with c1's result")
}

// TestExecutorTimeout verifies a slow agent yields a timeout status.
func TestExecutorTimeout(t *testing.T) {
	server, _ := newFakeAgent(t, map[string]capabilityHandler{
		"slow.verb": func(params map[string]interface{}) (interface{}, int) {
			time.Sleep(300 * time.Millisecond)
			return map[string]interface{}{}, http.StatusOK
		},
	})
	e := NewExecutor(agentLookup("slow-agent", server.URL, "slow.verb"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{{
		CallID: "c1", Verb: "slow.verb", AgentID: "slow-agent",
		BaseURL: server.URL, Parameters: map[string]interface{}{}, TimeoutMs: 50,
	}}}
	results := e.Execute(context.Background(), plan, "corr-3", func(Chunk) {})

	require.Len(t, results, 1)
	assert.Equal(t, StatusTimeout, results[0].Status)
	assert.Equal(t, core.KindTimeout, results[0].ErrorKind)
}

// TestExecutorSkipsDependents verifies a required dependency failure marks
// its dependents skipped without calling them.
func TestExecutorSkipsDependents(t *testing.T) {
	server, calls := newFakeAgent(t, map[string]capabilityHandler{
		"flaky.verb": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"message": "boom"}, http.StatusInternalServerError
		},
		"down.verb": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{}, http.StatusOK
		},
	})
	e := NewExecutor(agentLookup("a", server.URL, "flaky.verb", "down.verb"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{
		{CallID: "c1", Verb: "flaky.verb", AgentID: "a", BaseURL: server.URL, Parameters: map[string]interface{}{}},
		{CallID: "c2", Verb: "down.verb", AgentID: "a", BaseURL: server.URL,
			Parameters: map[string]interface{}{}, DependsOn: []string{"c1"}},
	}}
	results := e.Execute(context.Background(), plan, "corr-4", func(Chunk) {})

	require.Len(t, results, 2)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Equal(t, StatusSkippedDep, results[1].Status)
	assert.Empty(t, calls("down.verb"), "the dependent was never dispatched")
}

// TestExecutorOptionalDepWarning verifies a failed optional dependency lets
// the dependent proceed with a reduced-context warning.
func TestExecutorOptionalDepWarning(t *testing.T) {
	server, calls := newFakeAgent(t, map[string]capabilityHandler{
		"flaky.verb": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"message": "boom"}, http.StatusInternalServerError
		},
		"main.verb": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"ok": true}, http.StatusOK
		},
	})
	e := NewExecutor(agentLookup("a", server.URL, "flaky.verb", "main.verb"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{
		{CallID: "c1", Verb: "flaky.verb", AgentID: "a", BaseURL: server.URL,
			Parameters: map[string]interface{}{}, Optional: true},
		{CallID: "c2", Verb: "main.verb", AgentID: "a", BaseURL: server.URL,
			Parameters: map[string]interface{}{}, DependsOn: []string{"c1"}},
	}}
	results := e.Execute(context.Background(), plan, "corr-5", func(Chunk) {})

	require.Len(t, results, 2)
	assert.Equal(t, StatusOK, results[1].Status)
	assert.Contains(t, results[1].Warning, "c1")
	assert.Len(t, calls("main.verb"), 1)
}

// TestExecutorPolicyEnvelope verifies structured agent errors map onto call
// statuses.
func TestExecutorPolicyEnvelope(t *testing.T) {
	server, _ := newFakeAgent(t, map[string]capabilityHandler{
		"guarded.verb": func(params map[string]interface{}) (interface{}, int) {
			return core.ErrorEnvelope{ErrorKind: core.KindPolicyBlocked, Message: "write requires approval"},
				http.StatusForbidden
		},
	})
	e := NewExecutor(agentLookup("a", server.URL, "guarded.verb"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{{
		CallID: "c1", Verb: "guarded.verb", AgentID: "a",
		BaseURL: server.URL, Parameters: map[string]interface{}{},
	}}}
	results := e.Execute(context.Background(), plan, "corr-6", func(Chunk) {})

	require.Len(t, results, 1)
	assert.Equal(t, StatusBlockedByPolicy, results[0].Status)
	assert.Equal(t, core.KindPolicyBlocked, results[0].ErrorKind)
}

// TestExecutorReResolvesBaseURL verifies the registry answer at execution
// time beats the plan-time address.
func TestExecutorReResolvesBaseURL(t *testing.T) {
	server, _ := newFakeAgent(t, map[string]capabilityHandler{
		"messages.search": func(params map[string]interface{}) (interface{}, int) {
			return map[string]interface{}{"count": 0}, http.StatusOK
		},
	})
	e := NewExecutor(agentLookup("mail-agent", server.URL, "messages.search"), 8, nil)

	plan := &Plan{Calls: []CapabilityCall{{
		CallID: "c1", Verb: "messages.search", AgentID: "mail-agent",
		BaseURL: "http://127.0.0.1:1", Parameters: map[string]interface{}{},
	}}}
	results := e.Execute(context.Background(), plan, "corr-7", func(Chunk) {})

	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status, "stale plan address was re-resolved")
}
