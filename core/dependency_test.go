package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRegistryClient resolves capability lookups from a fixed table.
type stubRegistryClient struct {
	refs      map[string][]CapabilityRef
	lookupErr error
}

func (s *stubRegistryClient) Register(ctx context.Context, manifest *AgentManifest, baseURL, healthEndpoint string) (string, error) {
	return "registered", nil
}

func (s *stubRegistryClient) Deregister(ctx context.Context, agentID string) error { return nil }

func (s *stubRegistryClient) GetAgent(ctx context.Context, agentID string) (*AgentSummary, error) {
	return nil, ErrAgentNotFound
}

func (s *stubRegistryClient) LookupCapability(ctx context.Context, verb string) ([]CapabilityRef, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.refs[verb], nil
}

func (s *stubRegistryClient) EvaluateEgress(ctx context.Context, serviceID, destination string, port int) (EgressDecision, error) {
	return EgressAllow, nil
}

// startDependencyAgent serves one verb the way the agent HTTP surface does,
// recording the caller header and parameters of each request.
func startDependencyAgent(t *testing.T, verb string, handler func(params map[string]interface{}) (interface{}, int)) (*httptest.Server, *string) {
	t.Helper()
	var caller string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller = r.Header.Get("X-Kenny-Caller")
		var body struct {
			Parameters map[string]interface{} `json:"parameters"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		value, status := handler(body.Parameters)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			json.NewEncoder(w).Encode(value)
			return
		}
		raw, err := json.Marshal(value)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(CallResult{Value: raw})
	}))
	t.Cleanup(server.Close)
	return server, &caller
}

func dependencyRefs(verb, agentID, baseURL string) map[string][]CapabilityRef {
	return map[string][]CapabilityRef{
		verb: {{Verb: verb, AgentID: agentID, BaseURL: baseURL, HealthStatus: HealthHealthy}},
	}
}

// TestQueryAgentResolvesThroughRegistry verifies the registry picks the
// target and the call carries the caller's identity.
func TestQueryAgentResolvesThroughRegistry(t *testing.T) {
	server, caller := startDependencyAgent(t, "contacts.resolve",
		func(params map[string]interface{}) (interface{}, int) {
			assert.Equal(t, "anna", params["name"])
			return map[string]string{"email": "anna@example.com"}, http.StatusOK
		})

	agent := newTestAgent(t)
	agent.Registry = &stubRegistryClient{refs: dependencyRefs("contacts.resolve", "contacts-agent", server.URL)}
	agent.RegisterDependency(Dependency{Verb: "contacts.resolve"})
	initAgent(t, agent)

	result, err := agent.QueryAgent(context.Background(), "contacts.resolve",
		map[string]interface{}{"name": "anna"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"email": "anna@example.com"}`, string(result.Value))
	assert.Equal(t, "test-agent", *caller)
}

// TestQueryAgentTimeout verifies a slow dependency surfaces as
// dependency_unavailable within the registered timeout.
func TestQueryAgentTimeout(t *testing.T) {
	server, _ := startDependencyAgent(t, "contacts.resolve",
		func(params map[string]interface{}) (interface{}, int) {
			time.Sleep(300 * time.Millisecond)
			return map[string]string{}, http.StatusOK
		})

	agent := newTestAgent(t)
	agent.Registry = &stubRegistryClient{refs: dependencyRefs("contacts.resolve", "contacts-agent", server.URL)}
	agent.RegisterDependency(Dependency{Verb: "contacts.resolve", Timeout: 50 * time.Millisecond})
	initAgent(t, agent)

	start := time.Now()
	_, err := agent.QueryAgent(context.Background(), "contacts.resolve", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDependencyUnavailable))
	assert.Equal(t, KindDependencyUnavailable, KindOf(err))
	assert.Less(t, time.Since(start), 250*time.Millisecond, "the dependency timeout bounds the wait")
}

// TestQueryAgentUnresolvable covers the resolution failure modes.
func TestQueryAgentUnresolvable(t *testing.T) {
	t.Run("no registry configured", func(t *testing.T) {
		agent := newTestAgent(t)
		initAgent(t, agent)

		_, err := agent.QueryAgent(context.Background(), "contacts.resolve", nil)
		require.Error(t, err)
		assert.Equal(t, KindDependencyUnavailable, KindOf(err))
	})

	t.Run("no agent advertises the verb", func(t *testing.T) {
		agent := newTestAgent(t)
		agent.Registry = &stubRegistryClient{}
		initAgent(t, agent)

		_, err := agent.QueryAgent(context.Background(), "contacts.resolve", nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDependencyUnavailable))
	})

	t.Run("registry lookup fails", func(t *testing.T) {
		agent := newTestAgent(t)
		agent.Registry = &stubRegistryClient{lookupErr: errors.New("registry down")}
		initAgent(t, agent)

		_, err := agent.QueryAgent(context.Background(), "contacts.resolve", nil)
		require.Error(t, err)
		assert.Equal(t, KindDependencyUnavailable, KindOf(err))
		assert.Contains(t, err.Error(), "registry down")
	})
}

// TestQueryAgentTargetError verifies a target-side error envelope folds into
// dependency_unavailable rather than leaking the remote kind.
func TestQueryAgentTargetError(t *testing.T) {
	server, _ := startDependencyAgent(t, "contacts.resolve",
		func(params map[string]interface{}) (interface{}, int) {
			return ErrorEnvelope{ErrorKind: KindPolicyBlocked, Message: "destination blocked"}, http.StatusForbidden
		})

	agent := newTestAgent(t)
	agent.Registry = &stubRegistryClient{refs: dependencyRefs("contacts.resolve", "contacts-agent", server.URL)}
	initAgent(t, agent)

	_, err := agent.QueryAgent(context.Background(), "contacts.resolve", nil)
	require.Error(t, err)
	assert.Equal(t, KindDependencyUnavailable, KindOf(err))
	assert.Contains(t, err.Error(), "destination blocked")
}

// TestDependencyDisposition shows the optional-vs-required handler contract:
// a required dependency fails the capability, an optional one degrades it.
func TestDependencyDisposition(t *testing.T) {
	newAgent := func(t *testing.T) *AgentService {
		agent := newTestAgent(t)
		// Nothing advertises contacts.resolve: every dependency call fails.
		agent.Registry = &stubRegistryClient{}
		agent.RegisterDependency(Dependency{Verb: "contacts.resolve", Optional: true, Timeout: time.Second})
		return agent
	}

	t.Run("required dependency fails the capability", func(t *testing.T) {
		agent := newAgent(t)
		agent.RegisterCapability(CapabilityDescriptor{Verb: "mail.summarize"},
			func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				if _, err := agent.QueryAgent(ctx, "contacts.resolve", params); err != nil {
					return nil, err
				}
				return map[string]string{"summary": "full"}, nil
			})
		initAgent(t, agent)

		_, err := agent.HandleCapability(context.Background(), "mail.summarize",
			map[string]interface{}{"name": "anna"})
		require.Error(t, err)
		assert.Equal(t, KindDependencyUnavailable, KindOf(err))
	})

	t.Run("optional dependency degrades the capability", func(t *testing.T) {
		agent := newAgent(t)
		agent.RegisterCapability(CapabilityDescriptor{Verb: "mail.summarize"},
			func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				summary := map[string]interface{}{"summary": "full"}
				if _, err := agent.QueryAgent(ctx, "contacts.resolve", params); err != nil {
					summary["summary"] = "partial"
					summary["warning"] = "contacts unavailable"
				}
				return summary, nil
			})
		initAgent(t, agent)

		result, err := agent.HandleCapability(context.Background(), "mail.summarize",
			map[string]interface{}{"name": "anna"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"summary": "partial", "warning": "contacts unavailable"}`, string(result.Value))
	})
}
