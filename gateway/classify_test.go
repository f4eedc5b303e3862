package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawlim/kenny/core"
)

// stubAI returns canned responses in order and errors once exhausted.
type stubAI struct {
	responses []string
	calls     int
}

func (s *stubAI) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if s.calls >= len(s.responses) {
		return nil, errors.New("no canned response left")
	}
	content := s.responses[s.calls]
	s.calls++
	return &core.AIResponse{Content: content, Model: "stub"}, nil
}

// fabricAgent describes one agent served by the fake registry.
type fabricAgent struct {
	manifest *core.AgentManifest
	baseURL  string
}

// startRegistry serves the registry read API for a fixed agent set and
// counts requests so tests can observe caching.
func startRegistry(t *testing.T, agents map[string]fabricAgent) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64

	var refs []core.CapabilityRef
	var summaries []core.AgentSummary
	for id, a := range agents {
		summaries = append(summaries, core.AgentSummary{
			AgentID:      id,
			DisplayName:  a.manifest.DisplayName,
			Version:      a.manifest.Version,
			AgentType:    a.manifest.AgentType,
			BaseURL:      a.baseURL,
			HealthStatus: core.HealthHealthy,
		})
		for _, cap := range a.manifest.Capabilities {
			refs = append(refs, core.CapabilityRef{
				Verb:              cap.Verb,
				AgentID:           id,
				BaseURL:           a.baseURL,
				SafetyAnnotations: cap.SafetyAnnotations,
				HealthStatus:      core.HealthHealthy,
			})
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/agents":
			json.NewEncoder(w).Encode(summaries)
		case strings.HasPrefix(r.URL.Path, "/agents/"):
			id := strings.TrimPrefix(r.URL.Path, "/agents/")
			a, ok := agents[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(core.ErrorEnvelope{ErrorKind: core.KindAgentUnknown, Message: "unknown agent"})
				return
			}
			json.NewEncoder(w).Encode(core.AgentSummary{
				AgentID:      id,
				AgentType:    a.manifest.AgentType,
				BaseURL:      a.baseURL,
				HealthStatus: core.HealthHealthy,
				Manifest:     a.manifest,
			})
		case r.URL.Path == "/capabilities":
			json.NewEncoder(w).Encode(refs)
		case strings.HasPrefix(r.URL.Path, "/capabilities/"):
			verb := strings.TrimPrefix(r.URL.Path, "/capabilities/")
			var out []core.CapabilityRef
			for _, ref := range refs {
				if ref.Verb == verb {
					out = append(out, ref)
				}
			}
			json.NewEncoder(w).Encode(out)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func mailManifest(agentType core.AgentType, directRoutable bool) *core.AgentManifest {
	return &core.AgentManifest{
		AgentID:     "mail-agent",
		DisplayName: "Mail Agent",
		Version:     "1.0.0",
		AgentType:   agentType,
		Capabilities: []core.CapabilityDescriptor{
			{Verb: "messages.search", DirectRoutable: directRoutable},
			{Verb: "messages.read", DirectRoutable: directRoutable},
		},
		HealthCheck: core.HealthCheckSpec{Endpoint: "/health", IntervalSeconds: 30},
	}
}

func calendarManifest() *core.AgentManifest {
	return &core.AgentManifest{
		AgentID:     "calendar-agent",
		DisplayName: "Calendar Agent",
		Version:     "1.0.0",
		AgentType:   core.AgentTypeBasic,
		Capabilities: []core.CapabilityDescriptor{
			{Verb: "calendar.list"},
		},
		HealthCheck: core.HealthCheckSpec{Endpoint: "/health", IntervalSeconds: 30},
	}
}

func newTestClassifier(t *testing.T, registryURL string, ai core.AIClient) *classifier {
	t.Helper()
	snapshot := newRegistrySnapshot(core.NewHTTPRegistryClient(registryURL, nil), &core.NoOpLogger{})
	return newClassifier(ai, "stub-model", snapshot, &core.NoOpLogger{})
}

// TestClassifyByRules covers the rule layer of direct-vs-orchestrated.
func TestClassifyByRules(t *testing.T) {
	ctx := context.Background()

	t.Run("dominant verb on a basic agent routes direct", func(t *testing.T) {
		registry, _ := startRegistry(t, map[string]fabricAgent{
			"mail-agent":     {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
			"calendar-agent": {manifest: calendarManifest(), baseURL: "http://cal.local"},
		})
		c := newTestClassifier(t, registry.URL, nil)

		cls := c.Classify(ctx, "search messages about invoices")
		assert.Equal(t, PathDirect, cls.Path)
		assert.Equal(t, "messages.search", cls.Verb)
		assert.Equal(t, "mail-agent", cls.AgentID)
		assert.Equal(t, "rules", cls.Source)
		assert.GreaterOrEqual(t, cls.Confidence, 0.8)
	})

	t.Run("composition markers force orchestration", func(t *testing.T) {
		registry, _ := startRegistry(t, map[string]fabricAgent{
			"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
		})
		c := newTestClassifier(t, registry.URL, nil)

		cls := c.Classify(ctx, "search messages and then add a calendar event")
		assert.Equal(t, PathCoordinator, cls.Path)
		assert.Equal(t, "rules", cls.Source)
	})

	t.Run("intelligent agent without direct_routable goes to the coordinator", func(t *testing.T) {
		registry, _ := startRegistry(t, map[string]fabricAgent{
			"mail-agent": {manifest: mailManifest(core.AgentTypeIntelligent, false), baseURL: "http://mail.local"},
		})
		c := newTestClassifier(t, registry.URL, nil)

		cls := c.Classify(ctx, "search messages about invoices")
		assert.Equal(t, PathCoordinator, cls.Path)
		assert.Equal(t, "messages.search", cls.Verb, "the verb is still carried for degraded routing")
	})

	t.Run("direct_routable verbs on intelligent agents stay direct", func(t *testing.T) {
		registry, _ := startRegistry(t, map[string]fabricAgent{
			"mail-agent": {manifest: mailManifest(core.AgentTypeIntelligent, true), baseURL: "http://mail.local"},
		})
		c := newTestClassifier(t, registry.URL, nil)

		cls := c.Classify(ctx, "search messages about invoices")
		assert.Equal(t, PathDirect, cls.Path)
	})

	t.Run("no dominant verb falls back to the coordinator", func(t *testing.T) {
		registry, _ := startRegistry(t, map[string]fabricAgent{
			"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
		})
		c := newTestClassifier(t, registry.URL, nil)

		cls := c.Classify(ctx, "please handle this for me")
		assert.Equal(t, PathCoordinator, cls.Path)
		assert.Equal(t, "fallback", cls.Source)
	})
}

// TestClassifyByLLM covers the LLM layer behind the rules.
func TestClassifyByLLM(t *testing.T) {
	ctx := context.Background()
	agents := map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
	}

	t.Run("confident single verb routes direct", func(t *testing.T) {
		registry, _ := startRegistry(t, agents)
		ai := &stubAI{responses: []string{`{"verb": "messages.search", "composite": false, "confidence": 0.92}`}}
		c := newTestClassifier(t, registry.URL, ai)

		cls := c.Classify(ctx, "anything about my correspondence")
		assert.Equal(t, PathDirect, cls.Path)
		assert.Equal(t, "messages.search", cls.Verb)
		assert.Equal(t, "llm", cls.Source)
	})

	t.Run("composite requests go to the coordinator", func(t *testing.T) {
		registry, _ := startRegistry(t, agents)
		ai := &stubAI{responses: []string{`{"verb": "", "composite": true, "confidence": 0.9}`}}
		c := newTestClassifier(t, registry.URL, ai)

		cls := c.Classify(ctx, "do several things for me")
		assert.Equal(t, PathCoordinator, cls.Path)
	})

	t.Run("low confidence goes to the coordinator", func(t *testing.T) {
		registry, _ := startRegistry(t, agents)
		ai := &stubAI{responses: []string{`{"verb": "messages.search", "composite": false, "confidence": 0.5}`}}
		c := newTestClassifier(t, registry.URL, ai)

		cls := c.Classify(ctx, "maybe something with letters")
		assert.Equal(t, PathCoordinator, cls.Path)
		assert.Equal(t, 0.5, cls.Confidence)
	})
}

// TestClassificationCache verifies identical utterances inside the TTL skip
// re-classification.
func TestClassificationCache(t *testing.T) {
	registry, hits := startRegistry(t, map[string]fabricAgent{
		"mail-agent": {manifest: mailManifest(core.AgentTypeBasic, false), baseURL: "http://mail.local"},
	})
	c := newTestClassifier(t, registry.URL, nil)
	ctx := context.Background()

	first := c.Classify(ctx, "search messages about invoices")
	after := hits.Load()
	require.Positive(t, after)

	second := c.Classify(ctx, "search messages about invoices")
	assert.Equal(t, first, second)
	assert.Equal(t, after, hits.Load(), "cached classification makes no registry calls")
}
