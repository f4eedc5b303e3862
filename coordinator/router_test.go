package coordinator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuawlim/kenny/core"
)

// stubAI returns canned responses in order and errors once exhausted.
type stubAI struct {
	responses []string
	prompts   []string
	calls     int
}

func (s *stubAI) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	s.prompts = append(s.prompts, prompt)
	if s.calls >= len(s.responses) {
		return nil, errors.New("no canned response left")
	}
	content := s.responses[s.calls]
	s.calls++
	return &core.AIResponse{Content: content, Model: "stub"}, nil
}

func testCatalog() []core.CapabilityRef {
	return []core.CapabilityRef{
		{Verb: "messages.search", AgentID: "mail-agent", BaseURL: "http://mail.local", HealthStatus: core.HealthHealthy},
		{Verb: "messages.read", AgentID: "mail-agent", BaseURL: "http://mail.local", HealthStatus: core.HealthHealthy},
		{Verb: "calendar.list", AgentID: "calendar-agent", BaseURL: "http://cal.local", HealthStatus: core.HealthHealthy},
	}
}

// TestRouteByRules verifies keyword rules short-circuit the LLM.
func TestRouteByRules(t *testing.T) {
	ai := &stubAI{}
	r := NewRouter(ai, "stub-model", nil, nil)

	decision := r.Route(context.Background(), "Search my email for invoices", nil, testCatalog())
	assert.Equal(t, "mail_search", decision.IntentLabel)
	assert.Equal(t, 0.9, decision.Confidence)
	assert.Equal(t, StrategySingle, decision.SuggestedStrategy)
	assert.Zero(t, ai.calls, "rules decided without the LLM")
}

// TestRouteByLLM verifies classifier output parsing, including JSON embedded
// in prose and bad strategy values.
func TestRouteByLLM(t *testing.T) {
	t.Run("JSON embedded in prose", func(t *testing.T) {
		ai := &stubAI{responses: []string{
			`Sure! Here is the classification: {"intent": "trip_planning", "confidence": 0.8, "strategy": "mixed"}`,
		}}
		r := NewRouter(ai, "stub-model", nil, nil)
		decision := r.Route(context.Background(), "plan my trip to Sydney", nil, testCatalog())
		assert.Equal(t, "trip_planning", decision.IntentLabel)
		assert.Equal(t, 0.8, decision.Confidence)
		assert.Equal(t, StrategyMixed, decision.SuggestedStrategy)
	})

	t.Run("unknown strategy falls back to single", func(t *testing.T) {
		ai := &stubAI{responses: []string{`{"intent": "trip_planning", "confidence": 0.8, "strategy": "dag"}`}}
		r := NewRouter(ai, "stub-model", nil, nil)
		decision := r.Route(context.Background(), "plan my trip", nil, testCatalog())
		assert.Equal(t, StrategySingle, decision.SuggestedStrategy)
	})

	t.Run("LLM failure yields unknown with clarification", func(t *testing.T) {
		r := NewRouter(&stubAI{}, "stub-model", nil, nil)
		decision := r.Route(context.Background(), "do the thing", nil, testCatalog())
		assert.Equal(t, "unknown", decision.IntentLabel)
		assert.True(t, decision.NeedsClarification)
	})

	t.Run("nil client yields unknown", func(t *testing.T) {
		r := NewRouter(nil, "", nil, nil)
		decision := r.Route(context.Background(), "do the thing", nil, testCatalog())
		assert.Equal(t, "unknown", decision.IntentLabel)
		assert.Zero(t, decision.Confidence)
	})

	t.Run("caller context reaches the classifier", func(t *testing.T) {
		ai := &stubAI{responses: []string{`{"intent": "trip_planning", "confidence": 0.8, "strategy": "mixed"}`}}
		r := NewRouter(ai, "stub-model", nil, nil)
		r.Route(context.Background(), "plan my trip", map[string]interface{}{"home_city": "Brisbane"}, testCatalog())
		require.Len(t, ai.prompts, 1)
		assert.Contains(t, ai.prompts[0], `"home_city":"Brisbane"`)
	})
}

// TestExtractJSON exercises the balanced-brace scanner.
func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"object in prose", `result: {"a": {"b": 2}} trailing`, `{"a": {"b": 2}}`},
		{"brace inside string", `{"a": "}"}`, `{"a": "}"}`},
		{"no object", "nothing here", ""},
		{"unbalanced", `{"a": 1`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}

	assert.Equal(t, `["a", ["b"]]`, extractJSONArray(`calls: ["a", ["b"]] done`))
	assert.Equal(t, "", extractJSONArray("no array"))
}
