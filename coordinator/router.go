package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joshuawlim/kenny/core"
)

// RouteRule short-circuits the LLM for clearly-scoped utterances: if every
// keyword appears in the utterance, the rule's intent wins.
type RouteRule struct {
	Keywords []string
	Intent   string
	Strategy Strategy
}

// defaultRouteRules covers the common single-capability intents.
var defaultRouteRules = []RouteRule{
	{Keywords: []string{"search", "email"}, Intent: "mail_search", Strategy: StrategySingle},
	{Keywords: []string{"search", "mail"}, Intent: "mail_search", Strategy: StrategySingle},
	{Keywords: []string{"search", "message"}, Intent: "message_search", Strategy: StrategySingle},
	{Keywords: []string{"calendar"}, Intent: "calendar_read", Strategy: StrategySingle},
	{Keywords: []string{"contact"}, Intent: "contact_resolve", Strategy: StrategySingle},
	{Keywords: []string{"remember"}, Intent: "memory_retrieve", Strategy: StrategySingle},
}

// Router classifies an utterance into an intent. Rules run first; the LLM
// classifier next; if both fail the intent is "unknown" and the Planner
// still attempts a best-effort single-agent plan.
type Router struct {
	ai     core.AIClient
	model  string
	rules  []RouteRule
	logger core.Logger
}

// NewRouter creates a router. ai may be nil (rules only).
func NewRouter(ai core.AIClient, model string, rules []RouteRule, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if rules == nil {
		rules = defaultRouteRules
	}
	return &Router{ai: ai, model: model, rules: rules, logger: logger}
}

// Route classifies the utterance. queryContext is the caller's optional
// context, passed to the LLM verbatim; catalog is the registry's current
// capability set, used to enumerate known intents.
func (r *Router) Route(ctx context.Context, utterance string, queryContext map[string]interface{}, catalog []core.CapabilityRef) RouteDecision {
	if decision, ok := r.routeByRules(utterance); ok {
		return decision
	}
	if r.ai != nil {
		if decision, err := r.routeByLLM(ctx, utterance, queryContext, catalog); err == nil {
			return decision
		} else {
			r.logger.Warn("LLM routing failed", map[string]interface{}{
				"operation": "route",
				"error":     err.Error(),
			})
		}
	}
	return RouteDecision{IntentLabel: "unknown", Confidence: 0, SuggestedStrategy: StrategySingle, NeedsClarification: true}
}

func (r *Router) routeByRules(utterance string) (RouteDecision, bool) {
	lower := strings.ToLower(utterance)
	for _, rule := range r.rules {
		all := true
		for _, kw := range rule.Keywords {
			if !strings.Contains(lower, kw) {
				all = false
				break
			}
		}
		if all {
			return RouteDecision{
				IntentLabel:       rule.Intent,
				Confidence:        0.9,
				SuggestedStrategy: rule.Strategy,
			}, true
		}
	}
	return RouteDecision{}, false
}

type llmRoute struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
}

func (r *Router) routeByLLM(ctx context.Context, utterance string, queryContext map[string]interface{}, catalog []core.CapabilityRef) (RouteDecision, error) {
	var sb strings.Builder
	sb.WriteString("Known capability verbs:\n")
	seen := make(map[string]bool)
	for _, ref := range catalog {
		if !seen[ref.Verb] {
			seen[ref.Verb] = true
			sb.WriteString("- ")
			sb.WriteString(ref.Verb)
			sb.WriteString("\n")
		}
	}
	if len(queryContext) > 0 {
		if raw, err := json.Marshal(queryContext); err == nil {
			sb.WriteString("\nCaller context: ")
			sb.Write(raw)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\nUser request: ")
	sb.WriteString(utterance)
	sb.WriteString("\n\nClassify the request. Respond with a single JSON object {\"intent\": <short_snake_case_label>, \"confidence\": <0..1>, \"strategy\": <\"single\"|\"parallel\"|\"sequential\"|\"mixed\">}. Use strategy single when one capability suffices, otherwise the strategy matching how the needed capabilities depend on each other.")

	resp, err := r.ai.GenerateResponse(ctx, sb.String(), &core.AIOptions{
		Model:        r.model,
		Temperature:  0.1,
		MaxTokens:    200,
		SystemPrompt: "You classify personal-assistant requests against a capability catalog.",
	})
	if err != nil {
		return RouteDecision{}, err
	}

	raw := extractJSON(resp.Content)
	if raw == "" {
		return RouteDecision{}, fmt.Errorf("no JSON object in classifier response")
	}
	var parsed llmRoute
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return RouteDecision{}, fmt.Errorf("decode classifier response: %w", err)
	}
	if parsed.Intent == "" {
		return RouteDecision{}, fmt.Errorf("classifier produced empty intent")
	}
	strategy := Strategy(parsed.Strategy)
	switch strategy {
	case StrategySingle, StrategyParallel, StrategySequential, StrategyMixed:
	default:
		strategy = StrategySingle
	}
	return RouteDecision{
		IntentLabel:       parsed.Intent,
		Confidence:        parsed.Confidence,
		SuggestedStrategy: strategy,
	}, nil
}

// extractJSON pulls the first balanced JSON object out of model output.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
