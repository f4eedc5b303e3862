package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/joshuawlim/kenny/core"
)

const (
	defaultPlanSizeMax  = 16
	defaultPlanDepthMax = 4
	defaultCallTimeout  = 30000 // ms
)

// CapabilityLookup resolves the agents currently advertising a verb, best
// candidate first.
type CapabilityLookup func(ctx context.Context, verb string) ([]core.CapabilityRef, error)

// Planner turns a routed intent into a validated Plan DAG.
type Planner struct {
	ai           core.AIClient
	model        string
	lookup       CapabilityLookup
	logger       core.Logger
	planSizeMax  int
	planDepthMax int
}

// NewPlanner creates a planner. ai may be nil; multi-capability intents
// then degrade to single-capability plans.
func NewPlanner(ai core.AIClient, model string, lookup CapabilityLookup, logger core.Logger) *Planner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Planner{
		ai:           ai,
		model:        model,
		lookup:       lookup,
		logger:       logger,
		planSizeMax:  defaultPlanSizeMax,
		planDepthMax: defaultPlanDepthMax,
	}
}

// SetBounds overrides the plan size and depth limits.
func (p *Planner) SetBounds(sizeMax, depthMax int) {
	if sizeMax > 0 {
		p.planSizeMax = sizeMax
	}
	if depthMax > 0 {
		p.planDepthMax = depthMax
	}
}

// BuildPlan produces a validated plan for the routed intent. Every emitted
// call is resolved to a healthy-or-degraded agent; writes carrying the
// approval annotation flip the plan's approval_required flag.
func (p *Planner) BuildPlan(ctx context.Context, utterance string, queryContext map[string]interface{}, decision RouteDecision, catalog []core.CapabilityRef) (*Plan, error) {
	var calls []plannedCall
	var err error

	if decision.SuggestedStrategy == StrategySingle || decision.IntentLabel == "unknown" || p.ai == nil {
		calls, err = p.planSingle(utterance, queryContext, catalog)
	} else {
		calls, err = p.planLLM(ctx, utterance, queryContext, decision, catalog)
		if err != nil {
			p.logger.Warn("LLM planning failed, attempting single-capability plan", map[string]interface{}{
				"operation": "build_plan",
				"intent":    decision.IntentLabel,
				"error":     err.Error(),
			})
			calls, err = p.planSingle(utterance, queryContext, catalog)
		}
	}
	if err != nil {
		return nil, err
	}
	if len(calls) > p.planSizeMax {
		return nil, &core.FabricError{
			Op:      "planner.BuildPlan",
			Kind:    core.KindPolicyBlocked,
			Message: fmt.Sprintf("plan size %d exceeds limit %d", len(calls), p.planSizeMax),
			Err:     core.ErrPolicyBlocked,
		}
	}

	plan := &Plan{
		PlanID:      uuid.New().String(),
		IntentLabel: decision.IntentLabel,
	}
	for _, pc := range calls {
		resolved, err := p.resolveCall(ctx, pc)
		if err != nil {
			return nil, err
		}
		if p.requiresApproval(ctx, pc.Verb) {
			plan.ApprovalRequired = true
		}
		plan.Calls = append(plan.Calls, *resolved)
	}

	if err := validateDAG(plan.Calls); err != nil {
		return nil, &core.FabricError{
			Op:      "planner.BuildPlan",
			Kind:    core.KindInternal,
			Message: fmt.Sprintf("plan is not a valid DAG: %v", err),
		}
	}
	if depth := planDepth(plan.Calls); depth > p.planDepthMax {
		return nil, &core.FabricError{
			Op:      "planner.BuildPlan",
			Kind:    core.KindPolicyBlocked,
			Message: fmt.Sprintf("plan depth %d exceeds limit %d", depth, p.planDepthMax),
			Err:     core.ErrPolicyBlocked,
		}
	}
	plan.Strategy = deriveStrategy(plan.Calls)
	return plan, nil
}

type plannedCall struct {
	CallID     string                 `json:"call_id"`
	Verb       string                 `json:"verb"`
	Parameters map[string]interface{} `json:"parameters"`
	DependsOn  []string               `json:"depends_on,omitempty"`
	Optional   bool                   `json:"optional,omitempty"`
}

// planSingle picks the best-matching single capability by keyword overlap
// between the utterance and the verb/description.
func (p *Planner) planSingle(utterance string, queryContext map[string]interface{}, catalog []core.CapabilityRef) ([]plannedCall, error) {
	words := strings.Fields(strings.ToLower(utterance))
	best := ""
	bestScore := 0
	seen := make(map[string]bool)
	for _, ref := range catalog {
		if seen[ref.Verb] {
			continue
		}
		seen[ref.Verb] = true
		score := 0
		parts := strings.FieldsFunc(strings.ToLower(ref.Verb), func(r rune) bool {
			return r == '.' || r == '_'
		})
		for _, w := range words {
			for _, part := range parts {
				if w == part || strings.HasPrefix(w, part) || strings.HasPrefix(part, w) {
					score++
				}
			}
		}
		if score > bestScore {
			best, bestScore = ref.Verb, score
		}
	}
	if best == "" {
		return nil, &core.FabricError{
			Op:      "planner.planSingle",
			Kind:    core.KindCapabilityUnknown,
			Message: "no capability matches the request; clarification needed",
			Err:     core.ErrCapabilityNotFound,
		}
	}
	params := map[string]interface{}{"query": utterance}
	if len(queryContext) > 0 {
		params["context"] = queryContext
	}
	return []plannedCall{{
		CallID:     "c1",
		Verb:       best,
		Parameters: params,
	}}, nil
}

// planLLM asks the model for a call list with dependency edges.
func (p *Planner) planLLM(ctx context.Context, utterance string, queryContext map[string]interface{}, decision RouteDecision, catalog []core.CapabilityRef) ([]plannedCall, error) {
	var sb strings.Builder
	sb.WriteString("Available capabilities:\n")
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
			fmt.Fprintf(&sb, "\nCaller context: %s\n", raw)
		}
	}
	fmt.Fprintf(&sb, "\nIntent: %s\nUser request: %s\n\n", decision.IntentLabel, utterance)
	sb.WriteString(`Emit a JSON array of capability calls to satisfy the request. Each element: {"call_id": "c1", "verb": <verb from the list>, "parameters": <object>, "depends_on": [<earlier call_ids>], "optional": <bool>}. Reference a prior call's result in parameters as "$<call_id>". Order calls so dependencies come first. Respond with ONLY the JSON array.`)

	resp, err := p.ai.GenerateResponse(ctx, sb.String(), &core.AIOptions{
		Model:        p.model,
		Temperature:  0.1,
		MaxTokens:    800,
		SystemPrompt: "You decompose personal-assistant requests into capability call plans.",
	})
	if err != nil {
		return nil, err
	}

	raw := extractJSONArray(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON array in planner response")
	}
	var calls []plannedCall
	if err := json.Unmarshal([]byte(raw), &calls); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(calls) == 0 {
		return nil, fmt.Errorf("planner emitted an empty plan")
	}
	return calls, nil
}

// resolveCall binds a planned call to a live agent. Targets must be
// healthy or degraded.
func (p *Planner) resolveCall(ctx context.Context, pc plannedCall) (*CapabilityCall, error) {
	refs, err := p.lookup(ctx, pc.Verb)
	if err != nil || len(refs) == 0 {
		return nil, &core.FabricError{
			Op:      "planner.resolveCall",
			Kind:    core.KindCapabilityUnknown,
			ID:      pc.Verb,
			Message: fmt.Sprintf("no agent advertises %s", pc.Verb),
			Err:     core.ErrCapabilityNotFound,
		}
	}
	ref := refs[0]
	if ref.HealthStatus == core.HealthUnhealthy {
		return nil, &core.FabricError{
			Op:      "planner.resolveCall",
			Kind:    core.KindAgentUnhealthy,
			ID:      ref.AgentID,
			Message: fmt.Sprintf("agent %s for %s is unhealthy", ref.AgentID, pc.Verb),
			Err:     core.ErrAgentUnhealthy,
		}
	}

	hint := HintParallelOK
	if len(pc.DependsOn) > 0 {
		hint = HintSequential
	}
	params := pc.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}
	return &CapabilityCall{
		CallID:       pc.CallID,
		Verb:         pc.Verb,
		AgentID:      ref.AgentID,
		BaseURL:      ref.BaseURL,
		Parameters:   params,
		DependsOn:    pc.DependsOn,
		StrategyHint: hint,
		TimeoutMs:    defaultCallTimeout,
		Optional:     pc.Optional,
	}, nil
}

func (p *Planner) requiresApproval(ctx context.Context, verb string) bool {
	refs, err := p.lookup(ctx, verb)
	if err != nil {
		return false
	}
	for _, ref := range refs {
		for _, ann := range ref.SafetyAnnotations {
			if ann == core.SafetyWriteRequiresApproval {
				return true
			}
		}
	}
	return false
}

// deriveStrategy applies the decision table over the emitted calls.
func deriveStrategy(calls []CapabilityCall) Strategy {
	if len(calls) == 1 {
		return StrategySingle
	}
	withDeps := 0
	for _, call := range calls {
		if len(call.DependsOn) > 0 {
			withDeps++
		}
	}
	switch {
	case withDeps == 0:
		return StrategyParallel
	case withDeps == len(calls)-1 && planDepth(calls) == len(calls):
		return StrategySequential
	default:
		return StrategyMixed
	}
}

// extractJSONArray pulls the first balanced JSON array out of model output.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
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
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
