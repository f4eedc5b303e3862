// Package coordinator implements the Router → Planner → Executor → Reviewer
// pipeline that decomposes a natural-language request into a plan over
// registered capabilities and drives its execution with progressive
// streaming.
package coordinator

import (
	"time"

	"github.com/joshuawlim/kenny/core"
)

// Strategy describes how a plan's calls relate.
type Strategy string

const (
	StrategySingle     Strategy = "single"
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
	StrategyMixed      Strategy = "mixed"
)

// StrategyHint marks a call as safe for concurrent dispatch or not.
type StrategyHint string

const (
	HintParallelOK StrategyHint = "parallel_ok"
	HintSequential StrategyHint = "sequential"
)

// CapabilityCall is one node of a plan.
type CapabilityCall struct {
	CallID       string                 `json:"call_id"`
	Verb         string                 `json:"verb"`
	AgentID      string                 `json:"agent_id"`
	BaseURL      string                 `json:"-"`
	Parameters   map[string]interface{} `json:"parameters"`
	DependsOn    []string               `json:"depends_on,omitempty"`
	StrategyHint StrategyHint           `json:"strategy_hint"`
	TimeoutMs    int                    `json:"timeout_ms"`
	Optional     bool                   `json:"optional,omitempty"`
}

// Plan is the immutable output of the Planner: a DAG of capability calls.
type Plan struct {
	PlanID           string           `json:"plan_id"`
	IntentLabel      string           `json:"intent_label"`
	Calls            []CapabilityCall `json:"calls"`
	Strategy         Strategy         `json:"strategy"`
	ApprovalRequired bool             `json:"approval_required"`
}

// CallStatus classifies one execution result.
type CallStatus string

const (
	StatusOK              CallStatus = "ok"
	StatusError           CallStatus = "error"
	StatusTimeout         CallStatus = "timeout"
	StatusSkippedDep      CallStatus = "skipped_due_to_dep_failure"
	StatusBlockedByPolicy CallStatus = "blocked_by_policy"
)

// ExecutionResult is the outcome of one capability call.
type ExecutionResult struct {
	CallID       string          `json:"call_id"`
	Status       CallStatus      `json:"status"`
	Value        core.RawResult  `json:"value,omitempty"`
	LatencyMs    int64           `json:"latency_ms"`
	AttemptCount int             `json:"attempt_count"`
	ErrorKind    core.ErrorKind  `json:"error_kind,omitempty"`
	AgentID      string          `json:"agent_id"`
	CacheTierHit *core.CacheTier `json:"cache_tier_hit"`
	Warning      string          `json:"warning,omitempty"`
}

// ChunkType enumerates the progressive stream chunk types in pipeline order.
type ChunkType string

const (
	ChunkRouterStart       ChunkType = "router_start"
	ChunkRouterDone        ChunkType = "router_done"
	ChunkPlannerStart      ChunkType = "planner_start"
	ChunkPlannerDone       ChunkType = "planner_done"
	ChunkAgentCallStart    ChunkType = "agent_call_start"
	ChunkAgentCallComplete ChunkType = "agent_call_complete"
	ChunkReviewerDone      ChunkType = "reviewer_done"
	ChunkFinalResult       ChunkType = "final_result"
	ChunkError             ChunkType = "error"
)

// Chunk is one element of a progressive stream.
type Chunk struct {
	Type          ChunkType   `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id"`
	Data          interface{} `json:"data,omitempty"`
}

// RequestState is the per-request pipeline state machine. Transitions are
// forward-only; failed is reachable from any non-terminal state.
type RequestState string

const (
	StateReceived  RequestState = "received"
	StateRouted    RequestState = "routed"
	StatePlanned   RequestState = "planned"
	StateExecuting RequestState = "executing"
	StateReviewing RequestState = "reviewing"
	StateDone      RequestState = "done"
	StateFailed    RequestState = "failed"
)

var stateOrder = map[RequestState]int{
	StateReceived:  0,
	StateRouted:    1,
	StatePlanned:   2,
	StateExecuting: 3,
	StateReviewing: 4,
	StateDone:      5,
}

// canTransition reports whether from → to is a legal forward transition.
func canTransition(from, to RequestState) bool {
	if from == StateDone || from == StateFailed {
		return false
	}
	if to == StateFailed {
		return true
	}
	return stateOrder[to] == stateOrder[from]+1
}

// RouteDecision is the Router's output.
type RouteDecision struct {
	IntentLabel       string   `json:"intent_label"`
	Confidence        float64  `json:"confidence"`
	SuggestedStrategy Strategy `json:"suggested_strategy"`
	NeedsClarification bool    `json:"needs_clarification,omitempty"`
}

// ComplianceReport is the Reviewer's output bundled into final_result.
type ComplianceReport struct {
	ApprovalsRequired []string `json:"approvals_required,omitempty"`
	PolicyBlocks      []string `json:"policy_blocks,omitempty"`
	EgressViolations  []string `json:"egress_violations,omitempty"`
	Compliant         bool     `json:"compliant"`
}

// FinalResult is the aggregate the pipeline emits as its last chunk.
type FinalResult struct {
	PlanID     string             `json:"plan_id"`
	State      RequestState       `json:"state"`
	Intent     string             `json:"intent_label"`
	Strategy   Strategy           `json:"strategy"`
	Results    []*ExecutionResult `json:"results"`
	Compliance *ComplianceReport  `json:"compliance,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}
