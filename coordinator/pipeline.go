package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joshuawlim/kenny/core"
	"github.com/joshuawlim/kenny/security"
)

const defaultPlanMax = 64

// RegistrySource is the slice of the registry API the coordinator needs.
type RegistrySource interface {
	LookupCapability(ctx context.Context, verb string) ([]core.CapabilityRef, error)
	ListCapabilities(ctx context.Context) ([]core.CapabilityRef, error)
	ListAgents(ctx context.Context) ([]core.AgentSummary, error)
}

// Config sizes the coordinator.
type Config struct {
	Port         int           `yaml:"port"`
	LLMModel     string        `yaml:"llm_model"`
	FanOutMax    int           `yaml:"fanout_max"`
	PlanMax      int           `yaml:"plan_max"`
	PlanSizeMax  int           `yaml:"plan_size_max"`
	PlanDepthMax int           `yaml:"plan_depth_max"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Port:      8002,
		LLMModel:  "gpt-4o-mini",
		FanOutMax: defaultFanOut,
		PlanMax:   defaultPlanMax,
	}
}

// Coordinator drives the Router → Planner → Executor → Reviewer pipeline
// and bounds the number of concurrently live plans.
type Coordinator struct {
	config   Config
	router   *Router
	planner  *Planner
	executor *Executor
	reviewer *Reviewer
	registry RegistrySource
	logger   core.Logger

	planSlots chan struct{}

	quarantineMu sync.Mutex
	quarantined  map[string]bool
}

// New assembles a coordinator. ai may be nil (rule-based routing and
// single-capability planning only); plane may be nil.
func New(config Config, registry RegistrySource, ai core.AIClient, plane *security.Plane, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.PlanMax <= 0 {
		config.PlanMax = defaultPlanMax
	}
	lookup := registry.LookupCapability
	planner := NewPlanner(ai, config.LLMModel, lookup, logger)
	planner.SetBounds(config.PlanSizeMax, config.PlanDepthMax)
	return &Coordinator{
		config:      config,
		router:      NewRouter(ai, config.LLMModel, nil, logger),
		planner:     planner,
		executor:    NewExecutor(lookup, config.FanOutMax, logger),
		reviewer:    NewReviewer(lookup, plane, logger),
		registry:    registry,
		logger:      logger,
		planSlots:   make(chan struct{}, config.PlanMax),
		quarantined: make(map[string]bool),
	}
}

// Quarantine marks a service's outputs tainted; subsequent reviews flag
// results from that agent. Wired as the security plane's quarantine hook.
func (c *Coordinator) Quarantine(serviceID string) {
	c.quarantineMu.Lock()
	c.quarantined[serviceID] = true
	c.quarantineMu.Unlock()
	c.logger.Warn("Service quarantined", map[string]interface{}{
		"operation":  "quarantine",
		"service_id": serviceID,
	})
}

func (c *Coordinator) isQuarantined(serviceID string) bool {
	c.quarantineMu.Lock()
	defer c.quarantineMu.Unlock()
	return c.quarantined[serviceID]
}

// ProcessStream runs the pipeline for one request, emitting chunks on the
// returned channel. The channel closes after final_result (or an error
// chunk). Cancelling ctx stops in-flight calls at their next suspension
// point; no further chunks are emitted after that.
func (c *Coordinator) ProcessStream(ctx context.Context, query string, queryContext map[string]interface{}) <-chan Chunk {
	out := make(chan Chunk, 16)

	select {
	case c.planSlots <- struct{}{}:
	default:
		go func() {
			defer close(out)
			out <- errorChunk(uuid.New().String(), core.KindOverloaded, "concurrent plan limit reached")
		}()
		return out
	}

	correlationID := core.CorrelationFrom(ctx)
	if correlationID == "" {
		correlationID = uuid.New().String()
		ctx = core.WithCorrelation(ctx, correlationID)
	}
	go func() {
		defer func() { <-c.planSlots }()
		defer close(out)
		c.run(ctx, query, queryContext, correlationID, out)
	}()
	return out
}

// Process runs the pipeline synchronously and returns the final result.
func (c *Coordinator) Process(ctx context.Context, query string, queryContext map[string]interface{}) (*FinalResult, error) {
	var final *FinalResult
	var failure *Chunk
	for chunk := range c.ProcessStream(ctx, query, queryContext) {
		switch chunk.Type {
		case ChunkFinalResult:
			if fr, ok := chunk.Data.(*FinalResult); ok {
				final = fr
			}
		case ChunkError:
			cp := chunk
			failure = &cp
		}
	}
	if final != nil {
		return final, nil
	}
	if failure != nil {
		if data, ok := failure.Data.(map[string]string); ok {
			return nil, &core.FabricError{
				Op:      "coordinator.Process",
				Kind:    core.ErrorKind(data["error_kind"]),
				Message: data["message"],
			}
		}
	}
	return nil, core.NewFabricError("coordinator.Process", core.KindCancelled, core.ErrContextCanceled)
}

// run drives the per-request state machine. Every emit goes through step()
// so chunks stop the moment the client cancels.
func (c *Coordinator) run(ctx context.Context, query string, queryContext map[string]interface{}, correlationID string, out chan<- Chunk) {
	start := time.Now()
	state := StateReceived

	emit := func(chunk Chunk) {
		// Both select cases are ready once ctx is cancelled (the channel is
		// buffered), so the cancellation check must come first.
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
		case out <- chunk:
		}
	}
	fail := func(kind core.ErrorKind, msg string) {
		state = StateFailed
		emit(errorChunk(correlationID, kind, msg))
	}
	advance := func(to RequestState) bool {
		if !canTransition(state, to) {
			return false
		}
		state = to
		return true
	}

	// Router
	emit(Chunk{Type: ChunkRouterStart, Timestamp: time.Now(), CorrelationID: correlationID})
	catalog, err := c.registry.ListCapabilities(ctx)
	if err != nil {
		fail(core.KindUpstreamUnavailable, "registry unavailable: "+err.Error())
		return
	}
	decision := c.router.Route(ctx, query, queryContext, catalog)
	advance(StateRouted)
	emit(Chunk{Type: ChunkRouterDone, Timestamp: time.Now(), CorrelationID: correlationID, Data: decision})
	if ctx.Err() != nil {
		return
	}

	// Planner
	emit(Chunk{Type: ChunkPlannerStart, Timestamp: time.Now(), CorrelationID: correlationID})
	plan, err := c.planner.BuildPlan(ctx, query, queryContext, decision, catalog)
	if err != nil {
		fail(core.KindOf(err), err.Error())
		return
	}
	advance(StatePlanned)
	emit(Chunk{Type: ChunkPlannerDone, Timestamp: time.Now(), CorrelationID: correlationID, Data: plan})
	if ctx.Err() != nil {
		return
	}

	// Executor
	advance(StateExecuting)
	results := c.executor.Execute(ctx, plan, correlationID, emit)
	if ctx.Err() != nil {
		return
	}

	// Reviewer
	advance(StateReviewing)
	report := c.reviewer.Review(ctx, plan, results)
	c.flagQuarantined(plan, results, report)
	emit(Chunk{Type: ChunkReviewerDone, Timestamp: time.Now(), CorrelationID: correlationID, Data: report})
	if ctx.Err() != nil {
		return
	}

	advance(StateDone)
	emit(Chunk{Type: ChunkFinalResult, Timestamp: time.Now(), CorrelationID: correlationID, Data: &FinalResult{
		PlanID:     plan.PlanID,
		State:      state,
		Intent:     plan.IntentLabel,
		Strategy:   plan.Strategy,
		Results:    results,
		Compliance: report,
		DurationMs: time.Since(start).Milliseconds(),
	}})
}

// flagQuarantined marks results from quarantined services for re-review.
func (c *Coordinator) flagQuarantined(plan *Plan, results []*ExecutionResult, report *ComplianceReport) {
	byID := callIndex(plan.Calls)
	for _, result := range results {
		call, ok := byID[result.CallID]
		if !ok || !c.isQuarantined(call.AgentID) {
			continue
		}
		report.Compliant = false
		report.PolicyBlocks = append(report.PolicyBlocks, result.CallID+": source agent quarantined, result requires re-review")
		if result.Warning == "" {
			result.Warning = "source agent quarantined"
		}
	}
}

func errorChunk(correlationID string, kind core.ErrorKind, msg string) Chunk {
	return Chunk{
		Type:          ChunkError,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
		Data:          map[string]string{"error_kind": string(kind), "message": msg},
	}
}
