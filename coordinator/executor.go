package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/joshuawlim/kenny/core"
)

const defaultFanOut = 8

// Executor walks a plan topologically, dispatching independent calls
// concurrently up to the fan-out bound. No retries happen here: agents
// perform their own fallbacks, and a hard failure marks dependents skipped.
type Executor struct {
	lookup     CapabilityLookup
	httpClient *http.Client
	fanOut     int
	logger     core.Logger
	semaphore  chan struct{}
}

// NewExecutor creates an executor with the given fan-out bound.
func NewExecutor(lookup CapabilityLookup, fanOut int, logger core.Logger) *Executor {
	if fanOut <= 0 {
		fanOut = defaultFanOut
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Executor{
		lookup:     lookup,
		httpClient: &http.Client{},
		fanOut:     fanOut,
		logger:     logger,
		semaphore:  make(chan struct{}, fanOut),
	}
}

// Execute runs the plan, emitting agent_call_start/complete chunks through
// emit. Results come back keyed by call_id in plan order.
func (e *Executor) Execute(ctx context.Context, plan *Plan, correlationID string, emit func(Chunk)) []*ExecutionResult {
	done := make(map[string]*ExecutionResult, len(plan.Calls))
	var mu sync.Mutex

	for len(done) < len(plan.Calls) {
		if ctx.Err() != nil {
			break
		}

		ready := readyCalls(plan.Calls, done)
		if len(ready) == 0 {
			skipped := blockedCalls(plan.Calls, done)
			if len(skipped) == 0 {
				// validateDAG makes this unreachable; bail rather than spin.
				break
			}
			for _, call := range skipped {
				done[call.CallID] = &ExecutionResult{
					CallID:  call.CallID,
					AgentID: call.AgentID,
					Status:  StatusSkippedDep,
				}
			}
			continue
		}

		var wg sync.WaitGroup
		for _, call := range ready {
			wg.Add(1)
			go func(c CapabilityCall) {
				e.semaphore <- struct{}{}
				defer func() {
					<-e.semaphore
					wg.Done()
				}()

				emit(Chunk{Type: ChunkAgentCallStart, Timestamp: time.Now(), CorrelationID: correlationID, Data: map[string]string{
					"call_id":  c.CallID,
					"verb":     c.Verb,
					"agent_id": c.AgentID,
				}})

				mu.Lock()
				params := substituteReferences(c.Parameters, done)
				warning := dependencyWarning(c, done)
				mu.Unlock()

				result := e.executeCall(ctx, c, params)
				if result.Warning == "" {
					result.Warning = warning
				}

				mu.Lock()
				done[c.CallID] = result
				mu.Unlock()

				// An in-flight call that unwinds because the client cancelled
				// must not leak its completion chunk.
				if ctx.Err() != nil {
					return
				}
				emit(Chunk{Type: ChunkAgentCallComplete, Timestamp: time.Now(), CorrelationID: correlationID, Data: result})
			}(call)
		}
		wg.Wait()
	}

	// Anything still unfinished (cancellation) is marked skipped.
	results := make([]*ExecutionResult, 0, len(plan.Calls))
	for _, call := range plan.Calls {
		result, ok := done[call.CallID]
		if !ok {
			result = &ExecutionResult{
				CallID:    call.CallID,
				AgentID:   call.AgentID,
				Status:    StatusError,
				ErrorKind: core.KindCancelled,
			}
		}
		results = append(results, result)
	}
	return results
}

// executeCall issues one capability request with the call's own timeout.
func (e *Executor) executeCall(ctx context.Context, call CapabilityCall, params map[string]interface{}) *ExecutionResult {
	timeout := time.Duration(call.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	baseURL := e.freshBaseURL(callCtx, call)

	result := &ExecutionResult{CallID: call.CallID, AgentID: call.AgentID, AttemptCount: 1}
	start := time.Now()

	value, tierHit, err := e.post(callCtx, baseURL, call.Verb, params)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.ErrorKind = core.KindOf(err)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || result.ErrorKind == core.KindTimeout:
			result.Status = StatusTimeout
			result.ErrorKind = core.KindTimeout
		case result.ErrorKind == core.KindPolicyBlocked || result.ErrorKind == core.KindEgressForbidden:
			result.Status = StatusBlockedByPolicy
		default:
			result.Status = StatusError
		}
		e.logger.Warn("Capability call failed", map[string]interface{}{
			"operation":  "execute_call",
			"call_id":    call.CallID,
			"verb":       call.Verb,
			"agent_id":   call.AgentID,
			"error_kind": string(result.ErrorKind),
			"error":      err.Error(),
		})
		return result
	}

	result.Status = StatusOK
	result.Value = value
	result.CacheTierHit = tierHit
	return result
}

// freshBaseURL re-resolves the agent through the registry so a plan does
// not pin a stale address; the plan-time URL is the fallback.
func (e *Executor) freshBaseURL(ctx context.Context, call CapabilityCall) string {
	refs, err := e.lookup(ctx, call.Verb)
	if err == nil {
		for _, ref := range refs {
			if ref.AgentID == call.AgentID {
				return ref.BaseURL
			}
		}
	}
	return call.BaseURL
}

type capabilityResponse struct {
	Value        core.RawResult  `json:"value"`
	CacheTierHit *core.CacheTier `json:"cache_tier_hit"`
}

func (e *Executor) post(ctx context.Context, baseURL, verb string, params map[string]interface{}) (core.RawResult, *core.CacheTier, error) {
	payload, err := json.Marshal(map[string]interface{}{"parameters": params})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal call: %w", err)
	}
	endpoint := fmt.Sprintf("%s/capabilities/%s", baseURL, url.PathEscape(verb))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("create call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := core.CorrelationFrom(ctx); id != "" {
		req.Header.Set(core.CorrelationHeader, id)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, nil, core.NewFabricError("executor.post", core.KindTimeout, core.ErrTimeout)
		}
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope core.ErrorEnvelope
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.ErrorKind != "" {
			return nil, nil, &core.FabricError{Op: "executor.post", Kind: envelope.ErrorKind, Message: envelope.Message}
		}
		return nil, nil, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var parsed capabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("decode call response: %w", err)
	}
	return parsed.Value, parsed.CacheTierHit, nil
}

// substituteReferences replaces "$<call_id>" parameter values with the raw
// result of that completed call.
func substituteReferences(params map[string]interface{}, done map[string]*ExecutionResult) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$") {
			if result, finished := done[strings.TrimPrefix(s, "$")]; finished && result.Status == StatusOK {
				out[k] = json.RawMessage(result.Value)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// dependencyWarning notes optional dependencies that failed, so the
// response can flag reduced context.
func dependencyWarning(call CapabilityCall, done map[string]*ExecutionResult) string {
	var missing []string
	for _, dep := range call.DependsOn {
		if result, ok := done[dep]; ok && result.Status != StatusOK {
			missing = append(missing, dep)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return fmt.Sprintf("proceeded without optional dependencies: %s", strings.Join(missing, ", "))
}
