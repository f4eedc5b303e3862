package core

import (
	"context"
	"encoding/json"
	"fmt"
)

// executeWithConfidence runs a capability handler and applies the
// confidence policy for intelligent capabilities. When a result falls below
// the threshold (or the handler errs), the fallback chain runs in order:
//
//	(a) re-execute with broadened parameters, if a broadener is registered
//	(b) execute the registered alternative capability
//	(c) return the low-confidence result marked fallback_used
//
// Basic capabilities skip the policy entirely.
func (a *AgentService) executeWithConfidence(ctx context.Context, cap *capability, params map[string]interface{}, options *callOptions) (*CallResult, error) {
	primary, primaryErr := a.runHandler(ctx, cap, params)
	if !cap.intelligent {
		return primary, primaryErr
	}

	if primaryErr == nil && primary.Confidence >= options.minConfidence {
		return primary, nil
	}

	// (a) broaden over-specific parameters and retry once.
	if cap.broadener != nil {
		if broadened := cap.broadener(copyParams(params)); broadened != nil {
			result, err := a.runHandler(ctx, cap, broadened)
			if err == nil && result.Confidence >= options.minConfidence {
				result.FallbackUsed = true
				result.FallbackReason = "broadened parameters"
				return result, nil
			}
			if err == nil && (primaryErr != nil || result.Confidence > primary.Confidence) {
				primary, primaryErr = result, nil
				primary.FallbackUsed = true
				primary.FallbackReason = "broadened parameters"
			}
		}
	}

	// (b) try the alternative capability on this agent.
	if cap.alternative != "" {
		a.mu.RLock()
		alt, ok := a.capabilities[cap.alternative]
		a.mu.RUnlock()
		if ok {
			result, err := a.runHandler(ctx, alt, params)
			if err == nil && result.Confidence >= options.minConfidence {
				result.FallbackUsed = true
				result.FallbackReason = fmt.Sprintf("alternative capability %s", cap.alternative)
				return result, nil
			}
			if err == nil && (primaryErr != nil || result.Confidence > primary.Confidence) {
				primary, primaryErr = result, nil
				primary.FallbackUsed = true
				primary.FallbackReason = fmt.Sprintf("alternative capability %s", cap.alternative)
			}
		}
	}

	if primaryErr != nil {
		return nil, primaryErr
	}

	// (c) best-effort: surface the below-threshold result, flagged.
	primary.FallbackUsed = true
	if primary.FallbackReason == "" {
		primary.FallbackReason = fmt.Sprintf("confidence %.2f below threshold %.2f", primary.Confidence, options.minConfidence)
	}
	a.Logger.Warn("Serving below-threshold result", map[string]interface{}{
		"operation":  "execute_with_confidence",
		"verb":       cap.descriptor.Verb,
		"confidence": primary.Confidence,
		"threshold":  options.minConfidence,
	})
	return primary, nil
}

// runHandler invokes the handler and normalizes its result to a CallResult
// carrying a raw JSON payload.
func (a *AgentService) runHandler(ctx context.Context, cap *capability, params map[string]interface{}) (*CallResult, error) {
	value, err := cap.handler(ctx, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewFabricError("agent.runHandler", KindTimeout, ErrTimeout)
		}
		if ctx.Err() == context.Canceled {
			return nil, NewFabricError("agent.runHandler", KindCancelled, ErrContextCanceled)
		}
		return nil, err
	}

	if cr, ok := value.(*ConfidenceResult); ok {
		raw, merr := json.Marshal(cr.Value)
		if merr != nil {
			return nil, fmt.Errorf("marshal capability result: %w", merr)
		}
		return &CallResult{
			Value:          raw,
			Confidence:     cr.Confidence,
			FallbackUsed:   cr.FallbackUsed,
			FallbackReason: cr.FallbackReason,
		}, nil
	}

	raw, merr := json.Marshal(value)
	if merr != nil {
		return nil, fmt.Errorf("marshal capability result: %w", merr)
	}
	result := &CallResult{Value: raw}
	if cap.intelligent {
		// Intelligent handlers that skip the ConfidenceResult wrapper are
		// treated as fully confident.
		result.Confidence = 1.0
	}
	return result, nil
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
