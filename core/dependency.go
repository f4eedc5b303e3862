package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Dependency declares another agent's capability this agent calls at
// runtime. Required dependencies surface failures to the caller; optional
// ones let the capability proceed without the dependency's contribution.
type Dependency struct {
	Verb     string        `json:"verb"`
	Optional bool          `json:"optional"`
	Timeout  time.Duration `json:"timeout"`
}

// RegisterDependency declares a dependency on a capability verb provided by
// another agent.
func (a *AgentService) RegisterDependency(dep Dependency) {
	if dep.Timeout <= 0 {
		dep.Timeout = 10 * time.Second
	}
	a.mu.Lock()
	a.dependencies[dep.Verb] = &dep
	a.mu.Unlock()

	a.Logger.Info("Registered dependency", map[string]interface{}{
		"operation": "register_dependency",
		"verb":      dep.Verb,
		"optional":  dep.Optional,
	})
}

// QueryAgent calls verb on whichever agent the registry resolves for it.
// Resolution and dispatch failures come back as dependency_unavailable; for
// optional dependencies the caller should treat that as "proceed without".
func (a *AgentService) QueryAgent(ctx context.Context, verb string, params map[string]interface{}) (*CallResult, error) {
	a.mu.RLock()
	dep := a.dependencies[verb]
	a.mu.RUnlock()

	timeout := 10 * time.Second
	if dep != nil {
		timeout = dep.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.Registry == nil {
		return nil, a.dependencyError(verb, errors.New("no registry configured"))
	}

	refs, err := a.Registry.LookupCapability(ctx, verb)
	if err != nil {
		return nil, a.dependencyError(verb, err)
	}
	if len(refs) == 0 {
		return nil, a.dependencyError(verb, ErrCapabilityNotFound)
	}

	// The registry orders candidates best-first; take the head.
	ref := refs[0]
	result, err := a.callRemoteCapability(ctx, ref, verb, params)
	if err != nil {
		return nil, a.dependencyError(verb, err)
	}
	return result, nil
}

func (a *AgentService) dependencyError(verb string, cause error) error {
	a.Logger.Warn("Dependency call failed", map[string]interface{}{
		"operation": "query_agent",
		"verb":      verb,
		"error":     cause.Error(),
	})
	return &FabricError{
		Op:   "agent.QueryAgent",
		Kind: KindDependencyUnavailable,
		ID:   verb,
		Err:  fmt.Errorf("%w: %v", ErrDependencyUnavailable, cause),
	}
}

// callRemoteCapability POSTs to the target agent's capability endpoint.
func (a *AgentService) callRemoteCapability(ctx context.Context, ref CapabilityRef, verb string, params map[string]interface{}) (*CallResult, error) {
	payload, err := json.Marshal(map[string]interface{}{"parameters": params})
	if err != nil {
		return nil, fmt.Errorf("marshal dependency request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/capabilities/%s", ref.BaseURL, url.PathEscape(verb))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create dependency request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kenny-Caller", a.ID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope ErrorEnvelope
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.ErrorKind != "" {
			return nil, &FabricError{
				Op:      "agent.callRemoteCapability",
				Kind:    envelope.ErrorKind,
				Message: envelope.Message,
				Err:     sentinelForKind(envelope.ErrorKind),
			}
		}
		return nil, fmt.Errorf("dependency %s returned status %d", ref.AgentID, resp.StatusCode)
	}

	var result CallResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode dependency response: %w", err)
	}
	return &result, nil
}
