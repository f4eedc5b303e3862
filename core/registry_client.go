package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPRegistryClient talks to the registry service over its HTTP API.
type HTTPRegistryClient struct {
	baseURL    string
	httpClient *http.Client
	logger     Logger
}

// NewHTTPRegistryClient creates a registry client for baseURL.
func NewHTTPRegistryClient(baseURL string, logger Logger) *HTTPRegistryClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &HTTPRegistryClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

type registerRequest struct {
	Manifest       *AgentManifest `json:"manifest"`
	BaseURL        string         `json:"base_url"`
	HealthEndpoint string         `json:"health_endpoint"`
}

type registerResponse struct {
	AgentID      string    `json:"agent_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register submits the manifest and returns the registration id.
func (c *HTTPRegistryClient) Register(ctx context.Context, manifest *AgentManifest, baseURL, healthEndpoint string) (string, error) {
	var resp registerResponse
	err := c.do(ctx, http.MethodPost, "/agents/register", &registerRequest{
		Manifest:       manifest,
		BaseURL:        baseURL,
		HealthEndpoint: healthEndpoint,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// Deregister removes the agent's registration.
func (c *HTTPRegistryClient) Deregister(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(agentID), nil, nil)
}

// GetAgent fetches the registry's view of an agent.
func (c *HTTPRegistryClient) GetAgent(ctx context.Context, agentID string) (*AgentSummary, error) {
	var summary AgentSummary
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// ListAgents fetches every registered agent's summary.
func (c *HTTPRegistryClient) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	var agents []AgentSummary
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// ListCapabilities fetches every advertised capability across all agents.
func (c *HTTPRegistryClient) ListCapabilities(ctx context.Context) ([]CapabilityRef, error) {
	var refs []CapabilityRef
	if err := c.do(ctx, http.MethodGet, "/capabilities", nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// LookupCapability resolves the agents currently advertising verb, best
// candidate first.
func (c *HTTPRegistryClient) LookupCapability(ctx context.Context, verb string) ([]CapabilityRef, error) {
	var refs []CapabilityRef
	if err := c.do(ctx, http.MethodGet, "/capabilities/"+url.PathEscape(verb), nil, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

type egressResponse struct {
	Decision EgressDecision `json:"decision"`
}

// EvaluateEgress asks the registry whether serviceID may reach destination.
func (c *HTTPRegistryClient) EvaluateEgress(ctx context.Context, serviceID, destination string, port int) (EgressDecision, error) {
	q := url.Values{}
	q.Set("service_id", serviceID)
	q.Set("destination", destination)
	q.Set("port", strconv.Itoa(port))
	var resp egressResponse
	if err := c.do(ctx, http.MethodGet, "/egress/evaluate?"+q.Encode(), nil, &resp); err != nil {
		return "", err
	}
	return resp.Decision, nil
}

func (c *HTTPRegistryClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return NewFabricError("registry."+method+" "+path, KindUpstreamUnavailable, ErrRegistryUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope ErrorEnvelope
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.ErrorKind != "" {
			return &FabricError{
				Op:      "registry." + method + " " + path,
				Kind:    envelope.ErrorKind,
				Message: envelope.Message,
				Err:     sentinelForKind(envelope.ErrorKind),
			}
		}
		return NewFabricError("registry."+method+" "+path, KindInternal,
			fmt.Errorf("registry returned status %d", resp.StatusCode))
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// sentinelForKind lets errors.Is keep working across the HTTP boundary.
func sentinelForKind(kind ErrorKind) error {
	switch kind {
	case KindManifestInvalid:
		return ErrManifestInvalid
	case KindEgressForbidden:
		return ErrEgressForbidden
	case KindAgentUnknown:
		return ErrAgentNotFound
	case KindCapabilityUnknown:
		return ErrCapabilityNotFound
	case KindConflict:
		return ErrAlreadyRegistered
	case KindAgentUnhealthy:
		return ErrAgentUnhealthy
	case KindTimeout:
		return ErrTimeout
	case KindOverloaded:
		return ErrOverloaded
	case KindPolicyBlocked:
		return ErrPolicyBlocked
	default:
		return fmt.Errorf("%s", kind)
	}
}
