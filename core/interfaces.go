package core

import (
	"context"
	"encoding/json"
)

// Logger interface - minimal structured logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// Telemetry interface - optional telemetry support
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// Span represents a telemetry span
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// AIClient interface - pluggable LLM backend for the NL interpretation layer
type AIClient interface {
	GenerateResponse(ctx context.Context, prompt string, options *AIOptions) (*AIResponse, error)
}

// AIOptions for AI generation
type AIOptions struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// AIResponse from AI client
type AIResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// TokenUsage for AI responses
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CapabilityHandler executes a capability call. Basic handlers return the
// result payload directly; intelligent handlers return a *ConfidenceResult
// so the base can apply the confidence/fallback policy.
type CapabilityHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RegistryClient is how an agent talks to the registry: registration,
// capability lookup for dependency calls, and egress evaluation.
type RegistryClient interface {
	Register(ctx context.Context, manifest *AgentManifest, baseURL, healthEndpoint string) (string, error)
	Deregister(ctx context.Context, agentID string) error
	GetAgent(ctx context.Context, agentID string) (*AgentSummary, error)
	LookupCapability(ctx context.Context, verb string) ([]CapabilityRef, error)
	EvaluateEgress(ctx context.Context, serviceID, destination string, port int) (EgressDecision, error)
}

// AgentSummary is the registry's public view of a registered agent.
type AgentSummary struct {
	AgentID      string         `json:"agent_id"`
	DisplayName  string         `json:"display_name"`
	Version      string         `json:"version"`
	AgentType    AgentType      `json:"agent_type"`
	BaseURL      string         `json:"base_url"`
	HealthStatus HealthStatus   `json:"health_status"`
	Manifest     *AgentManifest `json:"manifest,omitempty"`
}

// CapabilityRef points at one agent's advertisement of a verb.
type CapabilityRef struct {
	Verb              string             `json:"verb"`
	AgentID           string             `json:"agent_id"`
	BaseURL           string             `json:"base_url"`
	SafetyAnnotations []SafetyAnnotation `json:"safety_annotations,omitempty"`
	HealthStatus      HealthStatus       `json:"health_status"`
}

// EgressDecision is the outcome of an egress evaluation.
type EgressDecision string

const (
	EgressAllow          EgressDecision = "allow"
	EgressDeny           EgressDecision = "deny"
	EgressDenyWithBypass EgressDecision = "deny_with_bypass_token"
)

// HealthStatus for registered agents
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is a single named check inside an agent's health report.
type HealthCheck struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthReport is what an agent serves on GET /health.
type HealthReport struct {
	State  HealthStatus  `json:"state"`
	Checks []HealthCheck `json:"checks,omitempty"`
}

// ConfidenceResult is returned by intelligent capability handlers.
type ConfidenceResult struct {
	Value          interface{} `json:"value"`
	Confidence     float64     `json:"confidence"`
	FallbackUsed   bool        `json:"fallback_used"`
	FallbackReason string      `json:"fallback_reason,omitempty"`
}

// RawResult keeps a capability payload opaque between cache tiers.
type RawResult = json.RawMessage

// Default no-op implementations

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}

// NoOpTelemetry provides a no-op telemetry implementation
type NoOpTelemetry struct{}

func (n *NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, &NoOpSpan{}
}

func (n *NoOpTelemetry) RecordMetric(name string, value float64, labels map[string]string) {}

// NoOpSpan provides a no-op span implementation
type NoOpSpan struct{}

func (n *NoOpSpan) End()                                       {}
func (n *NoOpSpan) SetAttribute(key string, value interface{}) {}
func (n *NoOpSpan) RecordError(err error)                      {}
