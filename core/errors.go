package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the stable, wire-visible error classification. Clients key on
// these strings; they never change meaning between releases.
type ErrorKind string

const (
	KindManifestInvalid         ErrorKind = "manifest_invalid"
	KindEgressForbidden         ErrorKind = "egress_forbidden"
	KindAgentUnknown            ErrorKind = "agent_unknown"
	KindCapabilityUnknown       ErrorKind = "capability_unknown"
	KindAgentUnhealthy          ErrorKind = "agent_unhealthy"
	KindTimeout                 ErrorKind = "timeout"
	KindDependencyUnavailable   ErrorKind = "dependency_unavailable"
	KindPolicyBlocked           ErrorKind = "policy_blocked"
	KindOverloaded              ErrorKind = "overloaded"
	KindLLMInterpretationFailed ErrorKind = "llm_interpretation_failed"
	KindCacheStaleInvalidated   ErrorKind = "cache_stale_invalidated"
	KindConflict                ErrorKind = "conflict"
	KindUpstreamUnavailable     ErrorKind = "upstream_unavailable"
	KindCancelled               ErrorKind = "cancelled"
	KindInternal                ErrorKind = "internal"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	ErrAgentNotFound         = errors.New("agent not found")
	ErrCapabilityNotFound    = errors.New("capability not found")
	ErrAlreadyRegistered     = errors.New("agent already registered")
	ErrManifestInvalid       = errors.New("manifest invalid")
	ErrEgressForbidden       = errors.New("egress forbidden")
	ErrAgentUnhealthy        = errors.New("agent unhealthy")
	ErrTimeout               = errors.New("operation timeout")
	ErrOverloaded            = errors.New("admission limit exceeded")
	ErrPolicyBlocked         = errors.New("blocked by policy")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrInterpretationFailed  = errors.New("llm interpretation failed")
	ErrCacheInvalidated      = errors.New("cache entry invalidated during promotion")
	ErrRegistryUnavailable   = errors.New("registry unavailable")
	ErrContextCanceled       = errors.New("context canceled")
)

// FabricError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type FabricError struct {
	Op      string    // Operation that failed (e.g., "registry.Register")
	Kind    ErrorKind // Stable error kind for the wire envelope
	ID      string    // Optional ID of the entity involved
	Message string    // Human-readable message
	Err     error     // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FabricError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FabricError) Unwrap() error {
	return e.Err
}

// NewFabricError creates a new FabricError
func NewFabricError(op string, kind ErrorKind, err error) *FabricError {
	return &FabricError{Op: op, Kind: kind, Err: err}
}

// KindOf extracts the stable error kind from any error in the chain.
// Unclassified errors report KindInternal.
func KindOf(err error) ErrorKind {
	var fe *FabricError
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	switch {
	case errors.Is(err, ErrManifestInvalid):
		return KindManifestInvalid
	case errors.Is(err, ErrEgressForbidden):
		return KindEgressForbidden
	case errors.Is(err, ErrAgentNotFound):
		return KindAgentUnknown
	case errors.Is(err, ErrCapabilityNotFound):
		return KindCapabilityUnknown
	case errors.Is(err, ErrAgentUnhealthy):
		return KindAgentUnhealthy
	case errors.Is(err, ErrAlreadyRegistered):
		return KindConflict
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrOverloaded):
		return KindOverloaded
	case errors.Is(err, ErrPolicyBlocked):
		return KindPolicyBlocked
	case errors.Is(err, ErrDependencyUnavailable):
		return KindDependencyUnavailable
	case errors.Is(err, ErrInterpretationFailed):
		return KindLLMInterpretationFailed
	case errors.Is(err, ErrCacheInvalidated):
		return KindCacheStaleInvalidated
	case errors.Is(err, ErrRegistryUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrContextCanceled):
		return KindCancelled
	default:
		return KindInternal
	}
}

// HTTPStatusForKind maps an error kind to the HTTP status used by every
// component's JSON error envelope.
func HTTPStatusForKind(kind ErrorKind) int {
	switch kind {
	case KindManifestInvalid:
		return http.StatusBadRequest
	case KindEgressForbidden, KindPolicyBlocked:
		return http.StatusForbidden
	case KindAgentUnknown, KindCapabilityUnknown:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindConflict:
		return http.StatusConflict
	case KindOverloaded:
		return http.StatusTooManyRequests
	case KindAgentUnhealthy, KindDependencyUnavailable, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorEnvelope is the JSON error body shared by every HTTP surface.
type ErrorEnvelope struct {
	ErrorKind     ErrorKind `json:"error_kind"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// IsRetryable reports whether an error is a transient availability issue.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrRegistryUnavailable)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgentNotFound) ||
		errors.Is(err, ErrCapabilityNotFound)
}
