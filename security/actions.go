package security

import (
	"context"
	"sort"
	"time"

	"github.com/joshuawlim/kenny/core"
)

// ResponseAction is one automated reaction to an incident.
type ResponseAction string

const (
	ActionAlert      ResponseAction = "alert"
	ActionNotify     ResponseAction = "notify"
	ActionAudit      ResponseAction = "audit"
	ActionEscalate   ResponseAction = "escalate"
	ActionBlock      ResponseAction = "block"
	ActionIsolate    ResponseAction = "isolate"
	ActionQuarantine ResponseAction = "quarantine"
	ActionFreeze     ResponseAction = "freeze"
	ActionRateLimit  ResponseAction = "rate_limit"
	ActionMonitor    ResponseAction = "monitor"
	ActionReview     ResponseAction = "review"
)

// ResponseRule maps an event pattern to a set of actions. Lower Priority
// fires first. Zero-valued pattern fields match anything.
type ResponseRule struct {
	Name        string           `yaml:"name" json:"name"`
	Priority    int              `yaml:"priority" json:"priority"`
	Kind        EventKind        `yaml:"kind,omitempty" json:"kind,omitempty"`
	MinSeverity Severity         `yaml:"min_severity,omitempty" json:"min_severity,omitempty"`
	ServiceID   string           `yaml:"service_id,omitempty" json:"service_id,omitempty"`
	Actions     []ResponseAction `yaml:"actions" json:"actions"`
}

func (r ResponseRule) matches(inc *Incident) bool {
	if r.Kind != "" && r.Kind != inc.Kind {
		return false
	}
	if r.ServiceID != "" && r.ServiceID != inc.ServiceID {
		return false
	}
	if r.MinSeverity != "" && severityRank[inc.Severity] < severityRank[r.MinSeverity] {
		return false
	}
	return true
}

// ActionHooks are the plane's levers into the rest of the fabric. Hooks a
// deployment does not wire stay nil and their actions reduce to audit-only.
type ActionHooks struct {
	// Notify pushes a structured notification event.
	Notify func(inc *Incident, action ResponseAction)
	// Quarantine marks a service's recent outputs tainted for re-review.
	Quarantine func(serviceID string)
	// Freeze pauses new accepts for the service at the gateway.
	Freeze func(serviceID string)
	// RateLimit installs a token bucket for the service.
	RateLimit func(serviceID string, ratePerSecond float64, burst int)
	// Monitor tightens observation of the service (health interval, verbosity).
	Monitor func(serviceID string)
	// Review queues the incident for human review.
	Review func(inc *Incident)
}

// ActionEngine runs declarative response rules against incidents.
type ActionEngine struct {
	rules      []ResponseRule
	blocks     *BlockList
	correlator *Correlator
	hooks      ActionHooks
	blockTTL   time.Duration
	audit      EventLog
	logger     core.Logger
}

// NewActionEngine creates an engine. Rules are sorted by priority once.
func NewActionEngine(rules []ResponseRule, blocks *BlockList, correlator *Correlator, hooks ActionHooks, blockTTL time.Duration, audit EventLog, logger core.Logger) *ActionEngine {
	if blockTTL <= 0 {
		blockTTL = time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	sorted := append([]ResponseRule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &ActionEngine{
		rules:      sorted,
		blocks:     blocks,
		correlator: correlator,
		hooks:      hooks,
		blockTTL:   blockTTL,
		audit:      audit,
		logger:     logger,
	}
}

// Respond fires every matching rule's actions for the incident, in priority
// order. Actions are idempotent: re-firing a block extends its expiry.
func (e *ActionEngine) Respond(ctx context.Context, inc *Incident) []ResponseAction {
	var fired []ResponseAction
	for _, rule := range e.rules {
		if !rule.matches(inc) {
			continue
		}
		for _, action := range rule.Actions {
			e.run(ctx, inc, action)
			fired = append(fired, action)
		}
	}
	if len(fired) > 0 {
		e.logger.Info("Response actions fired", map[string]interface{}{
			"operation":   "respond",
			"incident_id": inc.IncidentID,
			"actions":     actionNames(fired),
		})
	}
	return fired
}

func (e *ActionEngine) run(ctx context.Context, inc *Incident, action ResponseAction) {
	switch action {
	case ActionAlert:
		e.logger.Warn("Security alert", map[string]interface{}{
			"operation":   "action_alert",
			"incident_id": inc.IncidentID,
			"service_id":  inc.ServiceID,
			"severity":    string(inc.Severity),
		})
	case ActionNotify:
		if e.hooks.Notify != nil {
			e.hooks.Notify(inc, action)
		}
	case ActionAudit:
		e.writeAudit(ctx, inc)
	case ActionEscalate:
		e.correlator.Escalate(inc.IncidentID)
		if e.hooks.Notify != nil {
			e.hooks.Notify(inc, action)
		}
	case ActionBlock:
		for _, dest := range incidentDestinations(inc) {
			e.blocks.BlockDestination(dest, e.blockTTL)
		}
	case ActionIsolate:
		e.blocks.BlockService(inc.ServiceID, e.blockTTL)
	case ActionQuarantine:
		if e.hooks.Quarantine != nil {
			e.hooks.Quarantine(inc.ServiceID)
		}
	case ActionFreeze:
		if e.hooks.Freeze != nil {
			e.hooks.Freeze(inc.ServiceID)
		}
	case ActionRateLimit:
		if e.hooks.RateLimit != nil {
			e.hooks.RateLimit(inc.ServiceID, 1, 5)
		}
	case ActionMonitor:
		if e.hooks.Monitor != nil {
			e.hooks.Monitor(inc.ServiceID)
		}
	case ActionReview:
		if e.hooks.Review != nil {
			e.hooks.Review(inc)
		}
	}
}

func (e *ActionEngine) writeAudit(ctx context.Context, inc *Incident) {
	if e.audit == nil {
		return
	}
	record := NewEvent(EventPolicyViolation, inc.Severity, inc.ServiceID)
	record.Details = map[string]interface{}{
		"audit":       true,
		"incident_id": inc.IncidentID,
		"kind":        string(inc.Kind),
		"event_count": len(inc.Events),
	}
	if err := e.audit.Append(ctx, record); err != nil {
		e.logger.Error("Audit record write failed", map[string]interface{}{
			"operation": "action_audit",
			"error":     err.Error(),
		})
	}
}

func incidentDestinations(inc *Incident) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range inc.Events {
		if e.Destination != "" && !seen[e.Destination] {
			seen[e.Destination] = true
			out = append(out, e.Destination)
		}
	}
	return out
}

func actionNames(actions []ResponseAction) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return names
}
