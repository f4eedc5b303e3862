package security

import (
	"context"
	"time"

	"github.com/joshuawlim/kenny/core"
)

// Config sizes the security plane.
type Config struct {
	Allowlist         []AllowRule    `yaml:"allowlist"`
	BlockTTL          time.Duration  `yaml:"block_ttl"`
	CorrelationWindow time.Duration  `yaml:"correlation_window"`
	Rules             []ResponseRule `yaml:"rules"`
}

// DefaultRules is the baseline response policy: every incident is audited
// and alerted; high-severity egress incidents block the destination and
// isolate the service; critical incidents additionally queue for review.
func DefaultRules() []ResponseRule {
	return []ResponseRule{
		{Name: "audit-all", Priority: 0, Actions: []ResponseAction{ActionAudit, ActionAlert}},
		{Name: "egress-containment", Priority: 10, Kind: EventEgressAttempt, MinSeverity: SeverityHigh,
			Actions: []ResponseAction{ActionBlock, ActionIsolate}},
		{Name: "critical-review", Priority: 20, MinSeverity: SeverityCritical,
			Actions: []ResponseAction{ActionNotify, ActionReview}},
	}
}

// Plane is the assembled security plane: allowlist, block lists, event log,
// correlator, and response engine behind one egress-evaluation entry point.
type Plane struct {
	allowlist  *Allowlist
	blocks     *BlockList
	events     EventLog
	correlator *Correlator
	engine     *ActionEngine
	logger     core.Logger
}

// NewPlane assembles a security plane. log may be nil (an in-memory log is
// used); hooks may be zero-valued.
func NewPlane(cfg Config, log EventLog, hooks ActionHooks, logger core.Logger) *Plane {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if log == nil {
		log = NewMemoryEventLog(0)
	}
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}
	blocks := NewBlockList()
	correlator := NewCorrelator(cfg.CorrelationWindow, logger)
	return &Plane{
		allowlist:  NewAllowlist(cfg.Allowlist),
		blocks:     blocks,
		events:     log,
		correlator: correlator,
		engine:     NewActionEngine(rules, blocks, correlator, hooks, cfg.BlockTTL, log, logger),
		logger:     logger,
	}
}

// Blocks exposes the block lists for admin surfaces.
func (p *Plane) Blocks() *BlockList { return p.blocks }

// Incidents exposes the correlator for admin surfaces.
func (p *Plane) Incidents() *Correlator { return p.correlator }

// Allowlist exposes the configured egress allowlist.
func (p *Plane) Allowlist() *Allowlist { return p.allowlist }

// Evaluate decides whether serviceID may reach destination:port. Denials
// record a SecurityEvent and feed the incident correlator; a correlated
// incident fires the response rules before Evaluate returns.
func (p *Plane) Evaluate(ctx context.Context, serviceID, destination string, port int, bypassToken string) core.EgressDecision {
	if bypassToken != "" && p.blocks.BypassValid(bypassToken, serviceID, destination) {
		return core.EgressAllow
	}

	switch {
	case p.blocks.ServiceBlocked(serviceID):
		p.recordDenial(ctx, serviceID, destination, port, "service blocked")
		return core.EgressDeny
	case p.blocks.DestinationBlocked(destination):
		p.recordDenial(ctx, serviceID, destination, port, "destination blocked")
		return core.EgressDenyWithBypass
	case !p.allowlist.Permits(destination, port):
		p.recordDenial(ctx, serviceID, destination, port, "not in allowlist")
		return core.EgressDeny
	}
	return core.EgressAllow
}

func (p *Plane) recordDenial(ctx context.Context, serviceID, destination string, port int, reason string) {
	event := NewEvent(EventEgressAttempt, SeverityHigh, serviceID)
	event.Destination = destination
	event.Details = map[string]interface{}{
		"port":   port,
		"reason": reason,
	}
	if err := p.events.Append(ctx, event); err != nil {
		p.logger.Error("Security event write failed", map[string]interface{}{
			"operation": "egress_evaluate",
			"error":     err.Error(),
		})
	}
	p.logger.Warn("Egress denied", map[string]interface{}{
		"operation":   "egress_evaluate",
		"service_id":  serviceID,
		"destination": destination,
		"port":        port,
		"reason":      reason,
	})

	if inc, created := p.correlator.Observe(event); inc != nil {
		if created || inc.Severity == SeverityCritical {
			p.engine.Respond(ctx, inc)
		}
	}
}

// Report records a non-egress security event (data access, policy
// violation) and runs correlation/response the same way denials do.
func (p *Plane) Report(ctx context.Context, event *SecurityEvent) {
	if err := p.events.Append(ctx, event); err != nil {
		p.logger.Error("Security event write failed", map[string]interface{}{
			"operation": "report_event",
			"error":     err.Error(),
		})
	}
	if inc, created := p.correlator.Observe(event); inc != nil {
		if created || inc.Severity == SeverityCritical {
			p.engine.Respond(ctx, inc)
		}
	}
}

// RecentEvents returns events since the given time.
func (p *Plane) RecentEvents(ctx context.Context, since time.Time) ([]*SecurityEvent, error) {
	return p.events.Recent(ctx, since)
}
