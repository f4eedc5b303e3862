package coordinator

import (
	"context"
	"fmt"

	"github.com/joshuawlim/kenny/core"
	"github.com/joshuawlim/kenny/security"
)

// Reviewer evaluates executed plans against policy: required approvals,
// safety annotations, and egress compliance of each touched agent. It may
// mark individual results blocked_by_policy after the fact.
type Reviewer struct {
	lookup CapabilityLookup
	plane  *security.Plane
	logger core.Logger
}

// NewReviewer creates a reviewer. plane may be nil (egress checks skipped).
func NewReviewer(lookup CapabilityLookup, plane *security.Plane, logger core.Logger) *Reviewer {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Reviewer{lookup: lookup, plane: plane, logger: logger}
}

// Review produces the compliance report bundled into final_result.
func (r *Reviewer) Review(ctx context.Context, plan *Plan, results []*ExecutionResult) *ComplianceReport {
	report := &ComplianceReport{Compliant: true}
	byID := callIndex(plan.Calls)

	for _, result := range results {
		call, ok := byID[result.CallID]
		if !ok {
			continue
		}

		if r.callRequiresApproval(ctx, call.Verb) {
			report.ApprovalsRequired = append(report.ApprovalsRequired, result.CallID)
			if !plan.ApprovalRequired {
				// A write slipped past planning without the approval flag.
				report.Compliant = false
				report.PolicyBlocks = append(report.PolicyBlocks,
					fmt.Sprintf("%s: write capability executed without approval flag", result.CallID))
				result.Status = StatusBlockedByPolicy
				result.ErrorKind = core.KindPolicyBlocked
			}
		}

		if r.plane != nil && r.plane.Blocks().ServiceBlocked(call.AgentID) {
			report.Compliant = false
			report.EgressViolations = append(report.EgressViolations,
				fmt.Sprintf("%s: agent %s is under a security block", result.CallID, call.AgentID))
			result.Status = StatusBlockedByPolicy
			result.ErrorKind = core.KindPolicyBlocked
		}
	}

	if !report.Compliant {
		r.logger.Warn("Plan failed policy review", map[string]interface{}{
			"operation":     "review",
			"plan_id":       plan.PlanID,
			"policy_blocks": len(report.PolicyBlocks),
			"egress":        len(report.EgressViolations),
		})
	}
	return report
}

func (r *Reviewer) callRequiresApproval(ctx context.Context, verb string) bool {
	refs, err := r.lookup(ctx, verb)
	if err != nil {
		return false
	}
	for _, ref := range refs {
		for _, ann := range ref.SafetyAnnotations {
			if ann == core.SafetyWriteRequiresApproval {
				return true
			}
		}
	}
	return false
}
