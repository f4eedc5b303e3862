package coordinator

import (
	"fmt"
)

// validateDAG checks that a plan's dependency relation is a DAG, that every
// depends_on references a declared call, and that every referenced call_id
// precedes the referring call in the plan's order.
func validateDAG(calls []CapabilityCall) error {
	position := make(map[string]int, len(calls))
	for i, call := range calls {
		if call.CallID == "" {
			return fmt.Errorf("call %d has no call_id", i)
		}
		if _, dup := position[call.CallID]; dup {
			return fmt.Errorf("duplicate call_id %q", call.CallID)
		}
		position[call.CallID] = i
	}
	for i, call := range calls {
		for _, dep := range call.DependsOn {
			pos, ok := position[dep]
			if !ok {
				return fmt.Errorf("call %q depends on unknown call %q", call.CallID, dep)
			}
			if pos >= i {
				return fmt.Errorf("call %q depends on %q which does not precede it", call.CallID, dep)
			}
		}
	}
	return nil
}

// planDepth returns the longest dependency chain in the plan.
func planDepth(calls []CapabilityCall) int {
	depth := make(map[string]int, len(calls))
	max := 0
	// Calls are topologically ordered after validateDAG.
	for _, call := range calls {
		d := 1
		for _, dep := range call.DependsOn {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[call.CallID] = d
		if d > max {
			max = d
		}
	}
	return max
}

// readyCalls returns the calls whose dependencies have all finished, with
// every required dependency succeeding. A failed optional dependency does
// not hold its dependents back; they proceed with reduced context.
func readyCalls(calls []CapabilityCall, done map[string]*ExecutionResult) []CapabilityCall {
	byID := callIndex(calls)
	var ready []CapabilityCall
	for _, call := range calls {
		if _, ran := done[call.CallID]; ran {
			continue
		}
		ok := true
		for _, dep := range call.DependsOn {
			result, finished := done[dep]
			if !finished {
				ok = false
				break
			}
			if result.Status != StatusOK && !byID[dep].Optional {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, call)
		}
	}
	return ready
}

// blockedCalls returns not-yet-run calls that can never run because a
// required dependency finished unsuccessfully.
func blockedCalls(calls []CapabilityCall, done map[string]*ExecutionResult) []CapabilityCall {
	byID := callIndex(calls)
	var blocked []CapabilityCall
	for _, call := range calls {
		if _, ran := done[call.CallID]; ran {
			continue
		}
		for _, dep := range call.DependsOn {
			if result, finished := done[dep]; finished && result.Status != StatusOK && !byID[dep].Optional {
				blocked = append(blocked, call)
				break
			}
		}
	}
	return blocked
}

func callIndex(calls []CapabilityCall) map[string]CapabilityCall {
	byID := make(map[string]CapabilityCall, len(calls))
	for _, call := range calls {
		byID[call.CallID] = call
	}
	return byID
}
