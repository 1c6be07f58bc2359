package task

import "disputeflow/contract"

// RecomputeStatus projects a task's aggregate status from its full contract
// set. It is a pure function with no coupling to dispute versions; callers may
// re-run it at any time and persist the result as a best-effort projection.
//
// Precedence: closed > dispute > review > in_progress > open.
func RecomputeStatus(contracts []contract.Contract, slotsRemaining, executorsAssigned int) Status {
	allTerminal := true
	anyDisputed := false
	anySubmitted := false
	anyWorking := false

	for _, c := range contracts {
		if !c.Status.Terminal() {
			allTerminal = false
		}
		switch c.Status {
		case contract.StatusDisputed:
			anyDisputed = true
		case contract.StatusSubmitted:
			anySubmitted = true
		case contract.StatusActive, contract.StatusRevisionRequested:
			anyWorking = true
		}
	}

	switch {
	case allTerminal && slotsRemaining <= 0:
		return StatusClosed
	case anyDisputed:
		return StatusDispute
	case anySubmitted:
		return StatusReview
	case anyWorking || executorsAssigned > 0:
		return StatusInProgress
	default:
		return StatusOpen
	}
}
