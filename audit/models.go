package audit

import "time"

// Action types recorded against disputes. The table is append-only; nothing in
// the codebase updates or deletes rows.
const (
	ActionDisputeOpened   = "dispute_opened"
	ActionTakenInWork     = "dispute_taken_in_work"
	ActionMoreInfo        = "dispute_more_info_requested"
	ActionDecisionExecute = "dispute_decision_executed"
	ActionDisputeClosed   = "dispute_closed"
)

// Entry is one immutable record of a state-changing action on a dispute.
type Entry struct {
	ID            int64
	DisputeID     string
	ActionType    string
	ActorUserID   string
	Summary       string
	Payload       map[string]any
	VersionBefore *int
	VersionAfter  *int
	CreatedAt     time.Time
}
