package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInReview     Status = "in_review"
	StatusNeedMoreInfo Status = "need_more_info"
	StatusDecided      Status = "decided"
	StatusClosed       Status = "closed"
)

// DecisionKind enumerates the outcomes an arbiter can lock onto a dispute.
type DecisionKind string

const (
	KindReleaseToExecutor DecisionKind = "release_to_executor"
	KindRefundToCustomer  DecisionKind = "refund_to_customer"
	KindPartialRefund     DecisionKind = "partial_refund"
	KindRedoRequired      DecisionKind = "redo_required"
	KindNoAction          DecisionKind = "no_action"
)

// MovesFunds reports whether the kind claims the escrow hold.
func (k DecisionKind) MovesFunds() bool {
	switch k {
	case KindReleaseToExecutor, KindRefundToCustomer, KindPartialRefund:
		return true
	default:
		return false
	}
}

// Valid reports whether the kind is one of the known decision kinds.
func (k DecisionKind) Valid() bool {
	switch k {
	case KindReleaseToExecutor, KindRefundToCustomer, KindPartialRefund, KindRedoRequired, KindNoAction:
		return true
	default:
		return false
	}
}

// Reason classifies why the dispute was opened. Only non-empty ids are
// enforced; the taxonomy itself lives outside the engine.
type Reason struct {
	CategoryID string `json:"category_id"`
	ReasonID   string `json:"reason_id"`
	Detail     string `json:"detail,omitempty"`
}

// Decision is the arbiter's locked outcome, stored as jsonb on the dispute.
type Decision struct {
	Kind           DecisionKind `json:"kind"`
	ExecutorAmount float64      `json:"executor_amount"`
	CustomerAmount float64      `json:"customer_amount"`
	Note           string       `json:"note,omitempty"`
}

// Record mirrors the disputes table. Version starts at 1 and moves by exactly
// 1 on every applied transition; once LockedDecisionAt is set, Decision and
// the decided/closed statuses are frozen.
type Record struct {
	ID                string
	ContractID        string
	OpenedByUserID    string
	Reason            Reason
	Status            Status
	AssignedArbiterID *string
	Decision          *Decision
	SLADueAt          time.Time
	LockedDecisionAt  *time.Time
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RejectReason classifies why a transition was not applied.
type RejectReason string

const (
	RejectNone            RejectReason = ""
	RejectNotFound        RejectReason = "not_found"
	RejectLocked          RejectReason = "locked"
	RejectClosed          RejectReason = "closed"
	RejectBadStatus       RejectReason = "bad_status"
	RejectVersionMismatch RejectReason = "version_mismatch"
	RejectArbiterMismatch RejectReason = "arbiter_mismatch"
)

// Transition is the result of a store mutation: either the updated record
// (Applied=true) or the unchanged current record plus the classified reason.
// Soft-guard callers inspect Applied; the arbitration service treats
// Applied=false on the decision path as fatal.
type Transition struct {
	Record  Record
	Applied bool
	Reason  RejectReason
}
