package arbitration

import "disputeflow/dispute"

// Checklist records what the arbiter reviewed before deciding. Every flag must
// be true for a decision to proceed.
type Checklist struct {
	RequirementsReviewed bool `json:"requirements_reviewed"`
	VideoReviewed        bool `json:"video_reviewed"`
	ChatReviewed         bool `json:"chat_reviewed"`
}

// Complete reports whether all review steps were confirmed.
func (c Checklist) Complete() bool {
	return c.RequirementsReviewed && c.VideoReviewed && c.ChatReviewed
}

// PartialSplit carries the explicit amounts of a partial_refund decision. The
// two amounts must sum to the frozen escrow amount, to the cent.
type PartialSplit struct {
	ExecutorAmount float64 `json:"executor_amount"`
	CustomerAmount float64 `json:"customer_amount"`
}

// Input is everything the arbiter submits to settle a dispute.
type Input struct {
	DisputeID       string
	ActorUserID     string
	ExpectedVersion int
	Kind            dispute.DecisionKind
	Comment         string
	Checklist       Checklist
	Partial         *PartialSplit
	CloseAfter      bool
}

// Result reports the settled dispute and the payouts actually deposited,
// keyed by user id. SideEffectErrs collects failures of the best-effort tail
// (notifications, message thread, status resync); the settlement itself
// succeeded whenever Result is returned without error.
type Result struct {
	Dispute        dispute.Record
	Payouts        map[string]float64
	SideEffectErrs []error
}
