package contract

import "time"

// Status is the contract lifecycle. A contract enters disputed when a dispute
// is opened against it and leaves only through the arbitration settlement
// (resolved) or the external cancellation flow (cancelled).
type Status string

const (
	StatusActive            Status = "active"
	StatusSubmitted         Status = "submitted"
	StatusRevisionRequested Status = "revision_requested"
	StatusApproved          Status = "approved"
	StatusDisputed          Status = "disputed"
	StatusResolved          Status = "resolved"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether the status ends the contract's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusResolved, StatusCancelled:
		return true
	default:
		return false
	}
}

// Contract mirrors the contracts table: one row per (task, selected executor).
type Contract struct {
	ID               string
	TaskID           string
	ClientID         string
	ExecutorID       string
	EscrowAmount     float64
	EscrowCurrency   string
	Status           Status
	RevisionIncluded int
	RevisionUsed     int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateParams captures the fields callers supply when a task pairs with an
// executor. RevisionIncluded is floored at 2.
type CreateParams struct {
	TaskID           string
	ClientID         string
	ExecutorID       string
	EscrowAmount     float64
	EscrowCurrency   string
	RevisionIncluded int
}
