package notify

import "time"

const (
	TypeDisputeStatus = "dispute_status_changed"
	TypeRateCustomer  = "rate_customer"
)

// Notification is one delivery row; actual delivery (push, telegram) happens
// downstream and is outside the engine.
type Notification struct {
	ID              string
	Type            string
	RecipientUserID string
	ActorUserID     string
	TaskID          string
	DisputeID       string
	Status          string
	Note            string
	CreatedAt       time.Time
}

// DisputeStatusNote carries the fields of a dispute-status notification.
type DisputeStatusNote struct {
	RecipientUserID string
	ActorUserID     string
	TaskID          string
	DisputeID       string
	Status          string
	Note            string
}

// Message is an entry on a dispute's message thread. System messages are
// authored by the engine.
type Message struct {
	ID        string
	DisputeID string
	AuthorID  *string
	System    bool
	Text      string
	CreatedAt time.Time
}
