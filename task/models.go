package task

import "time"

// Status is the aggregate task status projected from the task's contracts.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusDispute    Status = "dispute"
	StatusClosed     Status = "closed"
)

// Task mirrors the tasks table fields the engine touches.
type Task struct {
	ID            string
	ClientID      string
	Title         string
	Status        Status
	ExecutorSlots int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Assignment links a task to a selected executor. Accepted flips to true when
// the executor's contract settles.
type Assignment struct {
	TaskID     string
	ExecutorID string
	Accepted   bool
	CreatedAt  time.Time
}
