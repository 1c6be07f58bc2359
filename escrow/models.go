package escrow

import "time"

// FreezeEntry is an escrow hold keyed by (task, executor). The funds were
// removed from the customer's spendable balance when the entry was created and
// exist nowhere else until the entry is claimed or released.
type FreezeEntry struct {
	TaskID     string
	ExecutorID string
	CustomerID string
	Amount     float64
	CreatedAt  time.Time
}
