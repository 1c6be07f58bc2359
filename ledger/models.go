package ledger

import (
	"math"
	"time"
)

// Balance is the spendable amount a user holds, in whole currency units.
// Escrowed funds are not part of this number; they live in escrow_freezes
// until a settlement or release deposits them back here.
type Balance struct {
	UserID    string
	Amount    float64
	UpdatedAt time.Time
}

// Cents rounds an amount to whole cents. Every equality comparison between
// amounts in the engine goes through this so that 179.99999999 and 180.00
// settle the same way.
func Cents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
