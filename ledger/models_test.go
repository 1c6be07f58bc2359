package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestCents(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{0, 0},
		{0.01, 1},
		{300.00, 30000},
		{180.00, 18000},
		{119.999999, 12000},
		{0.005, 1},
		{-2.50, -250},
	}

	for _, tc := range cases {
		if got := Cents(tc.in); got != tc.want {
			t.Errorf("Cents(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestDepositRejectsInvalidInput(t *testing.T) {
	r := NewRepository(nil)
	ctx := context.Background()

	cases := map[string]struct {
		userID string
		amount float64
	}{
		"blank user":      {"", 10},
		"zero amount":     {"u-1", 0},
		"negative amount": {"u-1", -5},
		"sub-cent amount": {"u-1", 0.001},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := r.Deposit(ctx, tc.userID, tc.amount); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("Deposit(%q, %v) err = %v, want ErrInvalidAmount", tc.userID, tc.amount, err)
			}
			if _, err := r.Withdraw(ctx, tc.userID, tc.amount); !errors.Is(err, ErrInvalidAmount) {
				t.Errorf("Withdraw(%q, %v) err = %v, want ErrInvalidAmount", tc.userID, tc.amount, err)
			}
		})
	}
}
