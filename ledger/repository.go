package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrInvalidAmount signals a non-positive amount or a blank user id.
	ErrInvalidAmount = errors.New("ledger: invalid amount or user id")
	// ErrInsufficientFunds signals a withdrawal that would drive the balance negative.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// Repository provides atomic access to user balances. All mutation happens in
// single SQL statements so concurrent callers can never interleave a
// read-then-write on the same balance.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const depositSQL = `
	INSERT INTO balances (user_id, amount)
	VALUES ($1, $2)
	ON CONFLICT (user_id) DO UPDATE
	SET amount = balances.amount + EXCLUDED.amount,
	    updated_at = now()
	RETURNING user_id, amount::float8, updated_at
`

// Deposit credits the user's balance, creating the row if absent.
func (r *Repository) Deposit(ctx context.Context, userID string, amount float64) (Balance, error) {
	return deposit(ctx, r.pool, userID, amount)
}

// DepositTx is Deposit inside the caller's transaction; the settlement path
// uses it so payouts commit or roll back together with the contract update.
func (r *Repository) DepositTx(ctx context.Context, tx pgx.Tx, userID string, amount float64) (Balance, error) {
	return deposit(ctx, tx, userID, amount)
}

func deposit(ctx context.Context, q execQuerier, userID string, amount float64) (Balance, error) {
	if userID == "" || Cents(amount) <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	var b Balance
	err := q.QueryRow(ctx, depositSQL, userID, amount).Scan(&b.UserID, &b.Amount, &b.UpdatedAt)
	if err != nil {
		return Balance{}, fmt.Errorf("ledger: deposit: %w", err)
	}
	return b, nil
}

// Withdraw debits the user's balance. The guard lives in the WHERE clause so
// the balance can never go negative, even under concurrent withdrawals.
func (r *Repository) Withdraw(ctx context.Context, userID string, amount float64) (Balance, error) {
	return withdraw(ctx, r.pool, userID, amount)
}

// WithdrawTx is Withdraw inside the caller's transaction.
func (r *Repository) WithdrawTx(ctx context.Context, tx pgx.Tx, userID string, amount float64) (Balance, error) {
	return withdraw(ctx, tx, userID, amount)
}

func withdraw(ctx context.Context, q execQuerier, userID string, amount float64) (Balance, error) {
	if userID == "" || Cents(amount) <= 0 {
		return Balance{}, ErrInvalidAmount
	}

	const query = `
		UPDATE balances
		SET amount = amount - $2,
		    updated_at = now()
		WHERE user_id = $1 AND amount >= $2
		RETURNING user_id, amount::float8, updated_at
	`

	var b Balance
	err := q.QueryRow(ctx, query, userID, amount).Scan(&b.UserID, &b.Amount, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrInsufficientFunds
		}
		return Balance{}, fmt.Errorf("ledger: withdraw: %w", err)
	}
	return b, nil
}

// Get returns the user's balance; users with no ledger row read as zero.
func (r *Repository) Get(ctx context.Context, userID string) (Balance, error) {
	const query = `
		SELECT user_id, amount::float8, updated_at
		FROM balances
		WHERE user_id = $1
	`

	var b Balance
	err := r.pool.QueryRow(ctx, query, userID).Scan(&b.UserID, &b.Amount, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{UserID: userID}, nil
		}
		return Balance{}, fmt.Errorf("ledger: get: %w", err)
	}
	return b, nil
}
