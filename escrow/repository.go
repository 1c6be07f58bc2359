package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/ledger"
)

// Repository manages escrow freeze entries. Claim is the single chokepoint
// against double payout: it is one DELETE .. RETURNING, so of any number of
// concurrent claimers for the same (task, executor) key, exactly one sees the
// row.
type Repository struct {
	pool   *pgxpool.Pool
	ledger *ledger.Repository
}

func NewRepository(pool *pgxpool.Pool, ledgerRepo *ledger.Repository) *Repository {
	return &Repository{pool: pool, ledger: ledgerRepo}
}

// Freeze records an escrow hold. It is idempotent by (taskID, executorID): a
// second call is a no-op that preserves the original amount. Returns true when
// a new entry was created, false on invalid input or an existing key.
func (r *Repository) Freeze(ctx context.Context, customerID, taskID, executorID string, amount float64) (bool, error) {
	if customerID == "" || taskID == "" || executorID == "" || ledger.Cents(amount) <= 0 {
		return false, nil
	}

	const query = `
		INSERT INTO escrow_freezes (task_id, executor_id, customer_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, executor_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query, taskID, executorID, customerID, amount)
	if err != nil {
		return false, fmt.Errorf("escrow: freeze: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FreezeFunded withdraws the amount from the customer's balance and records
// the hold in one transaction. If the key already exists nothing is withdrawn.
func (r *Repository) FreezeFunded(ctx context.Context, customerID, taskID, executorID string, amount float64) (bool, error) {
	if customerID == "" || taskID == "" || executorID == "" || ledger.Cents(amount) <= 0 {
		return false, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insert = `
		INSERT INTO escrow_freezes (task_id, executor_id, customer_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id, executor_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert, taskID, executorID, customerID, amount)
	if err != nil {
		return false, fmt.Errorf("escrow: freeze funded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := r.ledger.WithdrawTx(ctx, tx, customerID, amount); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("escrow: commit freeze: %w", err)
	}
	return true, nil
}

const claimSQL = `
	DELETE FROM escrow_freezes
	WHERE task_id = $1 AND executor_id = $2
	RETURNING task_id, executor_id, customer_id, amount::float8, created_at
`

// ClaimFor atomically removes and returns the entry for the key, or nil when
// it is absent (never frozen, or already claimed).
func (r *Repository) ClaimFor(ctx context.Context, taskID, executorID string) (*FreezeEntry, error) {
	return claimFor(ctx, r.pool, taskID, executorID)
}

// ClaimForTx is ClaimFor inside the caller's transaction. A rollback puts the
// entry back, which is what lets the settlement path abort on a bad partial
// split without losing the hold.
func (r *Repository) ClaimForTx(ctx context.Context, tx pgx.Tx, taskID, executorID string) (*FreezeEntry, error) {
	return claimFor(ctx, tx, taskID, executorID)
}

func claimFor(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, taskID, executorID string) (*FreezeEntry, error) {
	var e FreezeEntry
	err := q.QueryRow(ctx, claimSQL, taskID, executorID).
		Scan(&e.TaskID, &e.ExecutorID, &e.CustomerID, &e.Amount, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("escrow: claim: %w", err)
	}
	return &e, nil
}

// ReleaseForTask removes every entry for the task and refunds each amount to
// its customer. Used by the task cancellation flow, not by arbitration.
func (r *Repository) ReleaseForTask(ctx context.Context, taskID string) ([]FreezeEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		DELETE FROM escrow_freezes
		WHERE task_id = $1
		RETURNING task_id, executor_id, customer_id, amount::float8, created_at
	`

	rows, err := tx.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("escrow: release: %w", err)
	}

	released := make([]FreezeEntry, 0, 4)
	for rows.Next() {
		var e FreezeEntry
		if err := rows.Scan(&e.TaskID, &e.ExecutorID, &e.CustomerID, &e.Amount, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("escrow: scan release: %w", err)
		}
		released = append(released, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate release: %w", err)
	}

	for _, e := range released {
		if _, err := r.ledger.DepositTx(ctx, tx, e.CustomerID, e.Amount); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("escrow: commit release: %w", err)
	}
	return released, nil
}

// GetFor reads the entry for the key without claiming it.
func (r *Repository) GetFor(ctx context.Context, taskID, executorID string) (*FreezeEntry, error) {
	const query = `
		SELECT task_id, executor_id, customer_id, amount::float8, created_at
		FROM escrow_freezes
		WHERE task_id = $1 AND executor_id = $2
	`

	var e FreezeEntry
	err := r.pool.QueryRow(ctx, query, taskID, executorID).
		Scan(&e.TaskID, &e.ExecutorID, &e.CustomerID, &e.Amount, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("escrow: get: %w", err)
	}
	return &e, nil
}

// ListForTask returns the task's live holds ordered by creation time.
func (r *Repository) ListForTask(ctx context.Context, taskID string) ([]FreezeEntry, error) {
	const query = `
		SELECT task_id, executor_id, customer_id, amount::float8, created_at
		FROM escrow_freezes
		WHERE task_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := make([]FreezeEntry, 0, 4)
	for rows.Next() {
		var e FreezeEntry
		if err := rows.Scan(&e.TaskID, &e.ExecutorID, &e.CustomerID, &e.Amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}
