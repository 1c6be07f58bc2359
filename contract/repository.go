package contract

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/ledger"
)

var (
	// ErrNotFound signals the requested contract does not exist.
	ErrNotFound = errors.New("contract: not found")
	// ErrInvalidParams signals missing ids or a negative escrow amount.
	ErrInvalidParams = errors.New("contract: invalid params")
)

const columns = `id, task_id, client_id, executor_id, escrow_amount::float8,
	escrow_currency, status, revision_included, revision_used, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a contract for a (task, executor) pairing with status active.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Contract, error) {
	if params.TaskID == "" || params.ClientID == "" || params.ExecutorID == "" {
		return Contract{}, ErrInvalidParams
	}
	if ledger.Cents(params.EscrowAmount) < 0 {
		return Contract{}, ErrInvalidParams
	}
	if params.RevisionIncluded < 2 {
		params.RevisionIncluded = 2
	}
	currency := params.EscrowCurrency
	if currency == "" {
		currency = "USD"
	}

	query := fmt.Sprintf(`
		INSERT INTO contracts (task_id, client_id, executor_id, escrow_amount, escrow_currency, revision_included, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'active')
		RETURNING %s
	`, columns)

	var c Contract
	err := r.pool.QueryRow(ctx, query,
		params.TaskID,
		params.ClientID,
		params.ExecutorID,
		params.EscrowAmount,
		currency,
		params.RevisionIncluded,
	).Scan(scanTargets(&c)...)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: create: %w", err)
	}
	return c, nil
}

// GetByID fetches a contract by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Contract, error) {
	query := fmt.Sprintf(`SELECT %s FROM contracts WHERE id = $1`, columns)

	var c Contract
	err := r.pool.QueryRow(ctx, query, id).Scan(scanTargets(&c)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: query by id: %w", err)
	}
	return c, nil
}

// ListForTask returns all contracts for a task, oldest first. The task status
// recompute runs on this set.
func (r *Repository) ListForTask(ctx context.Context, taskID string) ([]Contract, error) {
	query := fmt.Sprintf(`SELECT %s FROM contracts WHERE task_id = $1 ORDER BY created_at ASC`, columns)

	rows, err := r.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("contract: list: %w", err)
	}
	defer rows.Close()

	out := make([]Contract, 0, 4)
	for rows.Next() {
		var c Contract
		if err := rows.Scan(scanTargets(&c)...); err != nil {
			return nil, fmt.Errorf("contract: scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contract: iterate: %w", err)
	}
	return out, nil
}

// MarkDisputed moves the contract into disputed from any pre-dispute working
// status. The guard is in the WHERE clause; false means the contract was not
// in a disputable status (or was already disputed).
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, id string) (Contract, bool, error) {
	query := fmt.Sprintf(`
		UPDATE contracts
		SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status IN ('active', 'submitted', 'revision_requested')
		RETURNING %s
	`, columns)

	var c Contract
	err := tx.QueryRow(ctx, query, id).Scan(scanTargets(&c)...)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, false, fmt.Errorf("contract: mark disputed: %w", err)
	}

	current, err := getByIDTx(ctx, tx, id)
	if err != nil {
		return Contract{}, false, err
	}
	return current, false, nil
}

// MarkResolvedTx advances a disputed contract to resolved inside the
// settlement transaction. false means the contract was not disputed.
func (r *Repository) MarkResolvedTx(ctx context.Context, tx pgx.Tx, id string) (Contract, bool, error) {
	query := fmt.Sprintf(`
		UPDATE contracts
		SET status = 'resolved', updated_at = now()
		WHERE id = $1 AND status = 'disputed'
		RETURNING %s
	`, columns)

	var c Contract
	err := tx.QueryRow(ctx, query, id).Scan(scanTargets(&c)...)
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Contract{}, false, fmt.Errorf("contract: mark resolved: %w", err)
	}

	current, err := getByIDTx(ctx, tx, id)
	if err != nil {
		return Contract{}, false, err
	}
	return current, false, nil
}

func getByIDTx(ctx context.Context, tx pgx.Tx, id string) (Contract, error) {
	query := fmt.Sprintf(`SELECT %s FROM contracts WHERE id = $1`, columns)

	var c Contract
	err := tx.QueryRow(ctx, query, id).Scan(scanTargets(&c)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: query by id: %w", err)
	}
	return c, nil
}

func scanTargets(c *Contract) []any {
	return []any{
		&c.ID,
		&c.TaskID,
		&c.ClientID,
		&c.ExecutorID,
		&c.EscrowAmount,
		&c.EscrowCurrency,
		&c.Status,
		&c.RevisionIncluded,
		&c.RevisionUsed,
		&c.CreatedAt,
		&c.UpdatedAt,
	}
}
