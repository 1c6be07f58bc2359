package task

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/contract"
)

var (
	// ErrNotFound signals the requested task does not exist.
	ErrNotFound = errors.New("task: not found")
	// ErrAssignmentNotFound signals no assignment row for the (task, executor) pair.
	ErrAssignmentNotFound = errors.New("task: assignment not found")
)

type Repository struct {
	pool      *pgxpool.Pool
	contracts *contract.Repository
}

func NewRepository(pool *pgxpool.Pool, contracts *contract.Repository) *Repository {
	return &Repository{pool: pool, contracts: contracts}
}

// GetByID fetches a task by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Task, error) {
	const query = `
		SELECT id, client_id, title, status, executor_slots, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	var t Task
	err := r.pool.QueryRow(ctx, query, id).
		Scan(&t.ID, &t.ClientID, &t.Title, &t.Status, &t.ExecutorSlots, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: query by id: %w", err)
	}
	return t, nil
}

// Update applies the mutator to the task under a row lock and persists the
// mutable fields.
func (r *Repository) Update(ctx context.Context, id string, mutate func(*Task)) (Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("task: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const selectSQL = `
		SELECT id, client_id, title, status, executor_slots, created_at, updated_at
		FROM tasks
		WHERE id = $1
		FOR UPDATE
	`

	var t Task
	err = tx.QueryRow(ctx, selectSQL, id).
		Scan(&t.ID, &t.ClientID, &t.Title, &t.Status, &t.ExecutorSlots, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("task: lock for update: %w", err)
	}

	mutate(&t)

	const updateSQL = `
		UPDATE tasks
		SET title = $2, status = $3, executor_slots = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`
	if err := tx.QueryRow(ctx, updateSQL, id, t.Title, t.Status, t.ExecutorSlots).Scan(&t.UpdatedAt); err != nil {
		return Task{}, fmt.Errorf("task: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("task: commit update: %w", err)
	}
	return t, nil
}

// SyncStatus recomputes the task's aggregate status from its contracts and
// assignments and persists it. Safe to re-run at any time.
func (r *Repository) SyncStatus(ctx context.Context, taskID string) (Task, error) {
	contracts, err := r.contracts.ListForTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}

	var assigned int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_assignments WHERE task_id = $1`, taskID).Scan(&assigned); err != nil {
		return Task{}, fmt.Errorf("task: count assignments: %w", err)
	}

	current, err := r.GetByID(ctx, taskID)
	if err != nil {
		return Task{}, err
	}

	next := RecomputeStatus(contracts, current.ExecutorSlots-assigned, assigned)
	if next == current.Status {
		return current, nil
	}

	return r.Update(ctx, taskID, func(t *Task) { t.Status = next })
}

// AssignmentRepo manages task_assignments rows.
type AssignmentRepo struct {
	pool *pgxpool.Pool
}

func NewAssignmentRepo(pool *pgxpool.Pool) *AssignmentRepo {
	return &AssignmentRepo{pool: pool}
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MarkAccepted flags the assignment settled. Runs through q so the settlement
// path can include it in its transaction.
func (a *AssignmentRepo) MarkAccepted(ctx context.Context, q Execer, taskID, executorID string) error {
	const query = `
		UPDATE task_assignments
		SET accepted = TRUE
		WHERE task_id = $1 AND executor_id = $2
	`

	tag, err := q.Exec(ctx, query, taskID, executorID)
	if err != nil {
		return fmt.Errorf("task: mark accepted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// MarkAcceptedStandalone is MarkAccepted outside any transaction.
func (a *AssignmentRepo) MarkAcceptedStandalone(ctx context.Context, taskID, executorID string) error {
	return a.MarkAccepted(ctx, a.pool, taskID, executorID)
}
