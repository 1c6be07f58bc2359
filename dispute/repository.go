package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/audit"
)

var (
	ErrNotFound         = errors.New("dispute: not found")
	ErrContractNotFound = errors.New("dispute: contract not found")
	ErrInvalidReason    = errors.New("dispute: reason category and reason id required")
	// ErrContractNotDisputable signals the contract already finished its
	// lifecycle (approved, resolved or cancelled); no dispute is created.
	ErrContractNotDisputable = errors.New("dispute: contract not in a disputable status")
)

const columns = `id, contract_id, opened_by_user_id, reason_category_id, reason_id,
	COALESCE(reason_detail, ''), status, assigned_arbiter_id, decision, sla_due_at,
	locked_decision_at, version, created_at, updated_at`

// Repository owns the dispute state machine. Every transition is a single
// conditional UPDATE whose guard lives in the WHERE clause, so the
// compare-and-swap on version happens at the storage boundary rather than as
// an application-level read-compute-write.
type Repository struct {
	pool  *pgxpool.Pool
	audit *audit.Repository
}

func NewRepository(pool *pgxpool.Pool, auditRepo *audit.Repository) *Repository {
	return &Repository{pool: pool, audit: auditRepo}
}

// Open creates a dispute for the contract and marks the contract disputed in
// the same transaction. Idempotent: if a dispute already exists for the
// contract it is returned unchanged and the bool is false.
func (r *Repository) Open(ctx context.Context, contractID, openedByUserID string, reason Reason) (Record, bool, error) {
	if contractID == "" || openedByUserID == "" {
		return Record{}, false, ErrNotFound
	}
	if reason.CategoryID == "" || reason.ReasonID == "" {
		return Record{}, false, ErrInvalidReason
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var contractExists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM contracts WHERE id = $1)`, contractID).Scan(&contractExists); err != nil {
		return Record{}, false, fmt.Errorf("dispute: check contract: %w", err)
	}
	if !contractExists {
		return Record{}, false, ErrContractNotFound
	}

	insertSQL := fmt.Sprintf(`
		INSERT INTO disputes (contract_id, opened_by_user_id, reason_category_id, reason_id, reason_detail, status, sla_due_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), 'open', now() + interval '24 hours')
		ON CONFLICT (contract_id) DO NOTHING
		RETURNING %s
	`, columns)

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL, contractID, openedByUserID, reason.CategoryID, reason.ReasonID, reason.Detail))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, fmt.Errorf("dispute: open: %w", err)
		}
		// Lost the idempotency race or the dispute already existed; hand back
		// the existing record untouched.
		existing, err := r.GetByContractID(ctx, contractID)
		if err != nil {
			return Record{}, false, err
		}
		return existing, false, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE contracts
		SET status = 'disputed', updated_at = now()
		WHERE id = $1 AND status IN ('active', 'submitted', 'revision_requested')
	`, contractID)
	if err != nil {
		return Record{}, false, fmt.Errorf("dispute: mark contract disputed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The guard matched nothing: the contract is already terminal. The
		// rollback discards the inserted dispute, which would otherwise be
		// unsettleable (its settlement requires a disputed contract).
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM contracts WHERE id = $1`, contractID).Scan(&status); err != nil {
			return Record{}, false, fmt.Errorf("dispute: re-read contract: %w", err)
		}
		if status != "disputed" {
			return Record{}, false, fmt.Errorf("%w: status is %s", ErrContractNotDisputable, status)
		}
	}

	after := rec.Version
	if err := r.audit.Append(ctx, tx, audit.Entry{
		DisputeID:    rec.ID,
		ActionType:   audit.ActionDisputeOpened,
		ActorUserID:  openedByUserID,
		Summary:      fmt.Sprintf("dispute opened against contract %s", contractID),
		Payload:      map[string]any{"category_id": reason.CategoryID, "reason_id": reason.ReasonID},
		VersionAfter: &after,
	}); err != nil {
		return Record{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, false, fmt.Errorf("dispute: commit open: %w", err)
	}
	return rec, true, nil
}

// TakeInWork claims the dispute for the arbiter and moves it to in_review.
// expectedVersion 0 means the caller did not supply one. A failed guard is a
// soft no-op: the unchanged record comes back with Applied=false.
func (r *Repository) TakeInWork(ctx context.Context, disputeID, arbiterID string, expectedVersion int) (Transition, error) {
	return r.claimTransition(ctx, disputeID, arbiterID, expectedVersion, StatusInReview, audit.ActionTakenInWork, "dispute taken in work")
}

// RequestMoreInfo moves the dispute to need_more_info under the same soft
// guard as TakeInWork.
func (r *Repository) RequestMoreInfo(ctx context.Context, disputeID, arbiterID string, expectedVersion int) (Transition, error) {
	return r.claimTransition(ctx, disputeID, arbiterID, expectedVersion, StatusNeedMoreInfo, audit.ActionMoreInfo, "arbiter requested more information")
}

func (r *Repository) claimTransition(ctx context.Context, disputeID, arbiterID string, expectedVersion int, target Status, action, summary string) (Transition, error) {
	if disputeID == "" || arbiterID == "" {
		return Transition{Reason: RejectNotFound}, ErrNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE disputes
		SET status = $2,
		    assigned_arbiter_id = $3,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND locked_decision_at IS NULL
		  AND status <> 'closed'
		  AND ($4 = 0 OR version = $4)
		  AND (assigned_arbiter_id IS NULL OR assigned_arbiter_id = $3)
		RETURNING %s
	`, columns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, disputeID, target, arbiterID, expectedVersion))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, fmt.Errorf("dispute: transition to %s: %w", target, err)
		}
		return r.classifyRejection(ctx, disputeID, arbiterID, expectedVersion, false)
	}

	before := rec.Version - 1
	after := rec.Version
	if err := r.audit.Append(ctx, tx, audit.Entry{
		DisputeID:     rec.ID,
		ActionType:    action,
		ActorUserID:   arbiterID,
		Summary:       summary,
		VersionBefore: &before,
		VersionAfter:  &after,
	}); err != nil {
		return Transition{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("dispute: commit transition: %w", err)
	}
	return Transition{Record: rec, Applied: true}, nil
}

// DecideLocked is the only path that sets locked_decision_at. It requires
// status == in_review exactly and a mandatory version match. Guard failures
// never error here; callers on the decision path must treat Applied=false as
// fatal.
func (r *Repository) DecideLocked(ctx context.Context, disputeID string, decision Decision, expectedVersion int, arbiterID string) (Transition, error) {
	if disputeID == "" || arbiterID == "" {
		return Transition{Reason: RejectNotFound}, ErrNotFound
	}

	decisionJSON, err := json.Marshal(decision)
	if err != nil {
		return Transition{}, fmt.Errorf("dispute: marshal decision: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE disputes
		SET status = 'decided',
		    decision = $3::jsonb,
		    locked_decision_at = now(),
		    assigned_arbiter_id = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		  AND locked_decision_at IS NULL
		  AND status = 'in_review'
		  AND version = $2
		  AND (assigned_arbiter_id IS NULL OR assigned_arbiter_id = $4)
		RETURNING %s
	`, columns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, disputeID, expectedVersion, decisionJSON, arbiterID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, fmt.Errorf("dispute: decide: %w", err)
		}
		return r.classifyRejection(ctx, disputeID, arbiterID, expectedVersion, true)
	}

	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("dispute: commit decide: %w", err)
	}
	return Transition{Record: rec, Applied: true}, nil
}

// Close moves an already-decided dispute to closed, keyed by contract id. The
// audit row rides the same transaction so every close leaves a trail no
// matter which caller routed it.
func (r *Repository) Close(ctx context.Context, contractID, closedByUserID string) (Transition, error) {
	if contractID == "" {
		return Transition{Reason: RejectNotFound}, ErrNotFound
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Transition{}, fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		UPDATE disputes
		SET status = 'closed',
		    version = version + 1,
		    updated_at = now()
		WHERE contract_id = $1 AND status = 'decided'
		RETURNING %s
	`, columns)

	rec, err := scanRecord(tx.QueryRow(ctx, query, contractID))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return Transition{}, fmt.Errorf("dispute: close: %w", err)
		}
		existing, err := r.GetByContractID(ctx, contractID)
		if err != nil {
			return Transition{Reason: RejectNotFound}, err
		}
		return Transition{Record: existing, Reason: RejectBadStatus}, nil
	}

	before := rec.Version - 1
	after := rec.Version
	if err := r.audit.Append(ctx, tx, audit.Entry{
		DisputeID:     rec.ID,
		ActionType:    audit.ActionDisputeClosed,
		ActorUserID:   closedByUserID,
		Summary:       "dispute closed",
		VersionBefore: &before,
		VersionAfter:  &after,
	}); err != nil {
		return Transition{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transition{}, fmt.Errorf("dispute: commit close: %w", err)
	}
	return Transition{Record: rec, Applied: true}, nil
}

// classifyRejection re-reads the row to explain why the guarded update matched
// nothing. The read happens outside the failed update's effects, so the
// returned record is the current committed state.
func (r *Repository) classifyRejection(ctx context.Context, disputeID, arbiterID string, expectedVersion int, decidePath bool) (Transition, error) {
	rec, err := r.GetByID(ctx, disputeID)
	if err != nil {
		return Transition{Reason: RejectNotFound}, err
	}

	reason := RejectBadStatus
	switch {
	case rec.LockedDecisionAt != nil:
		reason = RejectLocked
	case rec.Status == StatusClosed:
		reason = RejectClosed
	case decidePath && rec.Status != StatusInReview:
		reason = RejectBadStatus
	case expectedVersion != 0 && rec.Version != expectedVersion:
		reason = RejectVersionMismatch
	case rec.AssignedArbiterID != nil && *rec.AssignedArbiterID != arbiterID:
		reason = RejectArbiterMismatch
	}
	return Transition{Record: rec, Reason: reason}, nil
}

// GetByID fetches a dispute by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE id = $1`, columns)
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: query by id: %w", err)
	}
	return rec, nil
}

// GetByContractID fetches the dispute for a contract (1:1).
func (r *Repository) GetByContractID(ctx context.Context, contractID string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE contract_id = $1`, columns)
	rec, err := scanRecord(r.pool.QueryRow(ctx, query, contractID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: query by contract: %w", err)
	}
	return rec, nil
}

// ListForTask returns disputes against any of the task's contracts, newest
// first.
func (r *Repository) ListForTask(ctx context.Context, taskID string) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM disputes d
		WHERE contract_id IN (SELECT id FROM contracts WHERE task_id = $1)
		ORDER BY created_at DESC
	`, prefixColumns("d"))

	return r.list(ctx, query, taskID)
}

// ListOpen returns disputes awaiting an arbiter decision, oldest SLA first.
func (r *Repository) ListOpen(ctx context.Context) ([]Record, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM disputes d
		WHERE status IN ('open', 'in_review', 'need_more_info')
		ORDER BY sla_due_at ASC
	`, prefixColumns("d"))

	return r.list(ctx, query)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec          Record
		decisionJSON []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.ContractID,
		&rec.OpenedByUserID,
		&rec.Reason.CategoryID,
		&rec.Reason.ReasonID,
		&rec.Reason.Detail,
		&rec.Status,
		&rec.AssignedArbiterID,
		&decisionJSON,
		&rec.SLADueAt,
		&rec.LockedDecisionAt,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	if len(decisionJSON) > 0 {
		var d Decision
		if err := json.Unmarshal(decisionJSON, &d); err != nil {
			return Record{}, fmt.Errorf("dispute: decode decision: %w", err)
		}
		rec.Decision = &d
	}
	return rec, nil
}

func prefixColumns(alias string) string {
	return fmt.Sprintf(`%[1]s.id, %[1]s.contract_id, %[1]s.opened_by_user_id, %[1]s.reason_category_id,
	%[1]s.reason_id, COALESCE(%[1]s.reason_detail, ''), %[1]s.status, %[1]s.assigned_arbiter_id,
	%[1]s.decision, %[1]s.sla_due_at, %[1]s.locked_decision_at, %[1]s.version, %[1]s.created_at, %[1]s.updated_at`, alias)
}
