package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Execer is satisfied by both *pgxpool.Pool and pgx.Tx, so entries can be
// appended inside a settlement transaction or standalone.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append writes one audit entry through q (a pool or an open transaction).
func (r *Repository) Append(ctx context.Context, q Execer, e Entry) error {
	if e.DisputeID == "" || e.ActionType == "" {
		return fmt.Errorf("audit: dispute id and action type required")
	}

	var payload []byte
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("audit: marshal payload: %w", err)
		}
		payload = b
	}

	var actor any
	if e.ActorUserID != "" {
		actor = e.ActorUserID
	}

	const query = `
		INSERT INTO dispute_audit (dispute_id, action_type, actor_user_id, summary, payload, version_before, version_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := q.Exec(ctx, query, e.DisputeID, e.ActionType, actor, e.Summary, payload, e.VersionBefore, e.VersionAfter); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// ListForDispute returns the dispute's audit trail oldest first.
func (r *Repository) ListForDispute(ctx context.Context, disputeID string) ([]Entry, error) {
	const query = `
		SELECT id, dispute_id, action_type, COALESCE(actor_user_id::text, ''), summary, payload, version_before, version_after, created_at
		FROM dispute_audit
		WHERE dispute_id = $1
		ORDER BY id ASC
	`

	rows, err := r.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, 8)
	for rows.Next() {
		var (
			e   Entry
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.ActionType, &e.ActorUserID, &e.Summary, &raw, &e.VersionBefore, &e.VersionAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Payload); err != nil {
				return nil, fmt.Errorf("audit: decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

var _ Execer = (pgx.Tx)(nil)
