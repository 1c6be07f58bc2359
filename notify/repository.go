package notify

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository inserts notification rows. Callers treat every method as
// best-effort: an error here must never unwind a completed settlement.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// AddDisputeStatus records a dispute-status-changed notification.
func (r *Repository) AddDisputeStatus(ctx context.Context, n DisputeStatusNote) error {
	if n.RecipientUserID == "" || n.DisputeID == "" {
		return fmt.Errorf("notify: recipient and dispute id required")
	}

	const query = `
		INSERT INTO notifications (id, type, recipient_user_id, actor_user_id, task_id, dispute_id, status, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query, uuid.NewString(), TypeDisputeStatus, n.RecipientUserID, n.ActorUserID, n.TaskID, n.DisputeID, n.Status, n.Note)
	if err != nil {
		return fmt.Errorf("notify: add dispute status: %w", err)
	}
	return nil
}

// AddRateCustomer records a please-rate-the-customer prompt for the executor.
func (r *Repository) AddRateCustomer(ctx context.Context, recipientUserID, actorUserID, taskID string) error {
	if recipientUserID == "" {
		return fmt.Errorf("notify: recipient required")
	}

	const query = `
		INSERT INTO notifications (id, type, recipient_user_id, actor_user_id, task_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query, uuid.NewString(), TypeRateCustomer, recipientUserID, actorUserID, taskID)
	if err != nil {
		return fmt.Errorf("notify: add rate customer: %w", err)
	}
	return nil
}

// ListForUser returns the user's notifications, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const query = `
		SELECT id, type, recipient_user_id, COALESCE(actor_user_id::text, ''), COALESCE(task_id::text, ''),
		       COALESCE(dispute_id::text, ''), COALESCE(status, ''), COALESCE(note, ''), created_at
		FROM notifications
		WHERE recipient_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, limit)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.Type, &n.RecipientUserID, &n.ActorUserID, &n.TaskID, &n.DisputeID, &n.Status, &n.Note, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate: %w", err)
	}
	return out, nil
}

// MessageRepo appends entries to dispute message threads.
type MessageRepo struct {
	pool *pgxpool.Pool
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// AddSystem appends an engine-authored annotation to the dispute's thread.
func (m *MessageRepo) AddSystem(ctx context.Context, disputeID, text string) error {
	if disputeID == "" || text == "" {
		return fmt.Errorf("notify: dispute id and text required")
	}

	const query = `
		INSERT INTO dispute_messages (id, dispute_id, system, text)
		VALUES ($1, $2, TRUE, $3)
	`

	if _, err := m.pool.Exec(ctx, query, uuid.NewString(), disputeID, text); err != nil {
		return fmt.Errorf("notify: add system message: %w", err)
	}
	return nil
}

// ListForDispute returns the dispute's thread oldest first.
func (m *MessageRepo) ListForDispute(ctx context.Context, disputeID string) ([]Message, error) {
	const query = `
		SELECT id, dispute_id, author_id, system, text, created_at
		FROM dispute_messages
		WHERE dispute_id = $1
		ORDER BY created_at ASC
	`

	rows, err := m.pool.Query(ctx, query, disputeID)
	if err != nil {
		return nil, fmt.Errorf("notify: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, 8)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.DisputeID, &msg.AuthorID, &msg.System, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("notify: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notify: iterate messages: %w", err)
	}
	return out, nil
}
