package dispute

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/audit"
)

// TestDisputeLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks a dispute through open -> in_review ->
// need_more_info -> in_review -> decided -> closed, checking the version
// compare-and-swap and the audit trail along the way.
func TestDisputeLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var schemaReady bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = 'disputes'
	)`).Scan(&schemaReady); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !schemaReady {
		t.Skip("database schema missing; apply migrations/001_init.sql first")
	}

	var (
		taskID     string
		contractID string
		clientID   = newUUID(t, pool, ctx)
		executorID = newUUID(t, pool, ctx)
		arbiterA   = newUUID(t, pool, ctx)
		arbiterB   = newUUID(t, pool, ctx)
	)

	if err := pool.QueryRow(ctx, `
		INSERT INTO tasks (client_id, title, status) VALUES ($1, 'integration dispute task', 'review')
		RETURNING id
	`, clientID).Scan(&taskID); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO contracts (task_id, client_id, executor_id, escrow_amount, status)
		VALUES ($1, $2, $3, 250.00, 'submitted')
		RETURNING id
	`, taskID, clientID, executorID).Scan(&contractID); err != nil {
		t.Fatalf("seed contract: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM dispute_audit WHERE dispute_id IN (SELECT id FROM disputes WHERE contract_id = $1)`, contractID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE contract_id = $1`, contractID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE id = $1`, contractID)
		pool.Exec(ctx2, `DELETE FROM tasks WHERE id = $1`, taskID)
	})

	auditRepo := audit.NewRepository(pool)
	repo := NewRepository(pool, auditRepo)

	// Open; a second open for the same contract must return the same record.
	rec, created, err := repo.Open(ctx, contractID, clientID, Reason{CategoryID: "quality", ReasonID: "not_as_described"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !created || rec.Status != StatusOpen || rec.Version != 1 {
		t.Fatalf("open: created=%v status=%s version=%d", created, rec.Status, rec.Version)
	}

	dup, created, err := repo.Open(ctx, contractID, executorID, Reason{CategoryID: "payment", ReasonID: "other"})
	if err != nil {
		t.Fatalf("open (duplicate): %v", err)
	}
	if created || dup.ID != rec.ID || dup.Reason.CategoryID != "quality" {
		t.Fatalf("duplicate open must return existing record unchanged, got created=%v id=%s reason=%s",
			created, dup.ID, dup.Reason.CategoryID)
	}

	var contractStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM contracts WHERE id = $1`, contractID).Scan(&contractStatus); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if contractStatus != "disputed" {
		t.Fatalf("contract status = %s, want disputed", contractStatus)
	}

	// Arbiter A claims the dispute with the correct version.
	tr, err := repo.TakeInWork(ctx, rec.ID, arbiterA, 1)
	if err != nil {
		t.Fatalf("take in work: %v", err)
	}
	if !tr.Applied || tr.Record.Status != StatusInReview || tr.Record.Version != 2 {
		t.Fatalf("take in work: applied=%v status=%s version=%d", tr.Applied, tr.Record.Status, tr.Record.Version)
	}

	// Arbiter B replays the same expected version and must bounce off the CAS.
	stale, err := repo.TakeInWork(ctx, rec.ID, arbiterB, 1)
	if err != nil {
		t.Fatalf("take in work (stale): %v", err)
	}
	if stale.Applied {
		t.Fatalf("stale take in work must not apply")
	}
	if stale.Reason != RejectVersionMismatch && stale.Reason != RejectArbiterMismatch {
		t.Fatalf("stale take in work reason = %s", stale.Reason)
	}
	if stale.Record.Version != 2 {
		t.Fatalf("rejected transition must return current record, version = %d", stale.Record.Version)
	}

	// Round-trip through need_more_info; decide must then reject until the
	// dispute returns to in_review.
	tr, err = repo.RequestMoreInfo(ctx, rec.ID, arbiterA, 2)
	if err != nil {
		t.Fatalf("request more info: %v", err)
	}
	if !tr.Applied || tr.Record.Status != StatusNeedMoreInfo || tr.Record.Version != 3 {
		t.Fatalf("request more info: applied=%v status=%s version=%d", tr.Applied, tr.Record.Status, tr.Record.Version)
	}

	decision := Decision{Kind: KindNoAction, Note: "requirements were met"}
	tr, err = repo.DecideLocked(ctx, rec.ID, decision, 3, arbiterA)
	if err != nil {
		t.Fatalf("decide from need_more_info: %v", err)
	}
	if tr.Applied || tr.Reason != RejectBadStatus {
		t.Fatalf("decide outside in_review must reject with bad_status, got applied=%v reason=%s", tr.Applied, tr.Reason)
	}

	tr, err = repo.TakeInWork(ctx, rec.ID, arbiterA, 3)
	if err != nil {
		t.Fatalf("retake in work: %v", err)
	}
	if !tr.Applied || tr.Record.Version != 4 {
		t.Fatalf("retake in work: applied=%v version=%d", tr.Applied, tr.Record.Version)
	}

	tr, err = repo.DecideLocked(ctx, rec.ID, decision, 4, arbiterA)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !tr.Applied || tr.Record.Status != StatusDecided || tr.Record.LockedDecisionAt == nil || tr.Record.Version != 5 {
		t.Fatalf("decide: applied=%v status=%s locked=%v version=%d",
			tr.Applied, tr.Record.Status, tr.Record.LockedDecisionAt, tr.Record.Version)
	}

	// A second decide against the locked record must report locked, not apply.
	tr, err = repo.DecideLocked(ctx, rec.ID, decision, 5, arbiterA)
	if err != nil {
		t.Fatalf("decide (locked): %v", err)
	}
	if tr.Applied || tr.Reason != RejectLocked {
		t.Fatalf("second decide must reject with locked, got applied=%v reason=%s", tr.Applied, tr.Reason)
	}

	// Post-lock claim attempts must also bounce.
	tr, err = repo.TakeInWork(ctx, rec.ID, arbiterB, 0)
	if err != nil {
		t.Fatalf("take in work after lock: %v", err)
	}
	if tr.Applied || tr.Reason != RejectLocked {
		t.Fatalf("post-lock take in work: applied=%v reason=%s", tr.Applied, tr.Reason)
	}

	tr, err = repo.Close(ctx, contractID, arbiterA)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tr.Applied || tr.Record.Status != StatusClosed || tr.Record.Version != 6 {
		t.Fatalf("close: applied=%v status=%s version=%d", tr.Applied, tr.Record.Status, tr.Record.Version)
	}

	// Every applied transition left an audit row, and versions step by one.
	entries, err := auditRepo.ListForDispute(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("audit entries = %d, want 5 (open, take, more info, retake, close)", len(entries))
	}
	if last := entries[len(entries)-1]; last.ActionType != audit.ActionDisputeClosed || last.ActorUserID != arbiterA {
		t.Fatalf("last audit entry = %s by %q, want %s by the closing arbiter", last.ActionType, last.ActorUserID, audit.ActionDisputeClosed)
	}
	for _, e := range entries {
		if e.VersionBefore != nil && e.VersionAfter != nil && *e.VersionAfter != *e.VersionBefore+1 {
			t.Fatalf("audit version step %d -> %d on %s", *e.VersionBefore, *e.VersionAfter, e.ActionType)
		}
	}
}

// TestOpenRefusesTerminalContract_Integration verifies that opening a dispute
// against a contract that already finished its lifecycle is rejected and
// leaves no dispute row behind.
func TestOpenRefusesTerminalContract_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	clientID := newUUID(t, pool, ctx)
	executorID := newUUID(t, pool, ctx)

	var taskID, contractID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO tasks (client_id, title, status) VALUES ($1, 'terminal contract task', 'closed')
		RETURNING id
	`, clientID).Scan(&taskID); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO contracts (task_id, client_id, executor_id, escrow_amount, status)
		VALUES ($1, $2, $3, 100.00, 'approved')
		RETURNING id
	`, taskID, clientID, executorID).Scan(&contractID); err != nil {
		t.Fatalf("seed contract: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM disputes WHERE contract_id = $1`, contractID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE id = $1`, contractID)
		pool.Exec(ctx2, `DELETE FROM tasks WHERE id = $1`, taskID)
	})

	repo := NewRepository(pool, audit.NewRepository(pool))

	_, _, err = repo.Open(ctx, contractID, clientID, Reason{CategoryID: "quality", ReasonID: "late"})
	if !errors.Is(err, ErrContractNotDisputable) {
		t.Fatalf("open against approved contract err = %v, want ErrContractNotDisputable", err)
	}

	var disputeCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM disputes WHERE contract_id = $1`, contractID).Scan(&disputeCount); err != nil {
		t.Fatalf("count disputes: %v", err)
	}
	if disputeCount != 0 {
		t.Fatalf("disputes = %d, want 0 (insert must roll back)", disputeCount)
	}

	var contractStatus string
	if err := pool.QueryRow(ctx, `SELECT status FROM contracts WHERE id = $1`, contractID).Scan(&contractStatus); err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if contractStatus != "approved" {
		t.Fatalf("contract status = %s, want approved untouched", contractStatus)
	}
}

func newUUID(t *testing.T, pool *pgxpool.Pool, ctx context.Context) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&id); err != nil {
		t.Fatalf("generate uuid: %v", err)
	}
	return id
}
