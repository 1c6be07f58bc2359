package arbitration

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/audit"
	"disputeflow/contract"
	"disputeflow/dispute"
	"disputeflow/escrow"
	"disputeflow/ledger"
	"disputeflow/notify"
	"disputeflow/task"
)

// TestSettlement_Integration drives a full partial-refund settlement against a
// live PostgreSQL: fund the customer, freeze escrow, open and claim the
// dispute, decide, and verify the money ended up exactly where the split said.
func TestSettlement_Integration(t *testing.T) {
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
		WHERE table_schema = 'public' AND table_name = 'escrow_freezes'
	)`).Scan(&schemaReady); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !schemaReady {
		t.Skip("database schema missing; apply migrations/001_init.sql first")
	}

	auditRepo := audit.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	escrowRepo := escrow.NewRepository(pool, ledgerRepo)
	contractRepo := contract.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool, auditRepo)
	taskRepo := task.NewRepository(pool, contractRepo)
	assignmentRepo := task.NewAssignmentRepo(pool)
	notifyRepo := notify.NewRepository(pool)
	messageRepo := notify.NewMessageRepo(pool)

	svc := NewService(pool, disputeRepo, contractRepo, escrowRepo, ledgerRepo,
		assignmentRepo, taskRepo, auditRepo, notifyRepo, messageRepo)

	newID := func() string {
		var id string
		if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&id); err != nil {
			t.Fatalf("generate uuid: %v", err)
		}
		return id
	}

	clientID := newID()
	executorID := newID()
	arbiterID := newID()

	var taskID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO tasks (client_id, title, status, executor_slots)
		VALUES ($1, 'integration settlement task', 'dispute', 0)
		RETURNING id
	`, clientID).Scan(&taskID); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO task_assignments (task_id, executor_id) VALUES ($1, $2)
	`, taskID, executorID); err != nil {
		t.Fatalf("seed assignment: %v", err)
	}

	c, err := contractRepo.Create(ctx, contract.CreateParams{
		TaskID:       taskID,
		ClientID:     clientID,
		ExecutorID:   executorID,
		EscrowAmount: 300.00,
	})
	if err != nil {
		t.Fatalf("seed contract: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM dispute_audit WHERE dispute_id IN (SELECT id FROM disputes WHERE contract_id = $1)`, c.ID)
		pool.Exec(ctx2, `DELETE FROM dispute_messages WHERE dispute_id IN (SELECT id FROM disputes WHERE contract_id = $1)`, c.ID)
		pool.Exec(ctx2, `DELETE FROM notifications WHERE task_id = $1`, taskID)
		pool.Exec(ctx2, `DELETE FROM disputes WHERE contract_id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM escrow_freezes WHERE task_id = $1`, taskID)
		pool.Exec(ctx2, `DELETE FROM contracts WHERE id = $1`, c.ID)
		pool.Exec(ctx2, `DELETE FROM task_assignments WHERE task_id = $1`, taskID)
		pool.Exec(ctx2, `DELETE FROM tasks WHERE id = $1`, taskID)
		pool.Exec(ctx2, `DELETE FROM balances WHERE user_id IN ($1, $2)`, clientID, executorID)
	})

	// Fund the customer and freeze the full escrow amount out of the balance.
	if _, err := ledgerRepo.Deposit(ctx, clientID, 300.00); err != nil {
		t.Fatalf("fund customer: %v", err)
	}
	created, err := escrowRepo.FreezeFunded(ctx, clientID, taskID, executorID, 300.00)
	if err != nil || !created {
		t.Fatalf("freeze: created=%v err=%v", created, err)
	}

	// A duplicate freeze for the same key must be a no-op that withdraws
	// nothing, even with a different amount: the 300.00 hold survives.
	created, err = escrowRepo.FreezeFunded(ctx, clientID, taskID, executorID, 450.00)
	if err != nil {
		t.Fatalf("freeze (duplicate): %v", err)
	}
	if created {
		t.Fatalf("duplicate freeze must not create a second hold")
	}
	held, err := escrowRepo.GetFor(ctx, taskID, executorID)
	if err != nil {
		t.Fatalf("read escrow: %v", err)
	}
	if held == nil || ledger.Cents(held.Amount) != 30000 {
		t.Fatalf("hold = %+v, want the original 300.00", held)
	}
	bal, err := ledgerRepo.Get(ctx, clientID)
	if err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if ledger.Cents(bal.Amount) != 0 {
		t.Fatalf("customer balance after freeze = %v, want 0", bal.Amount)
	}

	rec, _, err := disputeRepo.Open(ctx, c.ID, clientID, dispute.Reason{CategoryID: "quality", ReasonID: "incomplete"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	tr, err := disputeRepo.TakeInWork(ctx, rec.ID, arbiterID, rec.Version)
	if err != nil || !tr.Applied {
		t.Fatalf("take in work: applied=%v err=%v", tr.Applied, err)
	}

	in := Input{
		DisputeID:       rec.ID,
		ActorUserID:     arbiterID,
		ExpectedVersion: tr.Record.Version,
		Kind:            dispute.KindPartialRefund,
		Comment:         "work partially delivered; splitting escrow",
		Checklist:       Checklist{RequirementsReviewed: true, VideoReviewed: true, ChatReviewed: true},
		Partial:         &PartialSplit{ExecutorAmount: 180.00, CustomerAmount: 120.00},
	}

	res, err := svc.DecideAndExecute(ctx, in)
	if err != nil {
		t.Fatalf("decide and execute: %v", err)
	}
	for _, seErr := range res.SideEffectErrs {
		t.Logf("side effect: %v", seErr)
	}

	execBal, err := ledgerRepo.Get(ctx, executorID)
	if err != nil {
		t.Fatalf("read executor balance: %v", err)
	}
	custBal, err := ledgerRepo.Get(ctx, clientID)
	if err != nil {
		t.Fatalf("read customer balance: %v", err)
	}
	if ledger.Cents(execBal.Amount) != 18000 || ledger.Cents(custBal.Amount) != 12000 {
		t.Fatalf("balances = executor %v / customer %v, want 180.00 / 120.00", execBal.Amount, custBal.Amount)
	}

	entry, err := escrowRepo.GetFor(ctx, taskID, executorID)
	if err != nil {
		t.Fatalf("read escrow: %v", err)
	}
	if entry != nil {
		t.Fatalf("escrow hold must be claimed, still found %+v", entry)
	}

	settled, err := contractRepo.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("read contract: %v", err)
	}
	if settled.Status != contract.StatusResolved {
		t.Fatalf("contract status = %s, want resolved", settled.Status)
	}

	if res.Dispute.Status != dispute.StatusDecided || res.Dispute.LockedDecisionAt == nil {
		t.Fatalf("dispute = status %s locked %v, want decided and locked", res.Dispute.Status, res.Dispute.LockedDecisionAt)
	}

	// Replaying the decision must fail loudly without touching balances.
	if _, err := svc.DecideAndExecute(ctx, in); err == nil {
		t.Fatalf("replayed decision must fail")
	} else if !errors.Is(err, ErrLocked) && !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("replayed decision error = %v, want locked or stale version", err)
	}
	execBal, _ = ledgerRepo.Get(ctx, executorID)
	if ledger.Cents(execBal.Amount) != 18000 {
		t.Fatalf("executor balance after replay = %v, want 180.00", execBal.Amount)
	}

	// Exactly one settlement audit entry, with a version step of one.
	entries, err := auditRepo.ListForDispute(ctx, rec.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var settleEntries int
	for _, e := range entries {
		if e.ActionType == audit.ActionDecisionExecute {
			settleEntries++
			if e.VersionBefore == nil || e.VersionAfter == nil || *e.VersionAfter != *e.VersionBefore+1 {
				t.Fatalf("settlement audit versions = %v -> %v", e.VersionBefore, e.VersionAfter)
			}
		}
	}
	if settleEntries != 1 {
		t.Fatalf("settlement audit entries = %d, want 1", settleEntries)
	}
}
