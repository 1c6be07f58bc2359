package escrow

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/ledger"
)

// TestFreezeIdempotency_Integration verifies against a live PostgreSQL that a
// second freeze for the same (task, executor) key is a no-op even when it
// carries a different amount: the original hold survives and a single claim
// returns it.
func TestFreezeIdempotency_Integration(t *testing.T) {
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

	newID := func() string {
		var id string
		if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&id); err != nil {
			t.Fatalf("generate uuid: %v", err)
		}
		return id
	}

	customerID := newID()
	executorID := newID()

	var taskID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO tasks (client_id, title, status) VALUES ($1, 'freeze idempotency task', 'in_progress')
		RETURNING id
	`, customerID).Scan(&taskID); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM escrow_freezes WHERE task_id = $1`, taskID)
		pool.Exec(ctx2, `DELETE FROM tasks WHERE id = $1`, taskID)
		pool.Exec(ctx2, `DELETE FROM balances WHERE user_id = $1`, customerID)
	})

	repo := NewRepository(pool, ledger.NewRepository(pool))

	created, err := repo.Freeze(ctx, customerID, taskID, executorID, 300.00)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !created {
		t.Fatalf("first freeze must create the hold")
	}

	// Same key, different amount: no-op, no error, original amount preserved.
	created, err = repo.Freeze(ctx, customerID, taskID, executorID, 500.00)
	if err != nil {
		t.Fatalf("freeze (different amount): %v", err)
	}
	if created {
		t.Fatalf("second freeze must not create a hold")
	}

	entry, err := repo.GetFor(ctx, taskID, executorID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil {
		t.Fatalf("hold must still exist")
	}
	if ledger.Cents(entry.Amount) != 30000 {
		t.Fatalf("hold amount = %v, want the original 300.00", entry.Amount)
	}

	// The single claim returns the original amount; a second claim sees nothing.
	claimed, err := repo.ClaimFor(ctx, taskID, executorID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || ledger.Cents(claimed.Amount) != 30000 {
		t.Fatalf("claimed = %+v, want the original 300.00 hold", claimed)
	}
	again, err := repo.ClaimFor(ctx, taskID, executorID)
	if err != nil {
		t.Fatalf("claim (second): %v", err)
	}
	if again != nil {
		t.Fatalf("second claim = %+v, want nil", again)
	}
}
