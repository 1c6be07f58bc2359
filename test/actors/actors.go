package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"disputeflow/arbitration"
	"disputeflow/contract"
	"disputeflow/dispute"
	"disputeflow/escrow"
	"disputeflow/ledger"
)

// Env bundles the pool and repositories the actors drive. Actors go through
// the real repositories and the arbitration service, not raw SQL, so the
// stress run exercises the same guards production traffic hits.
type Env struct {
	Pool        *pgxpool.Pool
	Ledger      *ledger.Repository
	Escrow      *escrow.Repository
	Contracts   *contract.Repository
	Disputes    *dispute.Repository
	Arbitration *arbitration.Service
}

// Opener keeps the pipeline fed: fund the customer, create a contract with a
// fresh executor, freeze escrow out of the balance, open a dispute. Each
// deposit is recorded in funding_log first so the conservation oracle can
// compare totals.
func Opener(ctx context.Context, env Env, taskID, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		executorID := uuid.NewString()
		amount := float64(50+rand.Intn(500)) + float64(rand.Intn(100))/100

		if _, err := env.Pool.Exec(ctx, `INSERT INTO funding_log (user_id, amount) VALUES ($1, $2)`, clientID, amount); err != nil {
			sleepJitter(20)
			continue
		}
		if _, err := env.Ledger.Deposit(ctx, clientID, amount); err != nil {
			sleepJitter(20)
			continue
		}

		c, err := env.Contracts.Create(ctx, contract.CreateParams{
			TaskID:       taskID,
			ClientID:     clientID,
			ExecutorID:   executorID,
			EscrowAmount: amount,
		})
		if err != nil {
			sleepJitter(20)
			continue
		}
		if _, err := env.Pool.Exec(ctx, `
			INSERT INTO task_assignments (task_id, executor_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, taskID, executorID); err != nil {
			sleepJitter(20)
			continue
		}

		if _, err := env.Escrow.FreezeFunded(ctx, clientID, taskID, executorID, amount); err != nil {
			sleepJitter(20)
			continue
		}

		_, _, _ = env.Disputes.Open(ctx, c.ID, clientID, dispute.Reason{
			CategoryID: "quality",
			ReasonID:   fmt.Sprintf("reason_%d", rand.Intn(4)),
		})

		sleepJitter(60)
	}
}

// Arbiter races the other arbiters for open disputes: claim with the version
// it read, occasionally bounce through need_more_info, then decide. Soft
// rejections (lost CAS, another arbiter owns the dispute) are the expected
// outcome of contention and are ignored; a decision lock lost after
// settlement is the one error that must surface.
func Arbiter(ctx context.Context, env Env, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		open, err := env.Disputes.ListOpen(ctx)
		if err != nil || len(open) == 0 {
			sleepJitter(50)
			continue
		}
		rec := open[rand.Intn(len(open))]

		if rec.Status != dispute.StatusInReview {
			tr, err := env.Disputes.TakeInWork(ctx, rec.ID, arbiterID, rec.Version)
			if err != nil || !tr.Applied {
				sleepJitter(30)
				continue
			}
			rec = tr.Record
		}

		// Sometimes ask for more info and walk away; the dispute is assigned
		// now, so only this arbiter can pick it back up later.
		if rand.Intn(5) == 0 {
			_, _ = env.Disputes.RequestMoreInfo(ctx, rec.ID, arbiterID, rec.Version)
			sleepJitter(30)
			continue
		}

		if err := decide(ctx, env, rec, arbiterID); err != nil {
			return err
		}
		sleepJitter(40)
	}
}

func decide(ctx context.Context, env Env, rec dispute.Record, arbiterID string) error {
	kinds := []dispute.DecisionKind{
		dispute.KindReleaseToExecutor,
		dispute.KindRefundToCustomer,
		dispute.KindPartialRefund,
		dispute.KindRedoRequired,
		dispute.KindNoAction,
	}
	in := arbitration.Input{
		DisputeID:       rec.ID,
		ActorUserID:     arbiterID,
		ExpectedVersion: rec.Version,
		Kind:            kinds[rand.Intn(len(kinds))],
		Comment:         "stress decision",
		Checklist: arbitration.Checklist{
			RequirementsReviewed: true,
			VideoReviewed:        true,
			ChatReviewed:         true,
		},
		CloseAfter: rand.Intn(3) == 0,
	}

	if in.Kind == dispute.KindPartialRefund {
		c, err := env.Contracts.GetByID(ctx, rec.ContractID)
		if err != nil {
			return nil
		}
		total := ledger.Cents(c.EscrowAmount)
		if total <= 0 {
			return nil
		}
		execCents := rand.Int63n(total + 1)
		in.Partial = &arbitration.PartialSplit{
			ExecutorAmount: float64(execCents) / 100,
			CustomerAmount: float64(total-execCents) / 100,
		}
	}

	_, err := env.Arbitration.DecideAndExecute(ctx, in)
	if err != nil && errors.Is(err, arbitration.ErrStaleAfterSettlement) {
		return fmt.Errorf("arbiter %s: %w", arbiterID, err)
	}
	// Other errors: lost the race, another arbiter owns or already locked the
	// dispute, or a chaos kill dropped the connection mid-flight. Survivable.
	return nil
}

// Closer sweeps decided disputes into closed.
func Closer(ctx context.Context, env Env, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		rows, err := env.Pool.Query(ctx, `SELECT contract_id FROM disputes WHERE status = 'decided' LIMIT 10`)
		if err != nil {
			sleepJitter(100)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()

		for _, contractID := range ids {
			// System sweep, no acting user; the close is still audited.
			_, _ = env.Disputes.Close(ctx, contractID, "")
		}
		sleepJitter(150)
	}
}

// Refunder exercises the cancellation path on scratch tasks that never reach
// arbitration: fund, freeze, release. Net effect on the conservation totals
// is zero.
func Refunder(ctx context.Context, env Env, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		amount := float64(10 + rand.Intn(90))
		var taskID string
		if err := env.Pool.QueryRow(ctx, `
			INSERT INTO tasks (client_id, title, status) VALUES ($1, 'scratch refund task', 'open')
			RETURNING id
		`, clientID).Scan(&taskID); err != nil {
			sleepJitter(100)
			continue
		}
		if _, err := env.Pool.Exec(ctx, `INSERT INTO funding_log (user_id, amount) VALUES ($1, $2)`, clientID, amount); err != nil {
			sleepJitter(100)
			continue
		}
		if _, err := env.Ledger.Deposit(ctx, clientID, amount); err != nil {
			sleepJitter(100)
			continue
		}
		if _, err := env.Escrow.FreezeFunded(ctx, clientID, taskID, uuid.NewString(), amount); err != nil {
			sleepJitter(100)
			continue
		}
		_, _ = env.Escrow.ReleaseForTask(ctx, taskID)
		sleepJitter(200)
	}
}

func sleepJitter(baseMillis int) {
	time.Sleep(time.Duration(baseMillis+rand.Intn(baseMillis+1)) * time.Millisecond)
}
