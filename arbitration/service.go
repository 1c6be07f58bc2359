package arbitration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"disputeflow/audit"
	"disputeflow/contract"
	"disputeflow/dispute"
	"disputeflow/escrow"
	"disputeflow/ledger"
	"disputeflow/notify"
	"disputeflow/task"
)

var (
	// ErrValidation signals malformed input; nothing was read or written.
	ErrValidation = errors.New("arbitration: invalid input")
	// ErrDisputeNotFound signals the dispute does not exist.
	ErrDisputeNotFound = errors.New("arbitration: dispute not found")
	// ErrContractNotFound signals the dispute references a missing contract.
	ErrContractNotFound = errors.New("arbitration: contract not found")
	// ErrLocked signals the dispute already carries a locked decision.
	ErrLocked = errors.New("arbitration: decision already locked")
	// ErrBadStatus signals the dispute is not in_review.
	ErrBadStatus = errors.New("arbitration: dispute not in review")
	// ErrVersionMismatch signals the caller's version is stale; no funds moved.
	ErrVersionMismatch = errors.New("arbitration: stale version")
	// ErrArbiterMismatch signals the dispute belongs to a different arbiter.
	ErrArbiterMismatch = errors.New("arbitration: dispute assigned to another arbiter")
	// ErrEscrowNotFound signals no escrow hold existed for the contract's
	// (task, executor) key when a fund-moving decision tried to claim it.
	ErrEscrowNotFound = errors.New("arbitration: escrow entry not found")
	// ErrAmountMismatch signals a partial split that does not sum to the
	// frozen amount; the claim was rolled back and the hold survives.
	ErrAmountMismatch = errors.New("arbitration: partial amounts do not sum to escrow amount")
	// ErrContractNotDisputed signals the contract left the disputed status
	// underneath the dispute; the settlement transaction was rolled back.
	ErrContractNotDisputed = errors.New("arbitration: contract is not disputed")
	// ErrStaleAfterSettlement is the loud failure of the known ordering
	// window: funds were already deposited and the contract resolved, but the
	// decision lock lost its compare-and-swap. Operators must reconcile.
	ErrStaleAfterSettlement = errors.New("arbitration: decision lock lost after settlement; manual reconciliation required")
)

// Pool abstracts pgxpool.Pool for testability: transactions for the
// settlement path, plain Exec for standalone audit appends.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DisputeStore is the slice of the dispute repository the service needs.
type DisputeStore interface {
	GetByID(ctx context.Context, id string) (dispute.Record, error)
	DecideLocked(ctx context.Context, disputeID string, decision dispute.Decision, expectedVersion int, arbiterID string) (dispute.Transition, error)
	Close(ctx context.Context, contractID, closedByUserID string) (dispute.Transition, error)
}

// ContractStore reads contracts and resolves them inside the settlement
// transaction.
type ContractStore interface {
	GetByID(ctx context.Context, id string) (contract.Contract, error)
	MarkResolvedTx(ctx context.Context, tx pgx.Tx, id string) (contract.Contract, bool, error)
}

// EscrowStore claims holds inside the settlement transaction.
type EscrowStore interface {
	ClaimForTx(ctx context.Context, tx pgx.Tx, taskID, executorID string) (*escrow.FreezeEntry, error)
}

// Ledger deposits payouts inside the settlement transaction.
type Ledger interface {
	DepositTx(ctx context.Context, tx pgx.Tx, userID string, amount float64) (ledger.Balance, error)
}

// AssignmentMarker flags the task assignment settled.
type AssignmentMarker interface {
	MarkAccepted(ctx context.Context, q task.Execer, taskID, executorID string) error
}

// TaskSyncer recomputes the task's aggregate status after a settlement.
type TaskSyncer interface {
	SyncStatus(ctx context.Context, taskID string) (task.Task, error)
}

// AuditWriter appends audit entries through a pool or an open transaction.
type AuditWriter interface {
	Append(ctx context.Context, q audit.Execer, e audit.Entry) error
}

// Notifier and MessageWriter cover the fire-and-forget tail.
type Notifier interface {
	AddDisputeStatus(ctx context.Context, n notify.DisputeStatusNote) error
	AddRateCustomer(ctx context.Context, recipientUserID, actorUserID, taskID string) error
}

type MessageWriter interface {
	AddSystem(ctx context.Context, disputeID, text string) error
}

// Service is the arbitration decision orchestrator. It holds no state of its
// own; everything lives behind the injected repositories.
type Service struct {
	pool        Pool
	disputes    DisputeStore
	contracts   ContractStore
	escrow      EscrowStore
	ledger      Ledger
	assignments AssignmentMarker
	tasks       TaskSyncer
	auditLog    AuditWriter
	notifier    Notifier
	messages    MessageWriter
}

func NewService(
	pool Pool,
	disputes DisputeStore,
	contracts ContractStore,
	escrowStore EscrowStore,
	ledgerRepo Ledger,
	assignments AssignmentMarker,
	tasks TaskSyncer,
	auditLog AuditWriter,
	notifier Notifier,
	messages MessageWriter,
) *Service {
	return &Service{
		pool:        pool,
		disputes:    disputes,
		contracts:   contracts,
		escrow:      escrowStore,
		ledger:      ledgerRepo,
		assignments: assignments,
		tasks:       tasks,
		auditLog:    auditLog,
		notifier:    notifier,
		messages:    messages,
	}
}

// DecideAndExecute is the single entry point for settling a dispute. Every
// precondition failure aborts with no partial mutation; the one exception is
// the documented window between the committed settlement transaction and the
// decision lock, which surfaces as ErrStaleAfterSettlement.
//
// Fund movement happens before the decision lock on purpose: money moves,
// then state is frozen. The settlement transaction covers the escrow claim,
// the ledger deposits, the contract resolution, the assignment flag, and the
// audit entry, so those can never partially apply.
func (s *Service) DecideAndExecute(ctx context.Context, in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}

	rec, err := s.disputes.GetByID(ctx, in.DisputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return Result{}, ErrDisputeNotFound
		}
		return Result{}, err
	}
	switch {
	case rec.LockedDecisionAt != nil:
		return Result{}, ErrLocked
	case rec.Status != dispute.StatusInReview:
		return Result{}, fmt.Errorf("%w: status is %s", ErrBadStatus, rec.Status)
	case rec.Version != in.ExpectedVersion:
		return Result{}, fmt.Errorf("%w: have %d, expected %d", ErrVersionMismatch, rec.Version, in.ExpectedVersion)
	case rec.AssignedArbiterID != nil && *rec.AssignedArbiterID != in.ActorUserID:
		return Result{}, ErrArbiterMismatch
	}

	c, err := s.contracts.GetByID(ctx, rec.ContractID)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			return Result{}, ErrContractNotFound
		}
		return Result{}, err
	}

	payouts := map[string]float64{}
	decision := dispute.Decision{Kind: in.Kind, Note: in.Comment}

	if in.Kind.MovesFunds() {
		executorAmount, customerAmount, err := s.settle(ctx, in, rec, c)
		if err != nil {
			return Result{}, err
		}
		decision.ExecutorAmount = executorAmount
		decision.CustomerAmount = customerAmount
		if ledger.Cents(executorAmount) > 0 {
			payouts[c.ExecutorID] = executorAmount
		}
		if ledger.Cents(customerAmount) > 0 {
			payouts[c.ClientID] = customerAmount
		}
	}

	tr, err := s.disputes.DecideLocked(ctx, in.DisputeID, decision, in.ExpectedVersion, in.ActorUserID)
	if err != nil {
		if in.Kind.MovesFunds() {
			return Result{}, fmt.Errorf("%w: %v", ErrStaleAfterSettlement, err)
		}
		return Result{}, err
	}
	if !tr.Applied {
		if in.Kind.MovesFunds() {
			// Funds are already committed. This is the reconciliation case
			// and it must be loud, never swallowed.
			return Result{}, fmt.Errorf("%w: lock rejected (%s)", ErrStaleAfterSettlement, tr.Reason)
		}
		return Result{}, rejectionError(tr.Reason)
	}

	result := Result{Dispute: tr.Record, Payouts: payouts}

	if !in.Kind.MovesFunds() {
		before := tr.Record.Version - 1
		after := tr.Record.Version
		if err := s.auditLog.Append(ctx, s.pool, audit.Entry{
			DisputeID:     tr.Record.ID,
			ActionType:    audit.ActionDecisionExecute,
			ActorUserID:   in.ActorUserID,
			Summary:       fmt.Sprintf("decision %s locked without fund movement", in.Kind),
			Payload:       decisionPayload(in, payouts),
			VersionBefore: &before,
			VersionAfter:  &after,
		}); err != nil {
			result.SideEffectErrs = append(result.SideEffectErrs, err)
		}
	}

	s.runTail(ctx, in, &result, c)
	return result, nil
}

// settle runs the fund-moving transaction and returns the amounts deposited
// to the executor and the customer.
func (s *Service) settle(ctx context.Context, in Input, rec dispute.Record, c contract.Contract) (float64, float64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("arbitration: begin settlement tx: %w", err)
	}
	defer tx.Rollback(ctx)

	entry, err := s.escrow.ClaimForTx(ctx, tx, c.TaskID, c.ExecutorID)
	if err != nil {
		return 0, 0, err
	}
	if entry == nil {
		return 0, 0, ErrEscrowNotFound
	}

	var executorAmount, customerAmount float64
	switch in.Kind {
	case dispute.KindReleaseToExecutor:
		executorAmount = entry.Amount
	case dispute.KindRefundToCustomer:
		customerAmount = entry.Amount
	case dispute.KindPartialRefund:
		executorAmount = in.Partial.ExecutorAmount
		customerAmount = in.Partial.CustomerAmount
		if ledger.Cents(executorAmount)+ledger.Cents(customerAmount) != ledger.Cents(entry.Amount) {
			return 0, 0, fmt.Errorf("%w: %0.2f + %0.2f != %0.2f",
				ErrAmountMismatch, executorAmount, customerAmount, entry.Amount)
		}
	}

	if ledger.Cents(executorAmount) > 0 {
		if _, err := s.ledger.DepositTx(ctx, tx, c.ExecutorID, executorAmount); err != nil {
			return 0, 0, err
		}
	}
	if ledger.Cents(customerAmount) > 0 {
		if _, err := s.ledger.DepositTx(ctx, tx, c.ClientID, customerAmount); err != nil {
			return 0, 0, err
		}
	}

	if _, ok, err := s.contracts.MarkResolvedTx(ctx, tx, c.ID); err != nil {
		return 0, 0, err
	} else if !ok {
		return 0, 0, ErrContractNotDisputed
	}

	if err := s.assignments.MarkAccepted(ctx, tx, c.TaskID, c.ExecutorID); err != nil {
		return 0, 0, err
	}

	before := rec.Version
	after := rec.Version + 1
	payouts := map[string]float64{}
	if ledger.Cents(executorAmount) > 0 {
		payouts[c.ExecutorID] = executorAmount
	}
	if ledger.Cents(customerAmount) > 0 {
		payouts[c.ClientID] = customerAmount
	}
	if err := s.auditLog.Append(ctx, tx, audit.Entry{
		DisputeID:     rec.ID,
		ActionType:    audit.ActionDecisionExecute,
		ActorUserID:   in.ActorUserID,
		Summary:       fmt.Sprintf("decision %s settled %0.2f %s", in.Kind, entry.Amount, c.EscrowCurrency),
		Payload:       decisionPayload(in, payouts),
		VersionBefore: &before,
		VersionAfter:  &after,
	}); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("arbitration: commit settlement: %w", err)
	}
	return executorAmount, customerAmount, nil
}

// runTail performs the best-effort side effects. Failures are collected, not
// propagated: a notification outage is not a settlement failure.
func (s *Service) runTail(ctx context.Context, in Input, result *Result, c contract.Contract) {
	collect := func(err error) {
		if err != nil {
			result.SideEffectErrs = append(result.SideEffectErrs, err)
		}
	}

	collect(s.messages.AddSystem(ctx, result.Dispute.ID,
		fmt.Sprintf("Arbitration decision: %s. %s", in.Kind, in.Comment)))

	if in.Kind.MovesFunds() {
		if _, err := s.tasks.SyncStatus(ctx, c.TaskID); err != nil {
			collect(err)
		}
	}

	if in.CloseAfter {
		// The close audit entry is written by the dispute store inside its
		// own transaction.
		tr, err := s.disputes.Close(ctx, result.Dispute.ContractID, in.ActorUserID)
		collect(err)
		if err == nil && tr.Applied {
			result.Dispute = tr.Record
		}
	}

	for _, recipient := range []string{c.ClientID, c.ExecutorID} {
		if recipient == in.ActorUserID {
			continue
		}
		collect(s.notifier.AddDisputeStatus(ctx, notify.DisputeStatusNote{
			RecipientUserID: recipient,
			ActorUserID:     in.ActorUserID,
			TaskID:          c.TaskID,
			DisputeID:       result.Dispute.ID,
			Status:          string(result.Dispute.Status),
			Note:            in.Comment,
		}))
	}

	collect(s.notifier.AddRateCustomer(ctx, c.ExecutorID, in.ActorUserID, c.TaskID))
}

func validate(in Input) error {
	if in.DisputeID == "" || in.ActorUserID == "" {
		return fmt.Errorf("%w: dispute id and actor required", ErrValidation)
	}
	if in.ExpectedVersion < 1 {
		return fmt.Errorf("%w: expected version must be >= 1", ErrValidation)
	}
	if strings.TrimSpace(in.Comment) == "" {
		return fmt.Errorf("%w: comment required", ErrValidation)
	}
	if !in.Checklist.Complete() {
		return fmt.Errorf("%w: review checklist incomplete", ErrValidation)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: unknown decision kind %q", ErrValidation, in.Kind)
	}
	if in.Kind == dispute.KindPartialRefund {
		if in.Partial == nil {
			return fmt.Errorf("%w: partial amounts required", ErrValidation)
		}
		if in.Partial.ExecutorAmount < 0 || in.Partial.CustomerAmount < 0 {
			return fmt.Errorf("%w: partial amounts must be non-negative", ErrValidation)
		}
	}
	return nil
}

func rejectionError(reason dispute.RejectReason) error {
	switch reason {
	case dispute.RejectLocked:
		return ErrLocked
	case dispute.RejectVersionMismatch:
		return ErrVersionMismatch
	case dispute.RejectArbiterMismatch:
		return ErrArbiterMismatch
	case dispute.RejectNotFound:
		return ErrDisputeNotFound
	default:
		return fmt.Errorf("%w: %s", ErrBadStatus, reason)
	}
}

func decisionPayload(in Input, payouts map[string]float64) map[string]any {
	return map[string]any{
		"decision_kind": in.Kind,
		"comment":       in.Comment,
		"payouts":       payouts,
		"checklist":     in.Checklist,
		"decided_at":    time.Now().UTC(),
	}
}
