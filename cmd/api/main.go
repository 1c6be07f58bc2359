package main

import (
	"context"
	"log"
	"os"

	"disputeflow/arbitration"
	"disputeflow/audit"
	"disputeflow/contract"
	"disputeflow/db"
	"disputeflow/dispute"
	"disputeflow/escrow"
	"disputeflow/ledger"
	"disputeflow/notify"
	"disputeflow/task"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	auditRepo := audit.NewRepository(pool)
	ledgerRepo := ledger.NewRepository(pool)
	escrowRepo := escrow.NewRepository(pool, ledgerRepo)
	contractRepo := contract.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool, auditRepo)
	taskRepo := task.NewRepository(pool, contractRepo)
	assignmentRepo := task.NewAssignmentRepo(pool)
	notifyRepo := notify.NewRepository(pool)
	messageRepo := notify.NewMessageRepo(pool)

	disputeService := dispute.NewService(disputeRepo)
	arbitrationService := arbitration.NewService(
		pool,
		disputeRepo,
		contractRepo,
		escrowRepo,
		ledgerRepo,
		assignmentRepo,
		taskRepo,
		auditRepo,
		notifyRepo,
		messageRepo,
	)

	log.Printf("arbitration engine ready: disputes=%v decisions=%v",
		disputeService != nil, arbitrationService != nil)
}
