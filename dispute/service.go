package dispute

import "context"

// Store abstracts the repository for the service so handlers and tests can
// swap in fakes.
type Store interface {
	Open(ctx context.Context, contractID, openedByUserID string, reason Reason) (Record, bool, error)
	TakeInWork(ctx context.Context, disputeID, arbiterID string, expectedVersion int) (Transition, error)
	RequestMoreInfo(ctx context.Context, disputeID, arbiterID string, expectedVersion int) (Transition, error)
	Close(ctx context.Context, contractID, closedByUserID string) (Transition, error)
	GetByID(ctx context.Context, id string) (Record, error)
	GetByContractID(ctx context.Context, contractID string) (Record, error)
	ListForTask(ctx context.Context, taskID string) ([]Record, error)
	ListOpen(ctx context.Context) ([]Record, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Open(ctx context.Context, contractID, openedByUserID string, reason Reason) (Record, bool, error) {
	return s.store.Open(ctx, contractID, openedByUserID, reason)
}

func (s *Service) TakeInWork(ctx context.Context, disputeID, arbiterID string, expectedVersion int) (Transition, error) {
	return s.store.TakeInWork(ctx, disputeID, arbiterID, expectedVersion)
}

func (s *Service) RequestMoreInfo(ctx context.Context, disputeID, arbiterID string, expectedVersion int) (Transition, error) {
	return s.store.RequestMoreInfo(ctx, disputeID, arbiterID, expectedVersion)
}

func (s *Service) Close(ctx context.Context, contractID, closedByUserID string) (Transition, error) {
	return s.store.Close(ctx, contractID, closedByUserID)
}

func (s *Service) GetByID(ctx context.Context, id string) (Record, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetByContractID(ctx context.Context, contractID string) (Record, error) {
	return s.store.GetByContractID(ctx, contractID)
}

func (s *Service) ListForTask(ctx context.Context, taskID string) ([]Record, error) {
	return s.store.ListForTask(ctx, taskID)
}

func (s *Service) ListOpen(ctx context.Context) ([]Record, error) {
	return s.store.ListOpen(ctx)
}
