package service

import (
	"context"

	"github.com/delegatehq/orchestrator/internal/authz"
	"github.com/delegatehq/orchestrator/internal/domain"
)

// CheckBudget reports a scope's standing against its cap. Privileged.
func (s *Service) CheckBudget(ctx context.Context, caller domain.Caller, scope domain.BudgetScope) (domain.BudgetCheck, error) {
	if err := s.scoper.RequireCapability(ctx, caller, authz.CapSetBudget); err != nil {
		return domain.BudgetCheck{}, err
	}
	return s.budget.Check(ctx, scope)
}

// SetBudget creates or replaces the cap for a scope's current period.
func (s *Service) SetBudget(ctx context.Context, caller domain.Caller, req domain.SetBudgetRequest) (*domain.Budget, error) {
	if err := s.scoper.RequireCapability(ctx, caller, authz.CapSetBudget); err != nil {
		return nil, err
	}
	return s.budget.SetCap(ctx, req.Scope, req.MonthlyCapUSD, req.AutoPause)
}

// UnpauseBudget lifts an auto-pause on a scope and records the intervention.
func (s *Service) UnpauseBudget(ctx context.Context, caller domain.Caller, scope domain.BudgetScope) error {
	if err := s.scoper.RequireCapability(ctx, caller, authz.CapUnpauseBudget); err != nil {
		return err
	}
	return s.budget.Unpause(ctx, scope, caller.UserID, "manual unpause by admin")
}
