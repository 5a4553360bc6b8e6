// Package budget evaluates monthly spend caps and drives the auto-pause
// behavior that stops an over-cap agent from taking new work.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/domain"
	store "github.com/delegatehq/orchestrator/internal/repository"
)

// Alert thresholds as percentage of the monthly cap. Crossing a threshold
// adds its alert; thresholds are cumulative, never replacing earlier ones.
var alertThresholds = []float64{60, 80, 100}

type Engine struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(st store.Store, log *zap.Logger) *Engine {
	return &Engine{store: st, log: log, now: time.Now}
}

// Check evaluates the scope's spend for the current month. A scope with no
// budget row is unconstrained: HasBudget is false and no alerts fire. For an
// agent scope whose agent is flagged critical, ShouldPause stays false no
// matter how far over cap the spend is; the alerts still fire.
func (e *Engine) Check(ctx context.Context, scope domain.BudgetScope) (domain.BudgetCheck, error) {
	now := e.now()
	b, err := e.store.GetBudget(ctx, scope, int(now.Month()), now.Year())
	if err != nil {
		return domain.BudgetCheck{}, goerr.Wrap(err, "failed to load budget",
			goerr.V("agent_id", scope.AgentID), goerr.V("team_id", scope.TeamID))
	}
	if b == nil {
		return domain.BudgetCheck{}, nil
	}
	check := evaluate(b)
	if check.ShouldPause && scope.AgentID != "" {
		agent, err := e.store.GetAgent(ctx, scope.AgentID)
		if err != nil {
			return domain.BudgetCheck{}, goerr.Wrap(err, "failed to load agent for pause check",
				goerr.V("agent_id", scope.AgentID))
		}
		if agent != nil && agent.Critical {
			check.ShouldPause = false
		}
	}
	return check, nil
}

func evaluate(b *domain.Budget) domain.BudgetCheck {
	check := domain.BudgetCheck{HasBudget: true}
	if b.MonthlyCapUSD <= 0 {
		return check
	}
	check.Percentage = b.CurrentSpendUSD / b.MonthlyCapUSD * 100
	for _, threshold := range alertThresholds {
		if check.Percentage >= threshold {
			check.Alerts = append(check.Alerts, fmt.Sprintf("budget_%d_percent", int(threshold)))
		}
	}
	check.ShouldPause = check.Percentage >= 100 && b.AutoPause
	return check
}

// RecordSpend adds a completed session's cost to its scope's ledger and
// pauses the agent when the cap is breached. Critical agents keep running
// past 100 percent; the alert still fires.
func (e *Engine) RecordSpend(ctx context.Context, scope domain.BudgetScope, agentID string, amountUSD float64) (domain.BudgetCheck, error) {
	now := e.now()
	tracked, err := e.store.AddSpend(ctx, scope, int(now.Month()), now.Year(), amountUSD)
	if err != nil {
		return domain.BudgetCheck{}, goerr.Wrap(err, "failed to record spend",
			goerr.V("agent_id", scope.AgentID), goerr.V("amount_usd", amountUSD))
	}
	if !tracked {
		return domain.BudgetCheck{}, nil
	}

	check, err := e.Check(ctx, scope)
	if err != nil {
		return domain.BudgetCheck{}, err
	}
	if !check.ShouldPause || agentID == "" {
		return check, nil
	}

	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return check, goerr.Wrap(err, "failed to load agent for pause check", goerr.V("agent_id", agentID))
	}
	if agent == nil {
		return check, nil
	}
	if agent.Critical {
		check.ShouldPause = false
		e.log.Warn("budget exceeded but agent is critical, not pausing",
			zap.String("agent_id", agentID),
			zap.Float64("percentage", check.Percentage))
		return check, nil
	}

	b, err := e.store.GetBudget(ctx, scope, int(now.Month()), now.Year())
	if err != nil || b == nil {
		return check, err
	}
	if b.Paused {
		return check, nil
	}
	if err := e.store.PauseBudgetScope(ctx, b.BudgetID, agentID, "system"); err != nil {
		return check, goerr.Wrap(err, "failed to auto-pause agent", goerr.V("agent_id", agentID))
	}
	e.log.Info("agent auto-paused on budget breach",
		zap.String("agent_id", agentID),
		zap.String("budget_id", b.BudgetID),
		zap.Float64("percentage", check.Percentage))
	return check, nil
}

// SetCap creates or replaces the cap for a scope in the current month.
func (e *Engine) SetCap(ctx context.Context, scope domain.BudgetScope, capUSD float64, autoPause bool) (*domain.Budget, error) {
	if capUSD <= 0 {
		return nil, goerr.Wrap(domain.ErrBadInput, "monthly cap must be positive", goerr.V("cap_usd", capUSD))
	}
	if scope.AgentID == "" && scope.TeamID == "" {
		return nil, goerr.Wrap(domain.ErrBadInput, "budget scope requires an agent or team")
	}
	if scope.AgentID != "" && scope.TeamID != "" {
		return nil, goerr.Wrap(domain.ErrBadInput, "budget scope cannot name both agent and team")
	}
	now := e.now()
	b := &domain.Budget{
		BudgetID:      "bud_" + uuid.New().String()[:8],
		AgentID:       scope.AgentID,
		TeamID:        scope.TeamID,
		Month:         int(now.Month()),
		Year:          now.Year(),
		MonthlyCapUSD: capUSD,
		AutoPause:     autoPause,
	}
	if err := e.store.UpsertBudget(ctx, b); err != nil {
		return nil, goerr.Wrap(err, "failed to upsert budget")
	}
	return e.store.GetBudget(ctx, scope, b.Month, b.Year)
}

// Unpause lifts a pause and records who did it. The audit entry is the
// only trace of manual intervention, so it is written before returning.
func (e *Engine) Unpause(ctx context.Context, scope domain.BudgetScope, actor, reason string) error {
	now := e.now()
	b, err := e.store.GetBudget(ctx, scope, int(now.Month()), now.Year())
	if err != nil {
		return goerr.Wrap(err, "failed to load budget for unpause")
	}
	if b == nil {
		return goerr.Wrap(domain.ErrNotFound, "no budget for scope",
			goerr.V("agent_id", scope.AgentID), goerr.V("team_id", scope.TeamID))
	}
	if !b.Paused {
		return goerr.Wrap(domain.ErrConflict, "budget scope is not paused", goerr.V("budget_id", b.BudgetID))
	}
	if err := e.store.UnpauseBudgetScope(ctx, b.BudgetID, b.AgentID); err != nil {
		return goerr.Wrap(err, "failed to unpause budget scope")
	}
	if b.AgentID != "" {
		before, _ := json.Marshal(map[string]string{"status": string(domain.AgentStatusPaused)})
		after, _ := json.Marshal(map[string]string{"status": string(domain.AgentStatusActive)})
		change := &domain.ConfigChange{
			ChangeID:  "chg_" + uuid.New().String()[:8],
			AgentID:   b.AgentID,
			Actor:     actor,
			Reason:    reason,
			Before:    before,
			After:     after,
			CreatedAt: now,
		}
		if err := e.store.AppendConfigChange(ctx, change); err != nil {
			e.log.Error("failed to record unpause audit entry",
				zap.String("agent_id", b.AgentID), zap.Error(err))
		}
	}
	e.log.Info("budget scope unpaused",
		zap.String("budget_id", b.BudgetID),
		zap.String("actor", actor))
	return nil
}
