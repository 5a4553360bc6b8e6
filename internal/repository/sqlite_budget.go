package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// UpsertBudget creates or replaces the budget row for a scope and period.
func (s *SQLiteStore) UpsertBudget(ctx context.Context, budget *domain.Budget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (budget_id, agent_id, team_id, month, year, monthly_cap_usd, current_spend_usd, auto_pause, paused, paused_at, paused_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(COALESCE(agent_id, ''), COALESCE(team_id, ''), month, year)
		 DO UPDATE SET monthly_cap_usd = excluded.monthly_cap_usd, auto_pause = excluded.auto_pause`,
		budget.BudgetID, nullString(budget.AgentID), nullString(budget.TeamID), budget.Month, budget.Year,
		budget.MonthlyCapUSD, budget.CurrentSpendUSD, budget.AutoPause, budget.Paused, budget.PausedAt, nullString(budget.PausedBy))
	return err
}

// GetBudget retrieves the budget row for a scope and period.
func (s *SQLiteStore) GetBudget(ctx context.Context, scope domain.BudgetScope, month, year int) (*domain.Budget, error) {
	var b domain.Budget
	var agentID, teamID, pausedBy sql.NullString
	var pausedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT budget_id, agent_id, team_id, month, year, monthly_cap_usd, current_spend_usd, auto_pause, paused, paused_at, paused_by
		 FROM budgets WHERE COALESCE(agent_id, '') = ? AND COALESCE(team_id, '') = ? AND month = ? AND year = ?`,
		scope.AgentID, scope.TeamID, month, year).
		Scan(&b.BudgetID, &agentID, &teamID, &b.Month, &b.Year, &b.MonthlyCapUSD, &b.CurrentSpendUSD,
			&b.AutoPause, &b.Paused, &pausedAt, &pausedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if agentID.Valid {
		b.AgentID = agentID.String
	}
	if teamID.Valid {
		b.TeamID = teamID.String
	}
	if pausedAt.Valid {
		b.PausedAt = &pausedAt.Time
	}
	if pausedBy.Valid {
		b.PausedBy = pausedBy.String
	}
	return &b, nil
}

// AddSpend atomically increments the current spend for a scope's period.
// Returns false when no budget row exists for the scope (untracked spend).
func (s *SQLiteStore) AddSpend(ctx context.Context, scope domain.BudgetScope, month, year int, amountUSD float64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET current_spend_usd = current_spend_usd + ?
		 WHERE COALESCE(agent_id, '') = ? AND COALESCE(team_id, '') = ? AND month = ? AND year = ?`,
		amountUSD, scope.AgentID, scope.TeamID, month, year)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// PauseBudgetScope flags the budget row paused and pauses the agent in one
// transaction.
func (s *SQLiteStore) PauseBudgetScope(ctx context.Context, budgetID, agentID, pausedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE budgets SET paused = 1, paused_at = ?, paused_by = ? WHERE budget_id = ?`,
		now, pausedBy, budgetID); err != nil {
		return err
	}
	if agentID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ? WHERE agent_id = ?`, domain.AgentStatusPaused, agentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnpauseBudgetScope clears the paused flag and reactivates the agent.
func (s *SQLiteStore) UnpauseBudgetScope(ctx context.Context, budgetID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE budgets SET paused = 0, paused_at = NULL, paused_by = NULL WHERE budget_id = ?`, budgetID); err != nil {
		return err
	}
	if agentID != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ? WHERE agent_id = ?`, domain.AgentStatusActive, agentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertAgent registers or updates an agent configuration.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *domain.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (agent_id, name, model, system_prompt, max_tokens, team_id, critical, status, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.AgentID, agent.Name, agent.Model, nullString(agent.SystemPrompt), agent.MaxTokens,
		nullString(agent.TeamID), agent.Critical, agent.Status, nullString(agent.CreatedBy), agent.CreatedAt)
	return err
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	return s.getAgentBy(ctx, `agent_id = ?`, agentID)
}

// GetAgentByName retrieves an agent by its unique name.
func (s *SQLiteStore) GetAgentByName(ctx context.Context, name string) (*domain.Agent, error) {
	return s.getAgentBy(ctx, `name = ?`, name)
}

func (s *SQLiteStore) getAgentBy(ctx context.Context, where string, arg interface{}) (*domain.Agent, error) {
	var agent domain.Agent
	var systemPrompt, teamID, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, model, system_prompt, max_tokens, team_id, critical, status, created_by, created_at
		 FROM agents WHERE `+where, arg).
		Scan(&agent.AgentID, &agent.Name, &agent.Model, &systemPrompt, &agent.MaxTokens,
			&teamID, &agent.Critical, &agent.Status, &createdBy, &agent.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if systemPrompt.Valid {
		agent.SystemPrompt = systemPrompt.String
	}
	if teamID.Valid {
		agent.TeamID = teamID.String
	}
	if createdBy.Valid {
		agent.CreatedBy = createdBy.String
	}
	return &agent, nil
}

// ListAgents lists agents, optionally restricted to a set of creators.
// A nil createdBy slice means unfiltered.
func (s *SQLiteStore) ListAgents(ctx context.Context, createdBy []string) ([]domain.Agent, error) {
	query := `SELECT agent_id, name, model, system_prompt, max_tokens, team_id, critical, status, created_by, created_at FROM agents`
	var args []interface{}
	if createdBy != nil {
		if len(createdBy) == 0 {
			return nil, nil
		}
		placeholders := make([]string, len(createdBy))
		for i, id := range createdBy {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += ` WHERE created_by IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []domain.Agent
	for rows.Next() {
		var agent domain.Agent
		var systemPrompt, teamID, createdByCol sql.NullString
		if err := rows.Scan(&agent.AgentID, &agent.Name, &agent.Model, &systemPrompt, &agent.MaxTokens,
			&teamID, &agent.Critical, &agent.Status, &createdByCol, &agent.CreatedAt); err != nil {
			return nil, err
		}
		if systemPrompt.Valid {
			agent.SystemPrompt = systemPrompt.String
		}
		if teamID.Valid {
			agent.TeamID = teamID.String
		}
		if createdByCol.Valid {
			agent.CreatedBy = createdByCol.String
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgentStatus updates an agent's operational status.
func (s *SQLiteStore) UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE agent_id = ?`, status, agentID)
	return err
}

// AppendConfigChange records an administrative mutation. Write-once.
func (s *SQLiteStore) AppendConfigChange(ctx context.Context, change *domain.ConfigChange) error {
	before := ""
	if change.Before != nil {
		before = string(change.Before)
	}
	after := ""
	if change.After != nil {
		after = string(change.After)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_changes (change_id, agent_id, actor, reason, before_state, after_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.ChangeID, change.AgentID, change.Actor, nullString(change.Reason),
		nullString(before), nullString(after), change.CreatedAt)
	return err
}

// ListConfigChanges lists the change log for an agent, newest first.
func (s *SQLiteStore) ListConfigChanges(ctx context.Context, agentID string, limit int) ([]domain.ConfigChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT change_id, agent_id, actor, reason, before_state, after_state, created_at
		 FROM config_changes WHERE agent_id = ? ORDER BY created_at DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []domain.ConfigChange
	for rows.Next() {
		var change domain.ConfigChange
		var reason, before, after sql.NullString
		if err := rows.Scan(&change.ChangeID, &change.AgentID, &change.Actor, &reason, &before, &after, &change.CreatedAt); err != nil {
			return nil, err
		}
		if reason.Valid {
			change.Reason = reason.String
		}
		if before.Valid {
			change.Before = []byte(before.String)
		}
		if after.Valid {
			change.After = []byte(after.String)
		}
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

// UpsertDepartment maintains the org read-model.
func (s *SQLiteStore) UpsertDepartment(ctx context.Context, dept *domain.Department) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO departments (department_id, name, manager_user_id) VALUES (?, ?, ?)`,
		dept.DepartmentID, dept.Name, nullString(dept.ManagerUserID))
	return err
}

// UpsertEmployee maintains the org read-model.
func (s *SQLiteStore) UpsertEmployee(ctx context.Context, emp *domain.Employee) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO employees (employee_id, user_id, department_id) VALUES (?, ?, ?)`,
		emp.EmployeeID, emp.UserID, emp.DepartmentID)
	return err
}

// ListManagedUserIDs resolves the user ids of every employee in a
// department managed by the given user.
func (s *SQLiteStore) ListManagedUserIDs(ctx context.Context, managerUserID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.user_id FROM employees e
		 JOIN departments d ON e.department_id = d.department_id
		 WHERE d.manager_user_id = ?`, managerUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}
