package domain

import (
	"encoding/json"
	"time"
)

// BudgetScope identifies which spend ledger an operation is charged to:
// either a single agent or a team, never both.
type BudgetScope struct {
	AgentID string `json:"agent_id,omitempty"`
	TeamID  string `json:"team_id,omitempty"`
}

// Budget is the spend ledger for one scope and one calendar month. Exactly
// one row exists per (scope, month, year).
type Budget struct {
	BudgetID        string     `json:"budget_id"`
	AgentID         string     `json:"agent_id,omitempty"`
	TeamID          string     `json:"team_id,omitempty"`
	Month           int        `json:"month"`
	Year            int        `json:"year"`
	MonthlyCapUSD   float64    `json:"monthly_cap_usd"`
	CurrentSpendUSD float64    `json:"current_spend_usd"`
	AutoPause       bool       `json:"auto_pause"`
	Paused          bool       `json:"paused"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	PausedBy        string     `json:"paused_by,omitempty"`
}

// BudgetCheck is the result of evaluating a scope's spend against its cap.
type BudgetCheck struct {
	HasBudget   bool     `json:"has_budget"`
	Percentage  float64  `json:"percentage"`
	Alerts      []string `json:"alerts,omitempty"`
	ShouldPause bool     `json:"should_pause"`
}

// Agent is the operating configuration of a registered agent. The master
// agent is the only one handed the delegation tool.
type Agent struct {
	AgentID      string      `json:"agent_id"`
	Name         string      `json:"name"`
	Model        string      `json:"model"`
	SystemPrompt string      `json:"system_prompt,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
	TeamID       string      `json:"team_id,omitempty"`
	Critical     bool        `json:"critical"`
	Status       AgentStatus `json:"status"`
	CreatedBy    string      `json:"created_by,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// ConfigChange is an immutable record of an administrative mutation to an
// agent's operating parameters. Write-once, read-many.
type ConfigChange struct {
	ChangeID  string          `json:"change_id"`
	AgentID   string          `json:"agent_id"`
	Actor     string          `json:"actor"`
	Reason    string          `json:"reason,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Department and Employee form the org read-model the authorization scoper
// walks. Record management itself lives outside this service.
type Department struct {
	DepartmentID  string `json:"department_id"`
	Name          string `json:"name"`
	ManagerUserID string `json:"manager_user_id"`
}

type Employee struct {
	EmployeeID   string `json:"employee_id"`
	UserID       string `json:"user_id"`
	DepartmentID string `json:"department_id"`
}

// Caller is the authenticated identity attached to every request.
type Caller struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
