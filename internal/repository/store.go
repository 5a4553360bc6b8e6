// Package store persists the trace tree (tasks, sessions, events) plus
// budgets, agent configs and the org read-model.
package store

import (
	"context"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// Store defines the persistence operations of the orchestrator.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	UpdateTaskCompleted(ctx context.Context, taskID string, status domain.TaskStatus, totalCostUSD float64, totalTokens, agentsUsed int) error
	ListTasks(ctx context.Context, ownerIDs []string, filter domain.TaskFilter) ([]domain.Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpdateSessionCompleted(ctx context.Context, sessionID string, status domain.SessionStatus, costUSD float64, tokensIn, tokensOut int, durationMs int64) error
	ListTaskSessions(ctx context.Context, taskID string) ([]domain.Session, error)
	GetSessionTree(ctx context.Context, taskID string) ([]*domain.Session, error)

	// Event operations. AppendEvent atomically increments the owning
	// session's token/cost counters in the same transaction.
	AppendEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, sessionID string, filter domain.EventFilter) ([]domain.Event, error)
	GetTaskEvents(ctx context.Context, taskID string, afterTs int64, limit int) ([]domain.Event, error)

	// Budget operations
	UpsertBudget(ctx context.Context, budget *domain.Budget) error
	GetBudget(ctx context.Context, scope domain.BudgetScope, month, year int) (*domain.Budget, error)
	AddSpend(ctx context.Context, scope domain.BudgetScope, month, year int, amountUSD float64) (bool, error)
	PauseBudgetScope(ctx context.Context, budgetID, agentID, pausedBy string) error
	UnpauseBudgetScope(ctx context.Context, budgetID, agentID string) error

	// Agent operations
	UpsertAgent(ctx context.Context, agent *domain.Agent) error
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
	GetAgentByName(ctx context.Context, name string) (*domain.Agent, error)
	ListAgents(ctx context.Context, createdBy []string) ([]domain.Agent, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) error

	// Config change log (append-only)
	AppendConfigChange(ctx context.Context, change *domain.ConfigChange) error
	ListConfigChanges(ctx context.Context, agentID string, limit int) ([]domain.ConfigChange, error)

	// Org read-model
	UpsertDepartment(ctx context.Context, dept *domain.Department) error
	UpsertEmployee(ctx context.Context, emp *domain.Employee) error
	ListManagedUserIDs(ctx context.Context, managerUserID string) ([]string, error)

	Close() error
}
