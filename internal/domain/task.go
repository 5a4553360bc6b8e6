package domain

import (
	"encoding/json"
	"time"
)

// Task is the root record for one user-issued instruction and its entire
// delegation tree.
type Task struct {
	TaskID        string     `json:"task_id"`
	OwnerID       string     `json:"owner_id"`
	Instruction   string     `json:"instruction"`
	Status        TaskStatus `json:"status"`
	MasterAgentID string     `json:"master_agent_id,omitempty"`
	TotalCostUSD  float64    `json:"total_cost_usd"`
	TotalTokens   int        `json:"total_tokens"`
	AgentsUsed    int        `json:"agents_used"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Session is one agent invocation, a node in the delegation tree. The parent
// reference is nil only for the root session of a task.
type Session struct {
	SessionID       string        `json:"session_id"`
	TaskID          string        `json:"task_id"`
	AgentID         string        `json:"agent_id"`
	ParentSessionID string        `json:"parent_session_id,omitempty"`
	Instruction     string        `json:"instruction"`
	Status          SessionStatus `json:"status"`
	Model           string        `json:"model"`
	Type            SessionType   `json:"type"`
	CostUSD         float64       `json:"cost_usd"`
	TokensIn        int           `json:"tokens_in"`
	TokensOut       int           `json:"tokens_out"`
	DurationMs      int64         `json:"duration_ms"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`

	// Children is populated only by tree reconstruction, never persisted.
	Children []*Session `json:"children,omitempty"`
}

// Event is an append-only fine-grained log entry inside a session. Events
// are never mutated or deleted.
type Event struct {
	EventID     string          `json:"event_id"`
	SessionID   string          `json:"session_id"`
	Type        EventType       `json:"type"`
	Content     string          `json:"content,omitempty"`
	FromAgentID string          `json:"from_agent_id,omitempty"`
	ToAgentID   string          `json:"to_agent_id,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Tokens      int             `json:"tokens"`
	CostUSD     float64         `json:"cost_usd"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
	Ts          int64           `json:"ts"` // Unix milliseconds
}
