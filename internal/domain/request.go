package domain

// SubmitRequest starts a new delegation task.
type SubmitRequest struct {
	Instruction   string `json:"instruction"`
	MasterAgentID string `json:"master_agent_id,omitempty"`
}

// SubmitResponse is returned immediately after the root records are
// persisted; the chain itself runs asynchronously.
type SubmitResponse struct {
	TaskID        string `json:"task_id"`
	RootSessionID string `json:"root_session_id"`
}

// BillingMeta is attached to every mutating response that triggered billing
// so callers can reconcile their own accounting.
type BillingMeta struct {
	TaskID    string  `json:"task_id"`
	SessionID string  `json:"session_id"`
	CostUSD   float64 `json:"cost_usd"`
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status  TaskStatus `json:"status,omitempty"`
	AgentID string     `json:"agent_id,omitempty"`
	Since   int64      `json:"since,omitempty"` // Unix ms, inclusive
	Until   int64      `json:"until,omitempty"` // Unix ms, exclusive
	Limit   int        `json:"limit,omitempty"`
	Offset  int        `json:"offset,omitempty"`
}

// EventFilter narrows event listings within a session.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	AfterTs int64       `json:"after_ts,omitempty"`
	Limit   int         `json:"limit,omitempty"`
	Offset  int         `json:"offset,omitempty"`
}

// ExternalSubSession is one pre-computed sub-agent call in an external
// ingestion request.
type ExternalSubSession struct {
	AgentName   string  `json:"agent_name"`
	Model       string  `json:"model,omitempty"`
	Instruction string  `json:"instruction,omitempty"`
	TokensIn    int     `json:"tokens_in"`
	TokensOut   int     `json:"tokens_out"`
	CostUSD     float64 `json:"cost_usd"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
	Failed      bool    `json:"failed,omitempty"`
}

// IngestRequest backfills a delegation chain executed by an external runner.
// No upstream call is made; the reported numbers are materialized as-is.
type IngestRequest struct {
	TaskDescription string               `json:"task_description"`
	AgentName       string               `json:"agent_name"`
	Model           string               `json:"model,omitempty"`
	TokensIn        int                  `json:"tokens_in"`
	TokensOut       int                  `json:"tokens_out"`
	CostUSD         float64              `json:"cost_usd"`
	DurationMs      int64                `json:"duration_ms,omitempty"`
	SubAgentCalls   []ExternalSubSession `json:"sub_agent_calls,omitempty"`
}

// SetBudgetRequest creates or replaces the cap for a scope's current period.
type SetBudgetRequest struct {
	Scope         BudgetScope `json:"scope"`
	MonthlyCapUSD float64     `json:"monthly_cap_usd"`
	AutoPause     bool        `json:"auto_pause"`
}
