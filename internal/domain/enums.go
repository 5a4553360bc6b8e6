// Package domain defines the core domain models for the orchestrator.
package domain

// TaskStatus represents the status of a delegation task.
type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused" // sub-state of running, resumable
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// SessionStatus represents the status of a single agent invocation.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusSuccess SessionStatus = "success"
	SessionStatusFailed  SessionStatus = "failed"
	SessionStatusTimeout SessionStatus = "timeout"
)

// SessionType tags how a session came to exist.
type SessionType string

const (
	SessionTypeInteractive SessionType = "interactive"
	SessionTypeDelegation  SessionType = "delegation"
	SessionTypeExternal    SessionType = "external"
)

// EventType represents the type of a trace event. The column is free text;
// these are the types the orchestrator itself emits.
type EventType string

const (
	EventTypeMessage        EventType = "message"
	EventTypeDelegation     EventType = "delegation"
	EventTypeTokenUpdate    EventType = "token_update"
	EventTypeTraceCompleted EventType = "trace:completed"
	EventTypeTraceFailed    EventType = "trace:failed"
	EventTypeTraceCancelled EventType = "trace:cancelled"
)

// IsTerminal reports whether an event of this type closes a live stream.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventTypeTraceCompleted, EventTypeTraceFailed, EventTypeTraceCancelled:
		return true
	}
	return false
}

// AgentStatus represents the operational status of a registered agent.
type AgentStatus string

const (
	AgentStatusActive AgentStatus = "active"
	AgentStatusPaused AgentStatus = "paused"
)

// Role is the caller's capability level, consumed as a fact from the
// authentication layer.
type Role string

const (
	RoleSuperuser Role = "superuser"
	RoleOrgAdmin  Role = "org_admin"
	RoleMember    Role = "member"
)
