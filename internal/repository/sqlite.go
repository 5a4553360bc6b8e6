package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			instruction TEXT NOT NULL,
			status TEXT NOT NULL,
			master_agent_id TEXT,
			total_cost_usd REAL NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			agents_used INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			parent_session_id TEXT,
			instruction TEXT,
			status TEXT NOT NULL,
			model TEXT,
			session_type TEXT NOT NULL DEFAULT 'interactive',
			cost_usd REAL NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at DATETIME,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT,
			from_agent_id TEXT,
			to_agent_id TEXT,
			metadata TEXT,
			tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER,
			ts INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			budget_id TEXT PRIMARY KEY,
			agent_id TEXT,
			team_id TEXT,
			month INTEGER NOT NULL,
			year INTEGER NOT NULL,
			monthly_cap_usd REAL NOT NULL,
			current_spend_usd REAL NOT NULL DEFAULT 0,
			auto_pause INTEGER NOT NULL DEFAULT 0,
			paused INTEGER NOT NULL DEFAULT 0,
			paused_at DATETIME,
			paused_by TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_budgets_scope_period
			ON budgets(COALESCE(agent_id, ''), COALESCE(team_id, ''), month, year)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			model TEXT NOT NULL,
			system_prompt TEXT,
			max_tokens INTEGER NOT NULL DEFAULT 0,
			team_id TEXT,
			critical INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			created_by TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS config_changes (
			change_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT,
			before_state TEXT,
			after_state TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_config_changes_agent ON config_changes(agent_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS departments (
			department_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			manager_user_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS employees (
			employee_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			department_id TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_employees_department ON employees(department_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateTask creates a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, owner_id, instruction, status, master_agent_id, total_cost_usd, total_tokens, agents_used, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.OwnerID, task.Instruction, task.Status, nullString(task.MasterAgentID),
		task.TotalCostUSD, task.TotalTokens, task.AgentsUsed, task.StartedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, owner_id, instruction, status, master_agent_id, total_cost_usd, total_tokens, agents_used, started_at, completed_at
		 FROM tasks WHERE task_id = ?`, taskID)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*domain.Task, error) {
	var task domain.Task
	var masterAgentID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&task.TaskID, &task.OwnerID, &task.Instruction, &task.Status, &masterAgentID,
		&task.TotalCostUSD, &task.TotalTokens, &task.AgentsUsed, &task.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if masterAgentID.Valid {
		task.MasterAgentID = masterAgentID.String
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}

// UpdateTaskStatus updates the status of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ? WHERE task_id = ?`, status, taskID)
	return err
}

// UpdateTaskCompleted closes a task with its aggregated cost and tokens.
func (s *SQLiteStore) UpdateTaskCompleted(ctx context.Context, taskID string, status domain.TaskStatus, totalCostUSD float64, totalTokens, agentsUsed int) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, total_cost_usd = ?, total_tokens = ?, agents_used = ?, completed_at = ? WHERE task_id = ?`,
		status, totalCostUSD, totalTokens, agentsUsed, now, taskID)
	return err
}

// ListTasks lists tasks visible to the given owners. A nil ownerIDs slice
// means unfiltered (superuser scope).
func (s *SQLiteStore) ListTasks(ctx context.Context, ownerIDs []string, filter domain.TaskFilter) ([]domain.Task, error) {
	query := `SELECT task_id, owner_id, instruction, status, master_agent_id, total_cost_usd, total_tokens, agents_used, started_at, completed_at FROM tasks WHERE 1=1`
	var args []interface{}

	if ownerIDs != nil {
		if len(ownerIDs) == 0 {
			return nil, nil
		}
		placeholders := make([]string, len(ownerIDs))
		for i, id := range ownerIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND owner_id IN (%s)", strings.Join(placeholders, ","))
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.AgentID != "" {
		query += ` AND master_agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Since > 0 {
		query += ` AND started_at >= ?`
		args = append(args, time.UnixMilli(filter.Since))
	}
	if filter.Until > 0 {
		query += ` AND started_at < ?`
		args = append(args, time.UnixMilli(filter.Until))
	}

	query += ` ORDER BY started_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		var masterAgentID sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&task.TaskID, &task.OwnerID, &task.Instruction, &task.Status, &masterAgentID,
			&task.TotalCostUSD, &task.TotalTokens, &task.AgentsUsed, &task.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if masterAgentID.Valid {
			task.MasterAgentID = masterAgentID.String
		}
		if completedAt.Valid {
			task.CompletedAt = &completedAt.Time
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask hard-deletes a task and all its descendants in one transaction.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE session_id IN (SELECT session_id FROM sessions WHERE task_id = ?)`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateSession creates a new session. A non-empty parent reference must
// name a session in the same task.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	if session.ParentSessionID != "" {
		var parentTaskID string
		err := s.db.QueryRowContext(ctx,
			`SELECT task_id FROM sessions WHERE session_id = ?`, session.ParentSessionID).Scan(&parentTaskID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("parent session %s: %w", session.ParentSessionID, domain.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if parentTaskID != session.TaskID {
			return fmt.Errorf("parent session %s belongs to another task: %w", session.ParentSessionID, domain.ErrBadInput)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, task_id, agent_id, parent_session_id, instruction, status, model, session_type, cost_usd, tokens_in, tokens_out, duration_ms, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.TaskID, session.AgentID, nullString(session.ParentSessionID),
		session.Instruction, session.Status, session.Model, session.Type,
		session.CostUSD, session.TokensIn, session.TokensOut, session.DurationMs, session.StartedAt)
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var session domain.Session
	var parentID, model sql.NullString
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, task_id, agent_id, parent_session_id, instruction, status, model, session_type, cost_usd, tokens_in, tokens_out, duration_ms, started_at, completed_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&session.SessionID, &session.TaskID, &session.AgentID, &parentID, &session.Instruction,
			&session.Status, &model, &session.Type, &session.CostUSD, &session.TokensIn, &session.TokensOut,
			&session.DurationMs, &session.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		session.ParentSessionID = parentID.String
	}
	if model.Valid {
		session.Model = model.String
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	return &session, nil
}

// UpdateSessionCompleted closes a session exactly once.
func (s *SQLiteStore) UpdateSessionCompleted(ctx context.Context, sessionID string, status domain.SessionStatus, costUSD float64, tokensIn, tokensOut int, durationMs int64) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, cost_usd = ?, tokens_in = ?, tokens_out = ?, duration_ms = ?, completed_at = ?
		 WHERE session_id = ? AND completed_at IS NULL`,
		status, costUSD, tokensIn, tokensOut, durationMs, now, sessionID)
	return err
}

// ListTaskSessions fetches all sessions of a task in one query, oldest
// first. Tree assembly happens in memory, never in SQL.
func (s *SQLiteStore) ListTaskSessions(ctx context.Context, taskID string) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, task_id, agent_id, parent_session_id, instruction, status, model, session_type, cost_usd, tokens_in, tokens_out, duration_ms, started_at, completed_at
		 FROM sessions WHERE task_id = ? ORDER BY started_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		var session domain.Session
		var parentID, model sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&session.SessionID, &session.TaskID, &session.AgentID, &parentID, &session.Instruction,
			&session.Status, &model, &session.Type, &session.CostUSD, &session.TokensIn, &session.TokensOut,
			&session.DurationMs, &session.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		if parentID.Valid {
			session.ParentSessionID = parentID.String
		}
		if model.Valid {
			session.Model = model.String
		}
		if completedAt.Valid {
			session.CompletedAt = &completedAt.Time
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// AppendEvent inserts an event and increments the owning session's token
// and cost counters in the same transaction, so each event contributes
// exactly once regardless of concurrent appends.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE session_id = ?`, event.SessionID).Scan(&exists)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session %s: %w", event.SessionID, domain.ErrNotFound)
	}
	if err != nil {
		return err
	}

	metadata := ""
	if event.Metadata != nil {
		metadata = string(event.Metadata)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, type, content, from_agent_id, to_agent_id, metadata, tokens, cost_usd, duration_ms, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.SessionID, event.Type, nullString(event.Content),
		nullString(event.FromAgentID), nullString(event.ToAgentID), nullString(metadata),
		event.Tokens, event.CostUSD, event.DurationMs, event.Ts); err != nil {
		return err
	}

	if event.Tokens != 0 || event.CostUSD != 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET tokens_in = tokens_in + ?, cost_usd = cost_usd + ? WHERE session_id = ?`,
			event.Tokens, event.CostUSD, event.SessionID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetEvents retrieves events for a session with filters and pagination.
func (s *SQLiteStore) GetEvents(ctx context.Context, sessionID string, filter domain.EventFilter) ([]domain.Event, error) {
	query := `SELECT event_id, session_id, type, content, from_agent_id, to_agent_id, metadata, tokens, cost_usd, duration_ms, ts
		FROM events WHERE session_id = ?`
	args := []interface{}{sessionID}

	if filter.AfterTs > 0 {
		query += ` AND ts > ?`
		args = append(args, filter.AfterTs)
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += fmt.Sprintf(" AND type IN (%s)", strings.Join(placeholders, ","))
	}

	query += ` ORDER BY ts ASC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d", limit)
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	return s.queryEvents(ctx, query, args...)
}

// GetTaskEvents retrieves events across every session of a task after the
// given cursor timestamp, ordered by ts. Used by the live-update loop.
func (s *SQLiteStore) GetTaskEvents(ctx context.Context, taskID string, afterTs int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT e.event_id, e.session_id, e.type, e.content, e.from_agent_id, e.to_agent_id, e.metadata, e.tokens, e.cost_usd, e.duration_ms, e.ts
		FROM events e JOIN sessions s ON e.session_id = s.session_id
		WHERE s.task_id = ? AND e.ts > ?
		ORDER BY e.ts ASC LIMIT %d`, limit)
	return s.queryEvents(ctx, query, taskID, afterTs)
}

func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var event domain.Event
		var content, fromAgent, toAgent, metadata sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&event.EventID, &event.SessionID, &event.Type, &content, &fromAgent, &toAgent,
			&metadata, &event.Tokens, &event.CostUSD, &durationMs, &event.Ts); err != nil {
			return nil, err
		}
		if content.Valid {
			event.Content = content.String
		}
		if fromAgent.Valid {
			event.FromAgentID = fromAgent.String
		}
		if toAgent.Valid {
			event.ToAgentID = toAgent.String
		}
		if metadata.Valid {
			event.Metadata = []byte(metadata.String)
		}
		if durationMs.Valid {
			event.DurationMs = durationMs.Int64
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
