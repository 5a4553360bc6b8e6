package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/adapter/llm"
	"github.com/delegatehq/orchestrator/internal/authz"
	"github.com/delegatehq/orchestrator/internal/budget"
	"github.com/delegatehq/orchestrator/internal/config"
	"github.com/delegatehq/orchestrator/internal/domain"
	"github.com/delegatehq/orchestrator/internal/limits"
	"github.com/delegatehq/orchestrator/internal/metrics"
	"github.com/delegatehq/orchestrator/internal/pricing"
	"github.com/delegatehq/orchestrator/internal/redact"
	store "github.com/delegatehq/orchestrator/internal/repository"
)

var testCaller = domain.Caller{UserID: "u1", Role: domain.RoleMember}

func newTestService(t *testing.T) (*Service, *llm.MockClient, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{
		CallTimeout:        5 * time.Second,
		DefaultModel:       "claude-sonnet-4",
		EventsPerMinute:    100,
		ListsPerMinute:     30,
		AgentRequestsRPM:   600,
		StreamsPerUser:     5,
		StreamPollInterval: 10 * time.Millisecond,
		StreamMaxDuration:  5 * time.Second,
	}
	log := zap.NewNop()
	policy, err := authz.NewPolicyEngine(context.Background(), authz.DefaultPolicy)
	require.NoError(t, err)

	mock := llm.NewMockClient()
	limiter := limits.NewLimiter(cfg.AgentRequestsRPM)
	t.Cleanup(limiter.Stop)

	svc := New(st, mock, pricing.NewTable(), budget.NewEngine(st, log),
		authz.NewScoper(st, policy), limiter, limits.NewGovernor(cfg.StreamsPerUser),
		redact.New(false), metrics.New(prometheus.NewRegistry()), cfg, log)
	return svc, mock, st
}

func waitForTerminal(t *testing.T, svc *Service, taskID string) *domain.Task {
	t.Helper()
	var task *domain.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = svc.store.GetTask(context.Background(), taskID)
		return err == nil && task != nil && task.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "task never reached a terminal status")
	return task
}

func toolCallResponse(calls ...llm.ToolCall) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		ID: "cmpl-1", Object: "chat.completion",
		Choices: []llm.Choice{{
			Message:      &llm.ChatMessage{Role: "assistant", ToolCalls: calls},
			FinishReason: "tool_calls",
		}},
		Usage: &llm.Usage{PromptTokens: 1000, CompletionTokens: 200, TotalTokens: 1200},
	}
}

func textResponse(content string, in, out int) *llm.ChatCompletionResponse {
	return &llm.ChatCompletionResponse{
		ID: "cmpl-2", Object: "chat.completion",
		Choices: []llm.Choice{{
			Message:      &llm.ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: &llm.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}
}

func delegateCall(id, agentName, instruction string) llm.ToolCall {
	args, _ := json.Marshal(delegationArgs{AgentName: agentName, Instruction: instruction})
	return llm.ToolCall{
		ID: id, Type: "function",
		Function: llm.ToolCallFunction{Name: DelegationToolName, Arguments: string(args)},
	}
}

func TestSubmitInstructionValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.SubmitInstruction(context.Background(), testCaller, domain.SubmitRequest{Instruction: "   "})
	assert.ErrorIs(t, err, domain.ErrBadInput)

	_, err = svc.SubmitInstruction(context.Background(), testCaller, domain.SubmitRequest{
		Instruction: "do things", MasterAgentID: "missing",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelegationChainCompletes(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	mock.Enqueue(toolCallResponse(
		delegateCall("call_1", "researcher", "find prior art"),
		delegateCall("call_2", "writer", "draft summary"),
	))
	mock.Enqueue(textResponse("prior art found", 500, 100))
	mock.Enqueue(textResponse("summary drafted", 600, 150))
	mock.Enqueue(textResponse("all done", 2000, 300))

	resp, err := svc.SubmitInstruction(ctx, testCaller, domain.SubmitRequest{Instruction: "research and summarize"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.TaskID)
	require.NotEmpty(t, resp.RootSessionID)

	task := waitForTerminal(t, svc, resp.TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, 3, task.AgentsUsed)
	require.NotNil(t, task.CompletedAt)
	assert.False(t, task.CompletedAt.Before(task.StartedAt))

	sessions, err := svc.store.ListTaskSessions(ctx, resp.TaskID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)

	var sumCost float64
	var sumTokens int
	for _, session := range sessions {
		assert.Equal(t, domain.SessionStatusSuccess, session.Status)
		require.NotNil(t, session.CompletedAt)
		assert.False(t, session.CompletedAt.Before(session.StartedAt))
		sumCost += session.CostUSD
		sumTokens += session.TokensIn + session.TokensOut
	}
	assert.InDelta(t, sumCost, task.TotalCostUSD, 1e-9)
	assert.Equal(t, sumTokens, task.TotalTokens)
	assert.Greater(t, task.TotalCostUSD, 0.0)

	// master turn, two sub turns, follow-up
	assert.Len(t, mock.Calls(), 4)
	first := mock.Calls()[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, DelegationToolName, first.Tools[0].Function.Name)
	assert.Empty(t, mock.Calls()[1].Tools)
	assert.Empty(t, mock.Calls()[2].Tools)
}

func TestDelegationTreeShape(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	mock.Enqueue(toolCallResponse(delegateCall("call_1", "researcher", "dig")))
	mock.Enqueue(textResponse("dug", 100, 50))
	mock.Enqueue(textResponse("done", 200, 60))

	resp, err := svc.SubmitInstruction(ctx, testCaller, domain.SubmitRequest{Instruction: "go"})
	require.NoError(t, err)
	waitForTerminal(t, svc, resp.TaskID)

	roots, err := svc.GetTaskTree(ctx, testCaller, resp.TaskID)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, resp.RootSessionID, roots[0].SessionID)
	require.Len(t, roots[0].Children, 1)
	assert.Equal(t, domain.SessionTypeDelegation, roots[0].Children[0].Type)
}

func TestUpstreamFailureFailsTask(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.FailWith(domain.ErrUpstream)

	resp, err := svc.SubmitInstruction(context.Background(), testCaller, domain.SubmitRequest{Instruction: "boom"})
	require.NoError(t, err)

	task := waitForTerminal(t, svc, resp.TaskID)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)

	session, err := svc.store.GetSession(context.Background(), resp.RootSessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusFailed, session.Status)
}

func TestSubFailureFailsChain(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.Enqueue(toolCallResponse(delegateCall("call_1", "researcher", "dig")))
	// sub call has no script and the mock is then set to fail
	resp, err := svc.SubmitInstruction(context.Background(), testCaller, domain.SubmitRequest{Instruction: "go"})
	require.NoError(t, err)
	mock.FailWith(domain.ErrUpstream)

	task := waitForTerminal(t, svc, resp.TaskID)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
}

func TestPausedMasterAgentRejected(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertAgent(ctx, &domain.Agent{
		AgentID: "agt_1", Name: "master", Model: "claude-sonnet-4",
		Status: domain.AgentStatusPaused, CreatedAt: time.Now(),
	}))

	_, err := svc.SubmitInstruction(ctx, testCaller, domain.SubmitRequest{Instruction: "go", MasterAgentID: "agt_1"})
	assert.ErrorIs(t, err, domain.ErrBudgetExceeded)
}

func TestPausedSubAgentSkipped(t *testing.T) {
	svc, mock, st := newTestService(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertAgent(ctx, &domain.Agent{
		AgentID: "agt_r", Name: "researcher", Model: "claude-sonnet-4",
		Status: domain.AgentStatusPaused, CreatedAt: time.Now(),
	}))
	mock.Enqueue(toolCallResponse(delegateCall("call_1", "researcher", "dig")))
	mock.Enqueue(textResponse("done without researcher", 200, 60))

	resp, err := svc.SubmitInstruction(ctx, testCaller, domain.SubmitRequest{Instruction: "go"})
	require.NoError(t, err)

	task := waitForTerminal(t, svc, resp.TaskID)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)

	// no child session was created for the paused agent
	sessions, err := st.ListTaskSessions(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	// the tool result told the master the delegation was refused
	calls := mock.Calls()
	require.Len(t, calls, 2)
	followUp := calls[1]
	last := followUp.Messages[len(followUp.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "paused")
}

func TestCancelTaskShortCircuitsChain(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	seedTaskWithRoot(t, st, "t1", "ses_root", "u1")

	require.NoError(t, svc.CancelTask(ctx, testCaller, "t1"))
	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, task.Status)

	err = svc.CancelTask(ctx, testCaller, "t1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestPauseResumeTask(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	seedTaskWithRoot(t, st, "t1", "ses_root", "u1")

	require.NoError(t, svc.PauseTask(ctx, testCaller, "t1"))
	err := svc.PauseTask(ctx, testCaller, "t1")
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, svc.ResumeTask(ctx, testCaller, "t1"))
	task, err := st.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
}

func TestTaskVisibilityScoping(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	seedTaskWithRoot(t, st, "t1", "ses_1", "u1")
	seedTaskWithRoot(t, st, "t2", "ses_2", "u2")

	// a member only sees their own task; the other reads as not found
	_, err := svc.GetTaskStatus(ctx, testCaller, "t2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tasks, err := svc.ListTasks(ctx, testCaller, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].TaskID)

	root := domain.Caller{UserID: "root", Role: domain.RoleSuperuser}
	tasks, err = svc.ListTasks(ctx, root, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestListSessionEventsRedacted(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()
	seedTaskWithRoot(t, st, "t1", "ses_1", "u1")
	require.NoError(t, st.AppendEvent(ctx, &domain.Event{
		EventID: "evt_1", SessionID: "ses_1", Type: domain.EventTypeMessage,
		Content: "use key sk-abcdef1234567890 for access",
		Ts:      time.Now().UnixMilli(),
	}))

	events, err := svc.ListSessionEvents(ctx, testCaller, "ses_1", domain.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Content, "sk-abcdef1234567890")
	assert.Contains(t, events[0].Content, "[REDACTED]")
}

func TestIngestExternalSession(t *testing.T) {
	svc, mock, st := newTestService(t)
	ctx := context.Background()

	resp, meta, err := svc.IngestExternalSession(ctx, testCaller, domain.IngestRequest{
		TaskDescription: "nightly batch run",
		AgentName:       "batch-runner",
		Model:           "gpt-4o",
		TokensIn:        10000,
		TokensOut:       2000,
		CostUSD:         0.5,
		DurationMs:      120000,
		SubAgentCalls: []domain.ExternalSubSession{
			{AgentName: "checker", TokensIn: 1000, TokensOut: 200, CostUSD: 0.1},
			{AgentName: "fixer", TokensIn: 500, TokensOut: 100, Failed: true},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.InDelta(t, 0.5, meta.CostUSD, 1e-9)

	// no upstream call happens on the ingestion path
	assert.Empty(t, mock.Calls())

	task, err := st.GetTask(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, 3, task.AgentsUsed)

	sessions, err := st.ListTaskSessions(ctx, resp.TaskID)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	var sum float64
	failed := 0
	for _, session := range sessions {
		assert.Equal(t, domain.SessionTypeExternal, session.Type)
		sum += session.CostUSD
		if session.Status == domain.SessionStatusFailed {
			failed++
		}
	}
	assert.InDelta(t, sum, task.TotalCostUSD, 1e-9)
	assert.Equal(t, 1, failed)
}

func TestIngestComputesCostWhenMissing(t *testing.T) {
	svc, _, st := newTestService(t)
	ctx := context.Background()

	resp, meta, err := svc.IngestExternalSession(ctx, testCaller, domain.IngestRequest{
		TaskDescription: "run", AgentName: "runner", Model: "gpt-4o",
		TokensIn: 1_000_000, TokensOut: 0,
	})
	require.NoError(t, err)
	// gpt-4o input is billed at its per-million input price
	assert.InDelta(t, 2.5, meta.CostUSD, 1e-9)

	task, err := st.GetTask(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, task.TotalCostUSD, 1e-9)
}

func TestStreamTaskEventsTerminates(t *testing.T) {
	svc, mock, _ := newTestService(t)
	ctx := context.Background()

	mock.Enqueue(toolCallResponse(delegateCall("call_1", "researcher", "dig")))
	mock.Enqueue(textResponse("dug", 100, 50))
	mock.Enqueue(textResponse("done", 200, 60))

	resp, err := svc.SubmitInstruction(ctx, testCaller, domain.SubmitRequest{Instruction: "go"})
	require.NoError(t, err)

	var got []domain.Event
	err = svc.StreamTaskEvents(ctx, testCaller, resp.TaskID, func(event domain.Event) error {
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, domain.EventTypeTraceCompleted, got[len(got)-1].Type)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i].Ts, got[i-1].Ts)
	}
}

func TestBudgetAdminRequiresCapability(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	scope := domain.BudgetScope{AgentID: "agt_1"}

	_, err := svc.SetBudget(ctx, testCaller, domain.SetBudgetRequest{Scope: scope, MonthlyCapUSD: 10})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	admin := domain.Caller{UserID: "adm", Role: domain.RoleOrgAdmin}
	b, err := svc.SetBudget(ctx, admin, domain.SetBudgetRequest{Scope: scope, MonthlyCapUSD: 10, AutoPause: true})
	require.NoError(t, err)
	assert.InDelta(t, 10.0, b.MonthlyCapUSD, 1e-9)

	check, err := svc.CheckBudget(ctx, admin, scope)
	require.NoError(t, err)
	assert.True(t, check.HasBudget)
}

func seedTaskWithRoot(t *testing.T, st *store.SQLiteStore, taskID, sessionID, ownerID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateTask(ctx, &domain.Task{
		TaskID: taskID, OwnerID: ownerID, Instruction: "seed",
		Status: domain.TaskStatusRunning, StartedAt: time.Now(),
	}))
	require.NoError(t, st.CreateSession(ctx, &domain.Session{
		SessionID: sessionID, TaskID: taskID, AgentID: "agt_seed",
		Status: domain.SessionStatusRunning, Type: domain.SessionTypeDelegation,
		StartedAt: time.Now(),
	}))
}
