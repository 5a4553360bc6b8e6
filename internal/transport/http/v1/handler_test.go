package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
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
	"github.com/delegatehq/orchestrator/internal/service"
	"github.com/delegatehq/orchestrator/tests/helpers"
)

func newTestHandler(t *testing.T) (*Handler, *llm.MockClient, *store.SQLiteStore) {
	return newTestHandlerRPM(t, 600)
}

func newTestHandlerRPM(t *testing.T, agentRPM int) (*Handler, *llm.MockClient, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	cfg := &config.Config{
		CallTimeout:        time.Second,
		DefaultModel:       "claude-sonnet-4",
		EventsPerMinute:    100,
		ListsPerMinute:     3,
		AgentRequestsRPM:   agentRPM,
		StreamsPerUser:     2,
		StreamPollInterval: 10 * time.Millisecond,
		StreamMaxDuration:  2 * time.Second,
	}
	log := zap.NewNop()
	policy, err := authz.NewPolicyEngine(context.Background(), authz.DefaultPolicy)
	require.NoError(t, err)

	mock := llm.NewMockClient()
	limiter := limits.NewLimiter(cfg.AgentRequestsRPM)
	t.Cleanup(limiter.Stop)

	svc := service.New(db, mock, pricing.NewTable(), budget.NewEngine(db, log),
		authz.NewScoper(db, policy), limiter, limits.NewGovernor(cfg.StreamsPerUser),
		redact.New(false), metrics.New(prometheus.NewRegistry()), cfg, log)
	return NewHandler(svc, log), mock, db
}

func doRequest(t *testing.T, h func(echo.Context) error, method, target, body, userID, role string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if role != "" {
		req.Header.Set("X-User-Role", role)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	for i := 0; i+1 < len(params); i += 2 {
		c.SetParamNames(params[i])
		c.SetParamValues(params[i+1])
	}
	require.NoError(t, h(c))
	return rec
}

func TestSubmitRequiresIdentity(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doRequest(t, h.SubmitInstruction, http.MethodPost, "/v1/tasks", `{"instruction":"go"}`, "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitReturnsIDs(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doRequest(t, h.SubmitInstruction, http.MethodPost, "/v1/tasks", `{"instruction":"summarize this"}`, "u1", "member")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp domain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.TaskID, "task_"))
	assert.True(t, strings.HasPrefix(resp.RootSessionID, "ses_"))
}

func TestSubmitValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doRequest(t, h.SubmitInstruction, http.MethodPost, "/v1/tasks", `{"instruction":""}`, "u1", "member")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskStatusNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doRequest(t, h.GetTaskStatus, http.MethodGet, "/v1/tasks/task_x", "", "u1", "member", "task_id", "task_x")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestForeignTaskReadsAsNotFound(t *testing.T) {
	h, _, db := newTestHandler(t)
	seedTask(t, db, "t1", "other-user")

	rec := doRequest(t, h.GetTaskStatus, http.MethodGet, "/v1/tasks/t1", "", "u1", "member", "task_id", "t1")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, h.GetTaskStatus, http.MethodGet, "/v1/tasks/t1", "", "root", "superuser", "task_id", "t1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListTasksRateLimited(t *testing.T) {
	h, _, _ := newTestHandler(t)
	// configured ceiling is 3 per minute per user
	for i := 0; i < 3; i++ {
		rec := doRequest(t, h.ListTasks, http.MethodGet, "/v1/tasks", "", "u1", "member")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := doRequest(t, h.ListTasks, http.MethodGet, "/v1/tasks", "", "u1", "member")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 3, body["limit"])
	assert.EqualValues(t, 0, body["remaining"])
	assert.Greater(t, body["retry_after_ms"].(float64), 0.0)

	// a different user is unaffected
	rec = doRequest(t, h.ListTasks, http.MethodGet, "/v1/tasks", "", "u2", "member")
	assert.Equal(t, http.StatusOK, rec.Code)

	rejects := testutil.ToFloat64(h.service.Metrics().RateLimitRejects.WithLabelValues("list"))
	assert.InDelta(t, 1.0, rejects, 1e-9)
}

func TestSubmitAgentCeilingCarriesQuota(t *testing.T) {
	h, _, _ := newTestHandlerRPM(t, 1)

	rec := doRequest(t, h.SubmitInstruction, http.MethodPost, "/v1/tasks", `{"instruction":"first"}`, "u1", "member")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, h.SubmitInstruction, http.MethodPost, "/v1/tasks", `{"instruction":"second"}`, "u1", "member")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "agent", body["surface"])
	assert.EqualValues(t, 1, body["limit"])
	assert.EqualValues(t, 0, body["remaining"])
	assert.Greater(t, body["retry_after_ms"].(float64), 0.0)

	rejects := testutil.ToFloat64(h.service.Metrics().RateLimitRejects.WithLabelValues("agent"))
	assert.InDelta(t, 1.0, rejects, 1e-9)
}

func TestCancelAndConflict(t *testing.T) {
	h, _, db := newTestHandler(t)
	seedTask(t, db, "t1", "u1")

	rec := doRequest(t, h.CancelTask, http.MethodPost, "/v1/tasks/t1/cancel", "", "u1", "member", "task_id", "t1")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h.CancelTask, http.MethodPost, "/v1/tasks/t1/cancel", "", "u1", "member", "task_id", "t1")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteTaskSuperuserOnly(t *testing.T) {
	h, _, db := newTestHandler(t)
	seedTask(t, db, "t1", "u1")

	rec := doRequest(t, h.DeleteTask, http.MethodDelete, "/v1/tasks/t1", "", "u1", "member", "task_id", "t1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h.DeleteTask, http.MethodDelete, "/v1/tasks/t1", "", "root", "superuser", "task_id", "t1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetBudgetPrivileged(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := `{"scope":{"agent_id":"agt_1"},"monthly_cap_usd":50,"auto_pause":true}`

	rec := doRequest(t, h.SetBudget, http.MethodPut, "/v1/budgets", body, "u1", "member")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h.SetBudget, http.MethodPut, "/v1/budgets", body, "adm", "org_admin")
	require.Equal(t, http.StatusOK, rec.Code)

	var b domain.Budget
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	assert.InDelta(t, 50.0, b.MonthlyCapUSD, 1e-9)
	assert.True(t, b.AutoPause)
}

func TestIngestEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body := `{"task_description":"batch","agent_name":"runner","model":"gpt-4o","tokens_in":1000,"tokens_out":200,"cost_usd":0.25}`

	rec := doRequest(t, h.IngestExternalSession, http.MethodPost, "/v1/ingest", body, "u1", "member")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		TaskID  string              `json:"task_id"`
		Billing *domain.BillingMeta `json:"billing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Billing)
	assert.InDelta(t, 0.25, resp.Billing.CostUSD, 1e-9)
	assert.Equal(t, 1000, resp.Billing.TokensIn)
}

func TestStreamEmitsSSEAndTerminates(t *testing.T) {
	h, mock, _ := newTestHandler(t)
	mock.Enqueue(&llm.ChatCompletionResponse{
		Choices: []llm.Choice{{Message: &llm.ChatMessage{Role: "assistant", Content: "done"}, FinishReason: "stop"}},
		Usage:   &llm.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	})

	rec := doRequest(t, h.SubmitInstruction, http.MethodPost, "/v1/tasks", `{"instruction":"go"}`, "u1", "member")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp domain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	stream := doRequest(t, h.StreamTaskEvents, http.MethodGet, "/v1/tasks/"+resp.TaskID+"/events/stream", "", "u1", "member", "task_id", resp.TaskID)
	assert.Equal(t, http.StatusOK, stream.Code)
	assert.Equal(t, "text/event-stream", stream.Header().Get("Content-Type"))
	body := stream.Body.String()
	assert.Contains(t, body, "event: "+string(domain.EventTypeTraceCompleted))
	assert.Contains(t, body, "data: ")
}

func TestStreamSlotCeiling(t *testing.T) {
	h, _, _ := newTestHandler(t)
	gov := h.service.Governor()
	require.True(t, gov.Acquire("u1"))
	require.True(t, gov.Acquire("u1"))

	rec := doRequest(t, h.StreamTaskEvents, http.MethodGet, "/v1/tasks/t1/events/stream", "", "u1", "member", "task_id", "t1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "stream", body["surface"])
	assert.EqualValues(t, 2, body["limit"])
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := doRequest(t, h.Health, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func seedTask(t *testing.T, db *store.SQLiteStore, taskID, ownerID string) {
	t.Helper()
	require.NoError(t, db.CreateTask(context.Background(), &domain.Task{
		TaskID: taskID, OwnerID: ownerID, Instruction: "seed",
		Status: domain.TaskStatusRunning, StartedAt: time.Now(),
	}))
}
