package v1

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// SubmitInstruction starts a new delegation task.
// POST /v1/tasks
func (h *Handler) SubmitInstruction(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	var req domain.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, err := h.service.SubmitInstruction(c.Request().Context(), caller, req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetTaskStatus returns one task.
// GET /v1/tasks/:task_id
func (h *Handler) GetTaskStatus(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	task, err := h.service.GetTaskStatus(c.Request().Context(), caller, c.Param("task_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, task)
}

// ListTasks lists the caller's visible tasks.
// GET /v1/tasks
func (h *Handler) ListTasks(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if ok, info := h.service.Limiter().Allow("list:"+caller.UserID, h.service.Config().ListsPerMinute, time.Minute); !ok {
		return h.writeRateLimited(c, "list", info)
	}

	filter := domain.TaskFilter{
		Status:  domain.TaskStatus(c.QueryParam("status")),
		AgentID: c.QueryParam("agent_id"),
		Since:   queryInt64(c, "since"),
		Until:   queryInt64(c, "until"),
		Limit:   int(queryInt64(c, "limit")),
		Offset:  int(queryInt64(c, "offset")),
	}
	tasks, err := h.service.ListTasks(c.Request().Context(), caller, filter)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// CancelTask requests cancellation of a task.
// POST /v1/tasks/:task_id/cancel
func (h *Handler) CancelTask(c echo.Context) error {
	return h.transition(c, h.service.CancelTask)
}

// PauseTask pauses a running task.
// POST /v1/tasks/:task_id/pause
func (h *Handler) PauseTask(c echo.Context) error {
	return h.transition(c, h.service.PauseTask)
}

// ResumeTask resumes a paused task.
// POST /v1/tasks/:task_id/resume
func (h *Handler) ResumeTask(c echo.Context) error {
	return h.transition(c, h.service.ResumeTask)
}

// DeleteTask removes a task and its whole trace.
// DELETE /v1/tasks/:task_id
func (h *Handler) DeleteTask(c echo.Context) error {
	return h.transition(c, h.service.DeleteTask)
}

func (h *Handler) transition(c echo.Context, op func(ctx context.Context, caller domain.Caller, taskID string) error) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	taskID := c.Param("task_id")
	if err := op(c.Request().Context(), caller, taskID); err != nil {
		return h.writeError(c, err)
	}
	task, err := h.service.GetTaskStatus(c.Request().Context(), caller, taskID)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"task_id": taskID, "ok": true})
	}
	return c.JSON(http.StatusOK, task)
}

// GetTaskTree returns the reconstructed session tree.
// GET /v1/tasks/:task_id/tree
func (h *Handler) GetTaskTree(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	roots, err := h.service.GetTaskTree(c.Request().Context(), caller, c.Param("task_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"sessions": roots})
}

func queryInt64(c echo.Context, name string) int64 {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
