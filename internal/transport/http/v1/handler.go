// Package v1 provides the v1 HTTP handlers for the orchestrator.
package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/domain"
	"github.com/delegatehq/orchestrator/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	log     *zap.Logger
}

func NewHandler(svc *service.Service, log *zap.Logger) *Handler {
	return &Handler{service: svc, log: log}
}

// RegisterRoutes registers the v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Task lifecycle
	e.POST("/v1/tasks", h.SubmitInstruction)
	e.GET("/v1/tasks", h.ListTasks)
	e.GET("/v1/tasks/:task_id", h.GetTaskStatus)
	e.POST("/v1/tasks/:task_id/cancel", h.CancelTask)
	e.POST("/v1/tasks/:task_id/pause", h.PauseTask)
	e.POST("/v1/tasks/:task_id/resume", h.ResumeTask)
	e.DELETE("/v1/tasks/:task_id", h.DeleteTask)

	// Trace reads
	e.GET("/v1/tasks/:task_id/tree", h.GetTaskTree)
	e.GET("/v1/tasks/:task_id/events/stream", h.StreamTaskEvents)
	e.GET("/v1/sessions/:session_id/events", h.ListSessionEvents)

	// External ingestion
	e.POST("/v1/ingest", h.IngestExternalSession)

	// Budget administration
	e.GET("/v1/budgets/check", h.CheckBudget)
	e.PUT("/v1/budgets", h.SetBudget)
	e.POST("/v1/budgets/unpause", h.UnpauseBudget)

	// Agent registry
	e.POST("/v1/agents", h.RegisterAgent)
	e.GET("/v1/agents", h.ListAgents)
	e.GET("/v1/agents/:agent_id", h.GetAgent)
	e.GET("/v1/agents/:agent_id/changes", h.ListConfigChanges)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// caller extracts the authenticated identity the auth layer attached to the
// request. Authentication itself happens upstream of this service.
func (h *Handler) caller(c echo.Context) (domain.Caller, error) {
	userID := c.Request().Header.Get("X-User-ID")
	if userID == "" {
		return domain.Caller{}, errors.New("missing X-User-ID header")
	}
	role := domain.Role(c.Request().Header.Get("X-User-Role"))
	if role == "" {
		role = domain.RoleMember
	}
	return domain.Caller{UserID: userID, Role: role}, nil
}

// writeError maps domain errors to wire-level status codes.
func (h *Handler) writeError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBadInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		surface, info := rateLimitStanding(err)
		return h.writeRateLimited(c, surface, info)
	case errors.Is(err, domain.ErrBudgetExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, domain.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		h.log.Error("internal error", zap.Error(err))
		return c.JSON(status, map[string]string{"error": "internal error"})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// writeRateLimited renders a 429 carrying the caller's quota standing.
func (h *Handler) writeRateLimited(c echo.Context, surface string, info domain.RateLimitInfo) error {
	h.service.Metrics().RateLimitRejects.WithLabelValues(surface).Inc()
	return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
		"error":          "rate limited",
		"surface":        surface,
		"limit":          info.Limit,
		"remaining":      info.Remaining,
		"retry_after_ms": info.RetryAfter.Milliseconds(),
	})
}

// rateLimitStanding recovers the quota values the limiter attached to a
// rate-limit error when it rejected the request.
func rateLimitStanding(err error) (string, domain.RateLimitInfo) {
	surface := "request"
	info := domain.RateLimitInfo{}
	values := goerr.Values(err)
	if v, ok := values["surface"].(string); ok {
		surface = v
	}
	if v, ok := values["limit"].(int); ok {
		info.Limit = v
	}
	if v, ok := values["remaining"].(int); ok {
		info.Remaining = v
	}
	if v, ok := values["retry_after_ms"].(int64); ok {
		info.RetryAfter = time.Duration(v) * time.Millisecond
	}
	return surface, info
}
