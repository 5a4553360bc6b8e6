package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// ListSessionEvents returns one session's events, redacted.
// GET /v1/sessions/:session_id/events
func (h *Handler) ListSessionEvents(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	sessionID := c.Param("session_id")
	if ok, info := h.service.Limiter().Allow("events:"+sessionID, h.service.Config().EventsPerMinute, time.Minute); !ok {
		return h.writeRateLimited(c, "events", info)
	}

	filter := domain.EventFilter{
		AfterTs: queryInt64(c, "after_ts"),
		Limit:   int(queryInt64(c, "limit")),
		Offset:  int(queryInt64(c, "offset")),
	}
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			filter.Types = append(filter.Types, domain.EventType(strings.TrimSpace(t)))
		}
	}

	events, err := h.service.ListSessionEvents(c.Request().Context(), caller, sessionID, filter)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"events": events})
}

// StreamTaskEvents streams a task's events via SSE until a terminal event
// lands or the client disconnects. A governor slot is held for the lifetime
// of the connection; at most a configured number of streams per user.
// GET /v1/tasks/:task_id/events/stream
func (h *Handler) StreamTaskEvents(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	taskID := c.Param("task_id")

	governor := h.service.Governor()
	if !governor.Acquire(caller.UserID) {
		return h.writeRateLimited(c, "stream", domain.RateLimitInfo{
			Limit: h.service.Config().StreamsPerUser,
		})
	}
	defer governor.Release(caller.UserID)

	headersSent := false
	sendSSE := func(event domain.Event) error {
		if !headersSent {
			c.Response().Header().Set("Content-Type", "text/event-stream")
			c.Response().Header().Set("Cache-Control", "no-cache")
			c.Response().Header().Set("Connection", "keep-alive")
			c.Response().Header().Set("X-Accel-Buffering", "no")
			c.Response().WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response().Writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
			return err
		}
		if flusher, ok := c.Response().Writer.(http.Flusher); ok {
			flusher.Flush()
		}
		return nil
	}

	err = h.service.StreamTaskEvents(c.Request().Context(), caller, taskID, sendSSE)
	if err != nil {
		if headersSent {
			h.log.Error("stream aborted", zap.String("task_id", taskID), zap.Error(err))
			return nil
		}
		return h.writeError(c, err)
	}
	return nil
}
