package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// IngestExternalSession backfills an externally-executed delegation chain.
// POST /v1/ingest
func (h *Handler) IngestExternalSession(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var req domain.IngestRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	resp, meta, err := h.service.IngestExternalSession(c.Request().Context(), caller, req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"task_id":         resp.TaskID,
		"root_session_id": resp.RootSessionID,
		"billing":         meta,
	})
}
