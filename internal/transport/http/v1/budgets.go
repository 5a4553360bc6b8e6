package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/delegatehq/orchestrator/internal/domain"
)

func scopeFromQuery(c echo.Context) domain.BudgetScope {
	return domain.BudgetScope{
		AgentID: c.QueryParam("agent_id"),
		TeamID:  c.QueryParam("team_id"),
	}
}

// CheckBudget reports a scope's standing against its monthly cap.
// GET /v1/budgets/check?agent_id=...|team_id=...
func (h *Handler) CheckBudget(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	check, err := h.service.CheckBudget(c.Request().Context(), caller, scopeFromQuery(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, check)
}

// SetBudget creates or replaces a scope's cap for the current period.
// PUT /v1/budgets
func (h *Handler) SetBudget(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var req domain.SetBudgetRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	budget, err := h.service.SetBudget(c.Request().Context(), caller, req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, budget)
}

// UnpauseBudget lifts an auto-pause on a scope.
// POST /v1/budgets/unpause
func (h *Handler) UnpauseBudget(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var scope domain.BudgetScope
	if err := c.Bind(&scope); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := h.service.UnpauseBudget(c.Request().Context(), caller, scope); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
