package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// AgentRequest is the request to register or update an agent.
type AgentRequest struct {
	Name         string `json:"name"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	Critical     bool   `json:"critical,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// RegisterAgent creates or updates an agent configuration.
// POST /v1/agents
func (h *Handler) RegisterAgent(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	var req AgentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name is required"})
	}

	agent, err := h.service.RegisterAgent(c.Request().Context(), caller, &domain.Agent{
		Name:         req.Name,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		TeamID:       req.TeamID,
		Critical:     req.Critical,
	}, req.Reason)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ListAgents lists agents visible to the caller.
// GET /v1/agents
func (h *Handler) ListAgents(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	agents, err := h.service.ListAgents(c.Request().Context(), caller)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}

// GetAgent returns one agent by id.
// GET /v1/agents/:agent_id
func (h *Handler) GetAgent(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	agent, err := h.service.GetAgent(c.Request().Context(), caller, c.Param("agent_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, agent)
}

// ListConfigChanges returns the audit trail for one agent.
// GET /v1/agents/:agent_id/changes
func (h *Handler) ListConfigChanges(c echo.Context) error {
	caller, err := h.caller(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	limit := int(queryInt64(c, "limit"))
	changes, err := h.service.ListConfigChanges(c.Request().Context(), caller, c.Param("agent_id"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"changes": changes})
}
