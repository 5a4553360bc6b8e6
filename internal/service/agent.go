package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/authz"
	"github.com/delegatehq/orchestrator/internal/domain"
)

// RegisterAgent creates or updates an agent configuration. Every mutation
// appends a config-change entry with before/after snapshots.
func (s *Service) RegisterAgent(ctx context.Context, caller domain.Caller, agent *domain.Agent, reason string) (*domain.Agent, error) {
	if err := s.scoper.RequireCapability(ctx, caller, authz.CapManageAgents); err != nil {
		return nil, err
	}
	if strings.TrimSpace(agent.Name) == "" {
		return nil, goerr.Wrap(domain.ErrBadInput, "agent name is required")
	}
	if strings.TrimSpace(agent.Model) == "" {
		agent.Model = s.config.DefaultModel
	}

	existing, err := s.store.GetAgentByName(ctx, agent.Name)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up agent", goerr.V("name", agent.Name))
	}
	if existing != nil {
		agent.AgentID = existing.AgentID
		agent.CreatedBy = existing.CreatedBy
		agent.CreatedAt = existing.CreatedAt
	} else {
		agent.AgentID = "agt_" + uuid.New().String()[:8]
		agent.CreatedBy = caller.UserID
		agent.CreatedAt = time.Now()
	}
	if agent.Status == "" {
		agent.Status = domain.AgentStatusActive
	}

	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, goerr.Wrap(err, "failed to upsert agent")
	}

	change := &domain.ConfigChange{
		ChangeID:  "chg_" + uuid.New().String()[:8],
		AgentID:   agent.AgentID,
		Actor:     caller.UserID,
		Reason:    reason,
		Before:    mustMarshal(existing),
		After:     mustMarshal(agent),
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendConfigChange(ctx, change); err != nil {
		s.log.Error("failed to record agent config change",
			zap.String("agent_id", agent.AgentID), zap.Error(err))
	}
	return agent, nil
}

// ListAgents returns agents visible to the caller: those created by anyone
// in the caller's owner scope.
func (s *Service) ListAgents(ctx context.Context, caller domain.Caller) ([]domain.Agent, error) {
	owners, err := s.scoper.AccessibleOwners(ctx, caller)
	if err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, owners)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list agents")
	}
	return agents, nil
}

// GetAgent returns one agent by id.
func (s *Service) GetAgent(ctx context.Context, caller domain.Caller, agentID string) (*domain.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load agent")
	}
	if agent == nil {
		return nil, goerr.Wrap(domain.ErrNotFound, "agent not found", goerr.V("agent_id", agentID))
	}
	return agent, nil
}

// ListConfigChanges returns the audit trail for one agent, newest first.
func (s *Service) ListConfigChanges(ctx context.Context, caller domain.Caller, agentID string, limit int) ([]domain.ConfigChange, error) {
	if err := s.scoper.RequireCapability(ctx, caller, authz.CapManageAgents); err != nil {
		return nil, err
	}
	changes, err := s.store.ListConfigChanges(ctx, agentID, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list config changes")
	}
	return changes, nil
}
