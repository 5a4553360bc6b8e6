package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/domain"
	"github.com/delegatehq/orchestrator/internal/pricing"
)

// IngestExternalSession backfills a delegation chain that already ran on an
// external runner. The reported numbers are materialized into the same
// Task/Session/Event shape; no upstream call is made.
func (s *Service) IngestExternalSession(ctx context.Context, caller domain.Caller, req domain.IngestRequest) (*domain.SubmitResponse, *domain.BillingMeta, error) {
	if strings.TrimSpace(req.TaskDescription) == "" {
		return nil, nil, goerr.Wrap(domain.ErrBadInput, "task_description is required")
	}
	if strings.TrimSpace(req.AgentName) == "" {
		return nil, nil, goerr.Wrap(domain.ErrBadInput, "agent_name is required")
	}

	agent, err := s.resolveAgentByName(ctx, caller, req.AgentName, req.Model)
	if err != nil {
		return nil, nil, err
	}
	model := req.Model
	if model == "" {
		model = agent.Model
	}

	now := time.Now()
	startedAt := now.Add(-time.Duration(req.DurationMs) * time.Millisecond)
	rootCost := req.CostUSD
	if rootCost == 0 && req.TokensIn+req.TokensOut > 0 {
		rootCost = pricing.Cost(s.pricing.Lookup(model), req.TokensIn, req.TokensOut, 0, 0)
	}

	task := &domain.Task{
		TaskID:        "task_" + uuid.New().String()[:8],
		OwnerID:       caller.UserID,
		Instruction:   req.TaskDescription,
		Status:        domain.TaskStatusRunning,
		MasterAgentID: agent.AgentID,
		StartedAt:     startedAt,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create task")
	}

	root := &domain.Session{
		SessionID:   "ses_" + uuid.New().String()[:8],
		TaskID:      task.TaskID,
		AgentID:     agent.AgentID,
		Instruction: req.TaskDescription,
		Status:      domain.SessionStatusRunning,
		Model:       model,
		Type:        domain.SessionTypeExternal,
		StartedAt:   startedAt,
	}
	if err := s.store.CreateSession(ctx, root); err != nil {
		return nil, nil, goerr.Wrap(err, "failed to create root session")
	}
	s.recordEvent(ctx, &domain.Event{
		SessionID: root.SessionID,
		Type:      domain.EventTypeTokenUpdate,
		Tokens:    req.TokensIn,
		CostUSD:   rootCost,
	})

	for _, sub := range req.SubAgentCalls {
		if err := s.ingestSubSession(ctx, caller, task.TaskID, root.SessionID, agent, sub, startedAt); err != nil {
			s.log.Error("failed to ingest sub session",
				zap.String("task_id", task.TaskID),
				zap.String("agent_name", sub.AgentName),
				zap.Error(err))
		}
	}

	s.closeSession(ctx, root.SessionID, agent, domain.SessionStatusSuccess, rootCost, req.TokensIn, req.TokensOut, startedAt)
	s.closeTask(ctx, task.TaskID, root.SessionID, domain.TaskStatusCompleted)
	s.metrics.IngestedSessions.Inc()

	meta := &domain.BillingMeta{
		TaskID:    task.TaskID,
		SessionID: root.SessionID,
		CostUSD:   rootCost,
		TokensIn:  req.TokensIn,
		TokensOut: req.TokensOut,
	}
	return &domain.SubmitResponse{TaskID: task.TaskID, RootSessionID: root.SessionID}, meta, nil
}

func (s *Service) ingestSubSession(ctx context.Context, caller domain.Caller, taskID, rootSessionID string, master *domain.Agent, sub domain.ExternalSubSession, startedAt time.Time) error {
	if strings.TrimSpace(sub.AgentName) == "" {
		return goerr.Wrap(domain.ErrBadInput, "sub agent_name is required")
	}
	agent, err := s.resolveAgentByName(ctx, caller, sub.AgentName, sub.Model)
	if err != nil {
		return err
	}
	model := sub.Model
	if model == "" {
		model = agent.Model
	}
	cost := sub.CostUSD
	if cost == 0 && sub.TokensIn+sub.TokensOut > 0 {
		cost = pricing.Cost(s.pricing.Lookup(model), sub.TokensIn, sub.TokensOut, 0, 0)
	}
	if sub.DurationMs > 0 {
		startedAt = time.Now().Add(-time.Duration(sub.DurationMs) * time.Millisecond)
	}

	session := &domain.Session{
		SessionID:       "ses_" + uuid.New().String()[:8],
		TaskID:          taskID,
		AgentID:         agent.AgentID,
		ParentSessionID: rootSessionID,
		Instruction:     sub.Instruction,
		Status:          domain.SessionStatusRunning,
		Model:           model,
		Type:            domain.SessionTypeExternal,
		StartedAt:       startedAt,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return err
	}
	s.recordEvent(ctx, &domain.Event{
		SessionID:   rootSessionID,
		Type:        domain.EventTypeDelegation,
		Content:     sub.Instruction,
		FromAgentID: master.AgentID,
		ToAgentID:   agent.AgentID,
		Metadata:    mustMarshal(map[string]string{"session_id": session.SessionID}),
	})
	s.recordEvent(ctx, &domain.Event{
		SessionID: session.SessionID,
		Type:      domain.EventTypeTokenUpdate,
		Tokens:    sub.TokensIn,
		CostUSD:   cost,
	})

	status := domain.SessionStatusSuccess
	if sub.Failed {
		status = domain.SessionStatusFailed
	}
	s.closeSession(ctx, session.SessionID, agent, status, cost, sub.TokensIn, sub.TokensOut, startedAt)
	return nil
}
