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

// DefaultMasterAgentName is used when a submission names no master agent.
const DefaultMasterAgentName = "master"

// SubmitInstruction persists a Task plus its root Session and kicks off the
// delegation chain asynchronously. The response carries the ids the caller
// needs to observe progress; the chain itself has not run yet.
func (s *Service) SubmitInstruction(ctx context.Context, caller domain.Caller, req domain.SubmitRequest) (*domain.SubmitResponse, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, goerr.Wrap(domain.ErrBadInput, "instruction is required")
	}

	master, err := s.resolveMasterAgent(ctx, caller, req.MasterAgentID)
	if err != nil {
		return nil, err
	}
	if master.Status == domain.AgentStatusPaused {
		return nil, goerr.Wrap(domain.ErrBudgetExceeded, "master agent is paused",
			goerr.V("agent_id", master.AgentID))
	}
	if ok, info := s.limiter.AllowAgent(master.AgentID); !ok {
		return nil, goerr.Wrap(domain.ErrRateLimited, "agent request ceiling reached",
			goerr.V("agent_id", master.AgentID),
			goerr.V("surface", "agent"),
			goerr.V("limit", info.Limit),
			goerr.V("remaining", info.Remaining),
			goerr.V("retry_after_ms", info.RetryAfter.Milliseconds()))
	}

	now := time.Now()
	task := &domain.Task{
		TaskID:        "task_" + uuid.New().String()[:8],
		OwnerID:       caller.UserID,
		Instruction:   req.Instruction,
		Status:        domain.TaskStatusRunning,
		MasterAgentID: master.AgentID,
		StartedAt:     now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, goerr.Wrap(err, "failed to create task")
	}

	rootSession := &domain.Session{
		SessionID:   "ses_" + uuid.New().String()[:8],
		TaskID:      task.TaskID,
		AgentID:     master.AgentID,
		Instruction: req.Instruction,
		Status:      domain.SessionStatusRunning,
		Model:       master.Model,
		Type:        domain.SessionTypeDelegation,
		StartedAt:   now,
	}
	if err := s.store.CreateSession(ctx, rootSession); err != nil {
		return nil, goerr.Wrap(err, "failed to create root session")
	}

	s.recordEvent(ctx, &domain.Event{
		SessionID: rootSession.SessionID,
		Type:      domain.EventTypeMessage,
		Content:   req.Instruction,
		ToAgentID: master.AgentID,
	})
	s.metrics.TasksStarted.Inc()

	go s.runDelegation(task.TaskID, rootSession.SessionID, master, req.Instruction, caller)

	return &domain.SubmitResponse{
		TaskID:        task.TaskID,
		RootSessionID: rootSession.SessionID,
	}, nil
}

// resolveMasterAgent loads the named agent, or the shared default master
// configuration, registering the default on first use.
func (s *Service) resolveMasterAgent(ctx context.Context, caller domain.Caller, agentID string) (*domain.Agent, error) {
	if agentID != "" {
		agent, err := s.store.GetAgent(ctx, agentID)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load master agent")
		}
		if agent == nil {
			return nil, goerr.Wrap(domain.ErrNotFound, "master agent not found", goerr.V("agent_id", agentID))
		}
		return agent, nil
	}
	return s.resolveAgentByName(ctx, caller, DefaultMasterAgentName, s.config.DefaultModel)
}

// resolveAgentByName finds an agent by name, auto-registering an active one
// with the given model when no configuration exists yet.
func (s *Service) resolveAgentByName(ctx context.Context, caller domain.Caller, name, model string) (*domain.Agent, error) {
	agent, err := s.store.GetAgentByName(ctx, name)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up agent", goerr.V("name", name))
	}
	if agent != nil {
		return agent, nil
	}
	if model == "" {
		model = s.config.DefaultModel
	}
	agent = &domain.Agent{
		AgentID:   "agt_" + uuid.New().String()[:8],
		Name:      name,
		Model:     model,
		Status:    domain.AgentStatusActive,
		CreatedBy: caller.UserID,
		CreatedAt: time.Now(),
	}
	if err := s.store.UpsertAgent(ctx, agent); err != nil {
		return nil, goerr.Wrap(err, "failed to auto-register agent", goerr.V("name", name))
	}
	s.log.Info("auto-registered agent", zap.String("agent_id", agent.AgentID), zap.String("name", name))
	return agent, nil
}

// GetTaskStatus returns the task for callers allowed to see it. Inaccessible
// tasks read as not found so existence is never leaked.
func (s *Service) GetTaskStatus(ctx context.Context, caller domain.Caller, taskID string) (*domain.Task, error) {
	return s.loadAccessibleTask(ctx, caller, taskID)
}

func (s *Service) loadAccessibleTask(ctx context.Context, caller domain.Caller, taskID string) (*domain.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load task")
	}
	if task == nil {
		return nil, goerr.Wrap(domain.ErrNotFound, "task not found", goerr.V("task_id", taskID))
	}
	ok, err := s.scoper.CanAccessTask(ctx, caller, task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, goerr.Wrap(domain.ErrNotFound, "task not found", goerr.V("task_id", taskID))
	}
	return task, nil
}

// CancelTask flips a non-terminal task to cancelled. The orchestrator picks
// the new status up at its next safe point; an in-flight upstream call is
// not aborted.
func (s *Service) CancelTask(ctx context.Context, caller domain.Caller, taskID string) error {
	task, err := s.loadAccessibleTask(ctx, caller, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return goerr.Wrap(domain.ErrConflict, "task already terminal",
			goerr.V("task_id", taskID), goerr.V("status", string(task.Status)))
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, domain.TaskStatusCancelled); err != nil {
		return goerr.Wrap(err, "failed to cancel task")
	}
	return nil
}

// PauseTask moves a running task into the paused sub-state.
func (s *Service) PauseTask(ctx context.Context, caller domain.Caller, taskID string) error {
	task, err := s.loadAccessibleTask(ctx, caller, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusRunning {
		return goerr.Wrap(domain.ErrConflict, "only a running task can be paused",
			goerr.V("task_id", taskID), goerr.V("status", string(task.Status)))
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, domain.TaskStatusPaused); err != nil {
		return goerr.Wrap(err, "failed to pause task")
	}
	return nil
}

// ResumeTask moves a paused task back to running.
func (s *Service) ResumeTask(ctx context.Context, caller domain.Caller, taskID string) error {
	task, err := s.loadAccessibleTask(ctx, caller, taskID)
	if err != nil {
		return err
	}
	if task.Status != domain.TaskStatusPaused {
		return goerr.Wrap(domain.ErrConflict, "only a paused task can be resumed",
			goerr.V("task_id", taskID), goerr.V("status", string(task.Status)))
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, domain.TaskStatusRunning); err != nil {
		return goerr.Wrap(err, "failed to resume task")
	}
	return nil
}

// DeleteTask removes a task and everything under it. Superuser only.
func (s *Service) DeleteTask(ctx context.Context, caller domain.Caller, taskID string) error {
	if err := s.scoper.RequireCapability(ctx, caller, authz.CapDeleteTask); err != nil {
		return err
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return goerr.Wrap(err, "failed to load task")
	}
	if task == nil {
		return goerr.Wrap(domain.ErrNotFound, "task not found", goerr.V("task_id", taskID))
	}
	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return goerr.Wrap(err, "failed to delete task")
	}
	return nil
}
