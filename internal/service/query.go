package service

import (
	"context"

	"github.com/m-mizutani/goerr/v2"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// ListTasks returns the caller's visible tasks, newest first. The owner
// scope is resolved once and applied in the query itself.
func (s *Service) ListTasks(ctx context.Context, caller domain.Caller, filter domain.TaskFilter) ([]domain.Task, error) {
	owners, err := s.scoper.AccessibleOwners(ctx, caller)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, owners, filter)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list tasks")
	}
	for i := range tasks {
		tasks[i].Instruction = s.redactor.String(tasks[i].Instruction)
	}
	return tasks, nil
}

// GetTaskTree returns the task's full session tree, reconstructed in memory
// from a single flat fetch.
func (s *Service) GetTaskTree(ctx context.Context, caller domain.Caller, taskID string) ([]*domain.Session, error) {
	if _, err := s.loadAccessibleTask(ctx, caller, taskID); err != nil {
		return nil, err
	}
	roots, err := s.store.GetSessionTree(ctx, taskID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load session tree")
	}
	var walk func([]*domain.Session)
	walk = func(nodes []*domain.Session) {
		for _, n := range nodes {
			n.Instruction = s.redactor.String(n.Instruction)
			walk(n.Children)
		}
	}
	walk(roots)
	return roots, nil
}

// ListSessionEvents returns one session's events, redacted, oldest first.
func (s *Service) ListSessionEvents(ctx context.Context, caller domain.Caller, sessionID string, filter domain.EventFilter) ([]domain.Event, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load session")
	}
	if session == nil {
		return nil, goerr.Wrap(domain.ErrNotFound, "session not found", goerr.V("session_id", sessionID))
	}
	if _, err := s.loadAccessibleTask(ctx, caller, session.TaskID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, sessionID, filter)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list events")
	}
	for i := range events {
		s.redactEvent(&events[i])
	}
	return events, nil
}

func (s *Service) redactEvent(event *domain.Event) {
	event.Content = s.redactor.String(event.Content)
	if len(event.Metadata) > 0 {
		event.Metadata = s.redactor.JSON(event.Metadata)
	}
}
