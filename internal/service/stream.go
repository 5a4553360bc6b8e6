package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// StreamTaskEvents replays the task's event log from the beginning and then
// follows it, pushing each event through send in timestamp order, redacted.
// The cursor loop lives here so the transport rendering (SSE today) can be
// swapped without touching the termination logic. Returns nil on a terminal
// event, context cancellation, send failure (client gone) or when the
// maximum stream duration elapses.
func (s *Service) StreamTaskEvents(ctx context.Context, caller domain.Caller, taskID string, send func(domain.Event) error) error {
	if _, err := s.loadAccessibleTask(ctx, caller, taskID); err != nil {
		return err
	}

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()

	// Re-fetch the boundary millisecond on each poll and dedup by event id;
	// several events can land within one millisecond.
	var lastTs int64
	seen := make(map[string]struct{})
	deadline := time.Now().Add(s.config.StreamMaxDuration)
	ticker := time.NewTicker(s.config.StreamPollInterval)
	defer ticker.Stop()

	for {
		afterTs := lastTs - 1
		if lastTs == 0 {
			afterTs = 0
		}
		events, err := s.store.GetTaskEvents(ctx, taskID, afterTs, 100)
		if err != nil {
			s.log.Error("failed to poll task events", zap.String("task_id", taskID), zap.Error(err))
		}
		for _, event := range events {
			if _, ok := seen[event.EventID]; ok {
				continue
			}
			seen[event.EventID] = struct{}{}
			s.redactEvent(&event)
			if err := send(event); err != nil {
				return nil
			}
			if event.Ts > lastTs {
				lastTs = event.Ts
			}
			if event.Type.IsTerminal() {
				return nil
			}
		}

		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
