package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/delegatehq/orchestrator/internal/domain"
)

// recordEvent appends a trace event. Failures are logged and swallowed;
// bookkeeping must never abort a delegation chain already in flight.
func (s *Service) recordEvent(ctx context.Context, event *domain.Event) {
	if event.EventID == "" {
		event.EventID = "evt_" + uuid.New().String()[:8]
	}
	if event.Ts == 0 {
		event.Ts = time.Now().UnixMilli()
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		s.log.Error("failed to record event",
			zap.String("session_id", event.SessionID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
		return
	}
	s.metrics.EventsAppended.Inc()
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
