package notification

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes workflow events to the structured log. It doubles as the
// audit trail sink in single-node deployments.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log-backed event sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs the event
func (s *LogSink) Deliver(_ context.Context, event Event) error {
	s.logger.Info("Workflow event",
		zap.String("type", string(event.Type)),
		zap.String("request_id", event.RequestID),
		zap.Int64("step_id", event.StepID),
		zap.String("actor_id", event.ActorID),
		zap.String("approver_id", event.ApproverID),
		zap.String("request_status", event.RequestStatus),
		zap.Time("occurred_at", event.OccurredAt))
	return nil
}

// Name returns the sink name
func (s *LogSink) Name() string {
	return "LogSink"
}
