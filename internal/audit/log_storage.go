package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogStorage пишет события в структурированный лог. Используется, когда
// PostgreSQL не настроен.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("audit_sink")}
}

func (s *LogStorage) WriteBatch(_ context.Context, events []ToolEvent) error {
	for _, e := range events {
		s.logger.Info("tool call",
			zap.String("id", e.ID),
			zap.String("trace_id", e.TraceID),
			zap.String("agent_id", e.AgentID),
			zap.String("tool", e.Tool),
			zap.String("mode", e.Mode),
			zap.String("status", e.Status),
			zap.Int64("duration_ms", e.DurationMs),
			zap.String("error", e.Error),
			zap.Time("timestamp", e.Timestamp))
	}
	return nil
}
