package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a log-backed sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit logs the event.
func (s *LogSink) Emit(_ context.Context, ev Event) {
	fields := []zap.Field{
		zap.String("kind", string(ev.Kind)),
		zap.Time("at", ev.At),
	}
	if ev.Fingerprint != "" {
		fields = append(fields, zap.String("fingerprint", ev.Fingerprint))
	}
	if ev.Source != "" {
		fields = append(fields, zap.String("source", ev.Source))
	}
	if ev.Detail != "" {
		fields = append(fields, zap.String("detail", ev.Detail))
	}
	switch ev.Kind {
	case KindRunFailed:
		s.logger.Error("pipeline event", fields...)
	case KindRunSkipped, KindItemBlacklisted:
		s.logger.Warn("pipeline event", fields...)
	default:
		s.logger.Info("pipeline event", fields...)
	}
}
