package logging

import (
	"context"
	"log/slog"
)

// OrchestrationEvent is one notable occurrence during a single orchestration
// run: a hook starting, succeeding, failing, or a cycle being detected.
type OrchestrationEvent struct {
	OrchestrationID string
	SessionID       string
	Kind            string // "hook_started", "hook_succeeded", "hook_failed", "cycle_detected"
	Plugin          string
	Hook            string
	Directory       string
	Message         string
}

// EventLogger records orchestration-level events independent of the
// process's own stderr output and per-orchestration log file, giving
// external tooling (dashboards, audit trails) a single structured feed.
type EventLogger interface {
	LogEvent(ctx context.Context, ev OrchestrationEvent)
}

// SlogEventLogger is the default EventLogger: every event is a single
// structured log line at info level.
type SlogEventLogger struct {
	logger *slog.Logger
}

// NewSlogEventLogger creates a SlogEventLogger.
func NewSlogEventLogger(logger *slog.Logger) *SlogEventLogger {
	return &SlogEventLogger{logger: Default(logger).With("component", "eventlog")}
}

func (l *SlogEventLogger) LogEvent(ctx context.Context, ev OrchestrationEvent) {
	l.logger.InfoContext(ctx, ev.Message,
		"orchestration_id", ev.OrchestrationID,
		"session_id", ev.SessionID,
		"kind", ev.Kind,
		"plugin", ev.Plugin,
		"hook", ev.Hook,
		"directory", ev.Directory,
	)
}
