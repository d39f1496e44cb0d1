package notify

import (
	"context"
	"log/slog"
)

// LogBroadcaster writes events to the log instead of a transport. It is the
// default when no Redis address is configured, so a single-process
// deployment runs without extra infrastructure.
type LogBroadcaster struct {
	log *slog.Logger
}

// NewLogBroadcaster constructs a broadcaster logging through log.
func NewLogBroadcaster(log *slog.Logger) *LogBroadcaster {
	return &LogBroadcaster{log: log}
}

// Broadcast logs the event at info level.
func (b *LogBroadcaster) Broadcast(_ context.Context, event string, payload []byte) error {
	b.log.Info("event broadcast", "event", event, "payload", string(payload))
	return nil
}
