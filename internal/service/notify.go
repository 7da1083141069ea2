package service

import (
	"context"

	"go.uber.org/zap"
)

// Notification event types emitted after successful mutations.
const (
	NotifyEventCreated  = "event_created"
	NotifyEventUpdated  = "event_updated"
	NotifyEventDeleted  = "event_deleted"
	NotifySyncCompleted = "sync_completed"
)

// Notifier is the fire-and-forget change notification contract. Failures are
// logged by the caller and never fail the calendar operation that fired them.
type Notifier interface {
	Notify(ctx context.Context, event string, payload any) error
}

// LogNotifier is the default Notifier: it only records the notification.
// The real fan-out (WebSocket, MCP) lives outside this subsystem.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a logging notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification and always succeeds.
func (n *LogNotifier) Notify(_ context.Context, event string, payload any) error {
	n.logger.Debug("notify", zap.String("event", event), zap.Any("payload", payload))
	return nil
}

// notify fires a notification and logs a failure without propagating it.
func notify(ctx context.Context, n Notifier, logger *zap.Logger, event string, payload any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, event, payload); err != nil {
		logger.Warn("notify failed", zap.String("event", event), zap.Error(err))
	}
}
