package delivery

import (
	"context"
	"log/slog"

	"github.com/shineum/smtp-outbox/internal/email"
)

// Notifier is told about every record that reaches a terminal state,
// exactly once per record.
type Notifier interface {
	Notify(ctx context.Context, rec email.DeliveryRecord)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec email.DeliveryRecord)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, rec email.DeliveryRecord) {
	f(ctx, rec)
}

// LogNotifier writes terminal records to the default slog logger.
type LogNotifier struct{}

// Notify logs rec.
func (LogNotifier) Notify(ctx context.Context, rec email.DeliveryRecord) {
	if rec.State == email.StateDelivered {
		slog.InfoContext(ctx, "message delivered",
			"message_id", rec.MessageID,
			"recipient", rec.Recipient,
			"attempts", rec.Attempts,
		)
		return
	}
	slog.WarnContext(ctx, "message delivery failed",
		"message_id", rec.MessageID,
		"recipient", rec.Recipient,
		"attempts", rec.Attempts,
		"error", rec.Err,
	)
}
