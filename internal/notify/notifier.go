package notify

import (
	"context"
	"log/slog"
)

// Kind identifies the outbound message class.
type Kind string

const (
	KindAccessGranted      Kind = "access_granted"
	KindAccessRevoked      Kind = "access_revoked"
	KindProvisioningFailed Kind = "provisioning_failed"
)

// Message is an outbound user notification. Link is set only for
// access_granted.
type Message struct {
	Kind Kind
	Link string
}

// Notifier delivers messages to users. Delivery is best-effort: the
// engine logs failures and never rolls back credential state because a
// message could not be sent.
type Notifier interface {
	Notify(ctx context.Context, userID int64, msg Message) error
}

// LogNotifier writes notifications to the log. It is the fallback when
// no chat transport is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, userID int64, msg Message) error {
	slog.Info("Notification", "user_id", userID, "kind", msg.Kind, "link", msg.Link)
	return nil
}
