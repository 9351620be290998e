package scheduling

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// NotificationKind names what happened.
type NotificationKind string

const (
	NotifyGenerationCompleted NotificationKind = "generation.completed"
	NotifyEventTransitioned   NotificationKind = "event.transitioned"
	NotifyEventReplaced       NotificationKind = "event.replaced"
	NotifyCapacityWarning     NotificationKind = "authorization.capacity_warning"
)

// Notification is published after a change is committed. Export and
// notification collaborators consume these; nothing flows back.
type Notification struct {
	Kind            NotificationKind   `json:"kind"`
	At              time.Time          `json:"at"`
	TemplateID      TemplateID         `json:"template_id,omitempty"`
	EventID         EventID            `json:"event_id,omitempty"`
	AuthorizationID AuthorizationID    `json:"authorization_id,omitempty"`
	Action          Action             `json:"action,omitempty"`
	Status          EventStatus        `json:"status,omitempty"`
	Verification    VerificationStatus `json:"verification,omitempty"`
	Created         int                `json:"created,omitempty"`
	Skipped         int                `json:"skipped,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
}

// Notifier delivers notifications. Failures are logged by the caller and
// never undo the committed change.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Notification) error { return nil }

// notifyWarnings publishes one capacity notification per warning.
func notifyWarnings(ctx context.Context, n Notifier, at time.Time, ws []CapacityWarning, log zerolog.Logger) {
	for _, w := range ws {
		err := n.Notify(ctx, Notification{
			Kind:            NotifyCapacityWarning,
			At:              at,
			EventID:         w.EventID,
			AuthorizationID: w.AuthorizationID,
			Warnings:        []string{w.String()},
		})
		if err != nil {
			log.Error().Err(err).Str("authorization_id", string(w.AuthorizationID)).Msg("failed to publish capacity warning")
		}
	}
}
