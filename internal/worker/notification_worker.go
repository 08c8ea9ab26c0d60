// Package worker wires the durable job queues to the clinic's domain
// services: claim submission and reconciliation, inventory alerting,
// notification delivery, and database backups.
package worker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/platform/notification"
	"github.com/clinicore/clinicore/internal/queue"
)

// Job types handled on the notifications queue.
const (
	TypeDeliver = "deliver"
)

// DeliveryPayload describes one outbound message. Templated messages carry
// a template ID and data; rendering happens at delivery time so a retried
// job picks up template fixes. Raw messages set channel, subject, and body
// directly.
type DeliveryPayload struct {
	Recipient  string            `json:"recipient"`
	TemplateID string            `json:"template_id,omitempty"`
	Data       map[string]string `json:"data,omitempty"`

	Channel notification.Channel `json:"channel,omitempty"`
	Subject string               `json:"subject,omitempty"`
	Body    string               `json:"body,omitempty"`
}

// NotificationWorker delivers queued email and SMS messages through the
// dispatcher. Transport failures surface as handler errors so the queue's
// backoff retries them.
type NotificationWorker struct {
	dispatcher *notification.Dispatcher
	logger     zerolog.Logger
}

func NewNotificationWorker(d *notification.Dispatcher, logger zerolog.Logger) *NotificationWorker {
	return &NotificationWorker{
		dispatcher: d,
		logger:     logger.With().Str("worker", "notification").Logger(),
	}
}

// Register attaches the worker's handlers to the manager.
func (w *NotificationWorker) Register(m *queue.Manager) {
	m.Register(queue.QueueNotifications, TypeDeliver, w.handleDeliver)
}

func (w *NotificationWorker) handleDeliver(ctx context.Context, job *queue.Job) error {
	var p DeliveryPayload
	if err := job.Unmarshal(&p); err != nil {
		return fmt.Errorf("decoding delivery payload: %w", err)
	}
	if p.Recipient == "" {
		return fmt.Errorf("delivery payload has no recipient")
	}

	var (
		msg *notification.Message
		err error
	)
	if p.TemplateID != "" {
		msg, err = w.dispatcher.SendFromTemplate(ctx, p.TemplateID, p.Data, p.Recipient)
	} else {
		msg = &notification.Message{
			Channel:   p.Channel,
			Recipient: p.Recipient,
			Subject:   p.Subject,
			Body:      p.Body,
		}
		err = w.dispatcher.Send(ctx, msg)
	}
	if err != nil {
		return err
	}

	w.logger.Info().
		Str("message_id", msg.ID).
		Str("channel", string(msg.Channel)).
		Str("template", p.TemplateID).
		Msg("notification delivered")
	return nil
}
