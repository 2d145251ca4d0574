package nats

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// Notifier publishes ticket events for the agent notification service.
type Notifier struct {
	streams *StreamManager
}

var _ desk.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier publishing on the desk stream.
func NewNotifier(streams *StreamManager) *Notifier {
	return &Notifier{streams: streams}
}

// NotifyHumans publishes the event.
func (n *Notifier) NotifyHumans(ctx context.Context, event *model.TicketEvent) error {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := n.streams.PublishEvent(ctx, event)
	return err
}

// DeliveringThreads persists outbound messages through the wrapped store and
// then publishes them for the channel delivery adapters.
type DeliveringThreads struct {
	desk.ThreadStore
	streams *StreamManager
	logger  *logger.Logger
}

var _ desk.ThreadStore = (*DeliveringThreads)(nil)

// NewDeliveringThreads wraps threads.
func NewDeliveringThreads(threads desk.ThreadStore, streams *StreamManager, log *logger.Logger) *DeliveringThreads {
	return &DeliveringThreads{ThreadStore: threads, streams: streams, logger: log.Named("delivery")}
}

// SendMessage stores the message and publishes it. A publish failure is
// logged; the message is already on the thread.
func (d *DeliveringThreads) SendMessage(ctx context.Context, out desk.OutboundMessage) (*model.Message, error) {
	msg, err := d.ThreadStore.SendMessage(ctx, out)
	if err != nil {
		return nil, err
	}
	if _, err := d.streams.PublishMessage(ctx, out.OrganizationID, msg); err != nil {
		d.logger.Error("failed to publish outbound message",
			zap.String("ticket_id", msg.TicketID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
	return msg, nil
}
