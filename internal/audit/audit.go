// Package audit publishes terminal decisions of the orchestration engine.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// DecisionEvent is the audit record of one decision.
type DecisionEvent struct {
	ID             string             `json:"id"`
	TicketID       string             `json:"ticket_id"`
	OrganizationID string             `json:"organization_id"`
	Channel        model.Channel      `json:"channel"`
	Action         model.Action       `json:"action"`
	Reason         string             `json:"reason,omitempty"`
	Confidence     float64            `json:"confidence"`
	Applied        bool               `json:"applied"`
	Meta           model.DecisionMeta `json:"meta"`
	CreatedAt      time.Time          `json:"created_at"`
}

// NewDecisionEvent builds an event for a decision on ticket.
func NewDecisionEvent(ticket *model.Ticket, d model.Decision, applied bool) DecisionEvent {
	return DecisionEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		Channel:        ticket.Channel,
		Action:         d.Action,
		Reason:         d.Reason,
		Confidence:     d.Confidence,
		Applied:        applied,
		Meta:           d.Meta,
		CreatedAt:      time.Now().UTC(),
	}
}

// Recorder records decisions. Recording is best effort and never fails the caller.
type Recorder interface {
	Record(ctx context.Context, event DecisionEvent)
}

// Nop discards every event.
type Nop struct{}

// Record does nothing.
func (Nop) Record(context.Context, DecisionEvent) {}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRecorder publishes decisions to a Kafka topic keyed by ticket ID, so
// the decisions of one ticket stay ordered within a partition.
type KafkaRecorder struct {
	writer messageWriter
	logger *logger.Logger
}

// NewKafkaRecorder creates an asynchronous producer for topic.
func NewKafkaRecorder(brokers []string, topic string, log *logger.Logger) *KafkaRecorder {
	log = log.Named("audit")
	return &KafkaRecorder{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			Async:                  true,
			AllowAutoTopicCreation: true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Warn("failed to publish decision events", zap.Int("count", len(messages)), zap.Error(err))
				}
			},
		},
		logger: log,
	}
}

// Record publishes event.
func (r *KafkaRecorder) Record(ctx context.Context, event DecisionEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("failed to encode decision event", zap.Error(err))
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.TicketID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "organization_id", Value: []byte(event.OrganizationID)},
			{Key: "action", Value: []byte(event.Action)},
		},
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		r.logger.Warn("failed to publish decision event", zap.String("ticket_id", event.TicketID), zap.Error(err))
	}
}

// Close flushes pending messages.
func (r *KafkaRecorder) Close() error {
	return r.writer.Close()
}
