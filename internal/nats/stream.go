package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/supportdesk/internal/model"
)

const (
	// DeskStream carries outbound thread messages and ticket events.
	DeskStream = "DESK"

	// DeskSubjectPrefix is the prefix for all desk subjects.
	DeskSubjectPrefix = "desk"

	// JobsStream is the work-queue stream backing the job queue.
	JobsStream = "JOBS"

	// JobsSubjectPrefix is the prefix for job subjects.
	JobsSubjectPrefix = "jobs"
)

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	js jetstream.JetStream
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(js jetstream.JetStream) *StreamManager {
	return &StreamManager{js: js}
}

// EnsureStreams creates the desk and jobs streams if they do not exist.
func (m *StreamManager) EnsureStreams(ctx context.Context) error {
	configs := []jetstream.StreamConfig{
		{
			Name:        DeskStream,
			Subjects:    []string{fmt.Sprintf("%s.>", DeskSubjectPrefix)},
			Retention:   jetstream.LimitsPolicy,
			MaxAge:      30 * 24 * time.Hour,
			MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Compression: jetstream.S2Compression,
			Description: "Outbound thread messages and ticket events for delivery adapters",
		},
		{
			Name: JobsStream,
			Subjects: []string{
				fmt.Sprintf("%s.run.>", JobsSubjectPrefix),
				fmt.Sprintf("%s.dead.>", JobsSubjectPrefix),
			},
			Retention:   jetstream.WorkQueuePolicy,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
			Duplicates:  2 * time.Minute,
			Description: "Orchestration engine jobs and dead letters",
		},
	}

	for _, cfg := range configs {
		_, err := m.js.Stream(ctx, cfg.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream %s: %w", cfg.Name, err)
		}
		if _, err := m.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}

	return nil
}

// MessageSubject returns the subject for an outbound thread message.
func MessageSubject(organizationID, ticketID string, author model.AuthorType) string {
	return fmt.Sprintf("%s.%s.%s.msg.%s", DeskSubjectPrefix, organizationID, ticketID, author)
}

// EventSubject returns the subject for a ticket event.
func EventSubject(organizationID, ticketID string, eventType model.EventType) string {
	return fmt.Sprintf("%s.%s.%s.event.%s", DeskSubjectPrefix, organizationID, ticketID, eventType)
}

// JobSubject returns the subject jobs of the given type are published on.
func JobSubject(jobType string) string {
	return fmt.Sprintf("%s.run.%s", JobsSubjectPrefix, jobType)
}

// DeadLetterSubject returns the subject abandoned jobs are republished on.
func DeadLetterSubject(jobType string) string {
	return fmt.Sprintf("%s.dead.%s", JobsSubjectPrefix, jobType)
}

// PublishMessage publishes an outbound thread message.
func (m *StreamManager) PublishMessage(ctx context.Context, organizationID string, msg *model.Message) (uint64, error) {
	subject := MessageSubject(organizationID, msg.TicketID, msg.AuthorType)

	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := m.js.Publish(ctx, subject, data, jetstream.WithMsgID(msg.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	return ack.Sequence, nil
}

// PublishEvent publishes a ticket event.
func (m *StreamManager) PublishEvent(ctx context.Context, event *model.TicketEvent) (uint64, error) {
	subject := EventSubject(event.OrganizationID, event.TicketID, event.Type)

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	ack, err := m.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID))
	if err != nil {
		return 0, fmt.Errorf("failed to publish event: %w", err)
	}

	return ack.Sequence, nil
}
