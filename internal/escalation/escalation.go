// Package escalation implements the per-ticket escalation state machine:
// handing a ticket to humans, counting customer messages while it waits, and
// the human-only way back.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/internal/queue"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
)

// Job types owned by the state machine.
const (
	JobSendEscalationNotice = "send-escalation-notice"
	JobSendIntervention     = "send-intervention"
)

// DefaultCheckpoint is the escalation reply count that triggers the
// intervention message.
const DefaultCheckpoint = 4

// Outcome tells the engine what to do with a message on an escalated ticket.
type Outcome int

const (
	// Absorbed means the message was counted and needs no evaluation.
	Absorbed Outcome = iota

	// CheckNewTopic means the message gets exactly one evaluation to decide
	// whether it starts an unrelated topic.
	CheckNewTopic
)

func (o Outcome) String() string {
	if o == CheckNewTopic {
		return "check_new_topic"
	}
	return "absorbed"
}

// JobPayload identifies the ticket a notice or intervention job is for.
type JobPayload struct {
	TicketID       string `json:"ticket_id"`
	OrganizationID string `json:"organization_id"`
}

// Options configures a Manager.
type Options struct {
	Tickets    desk.TicketStore
	Threads    desk.ThreadStore
	Settings   desk.SettingsStore
	Customers  desk.CustomerDirectory
	Notifier   desk.Notifier
	Queue      queue.Queue
	Composer   *Composer
	Checkpoint int
	Job        queue.EnqueueOptions
	Logger     *logger.Logger
	Now        func() time.Time
}

// Manager drives escalation transitions. Every transition is a single guarded
// update of the ticket, so concurrent callers cannot both win.
type Manager struct {
	tickets    desk.TicketStore
	threads    desk.ThreadStore
	settings   desk.SettingsStore
	customers  desk.CustomerDirectory
	notifier   desk.Notifier
	queue      queue.Queue
	composer   *Composer
	checkpoint int
	job        queue.EnqueueOptions
	logger     *logger.Logger
	now        func() time.Time
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.Checkpoint <= 0 {
		opts.Checkpoint = DefaultCheckpoint
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Composer == nil {
		opts.Composer = NewComposer(nil, opts.Logger)
	}
	return &Manager{
		tickets:    opts.Tickets,
		threads:    opts.Threads,
		settings:   opts.Settings,
		customers:  opts.Customers,
		notifier:   opts.Notifier,
		queue:      opts.Queue,
		composer:   opts.Composer,
		checkpoint: opts.Checkpoint,
		job:        opts.Job,
		logger:     opts.Logger.Named("escalation"),
		now:        opts.Now,
	}
}

// Register binds the notice and intervention handlers.
func (m *Manager) Register(r *queue.Registry) {
	r.Register(JobSendEscalationNotice, m.HandleNotice)
	r.Register(JobSendIntervention, m.HandleIntervention)
}

// Escalate moves a ticket into the escalated state, alerts the humans and
// queues the one-time notice. It reports false when the ticket was already
// escalated, in which case nothing else happens.
func (m *Manager) Escalate(ctx context.Context, ticket *model.Ticket, d model.Decision) (bool, error) {
	log := m.logger.WithTicket(ticket.OrganizationID, ticket.ID)

	applied, err := m.tickets.UpdateIf(ctx, ticket.ID,
		desk.Guard{IsAIEscalated: desk.Ptr(false)},
		desk.TicketPatch{
			Status:                    desk.Ptr(model.StatusEscalated),
			IsAIEscalated:             desk.Ptr(true),
			EscalationReplyCount:      desk.Ptr(0),
			EscalationNoticeSent:      desk.Ptr(false),
			IsWaitingForNewTopicCheck: desk.Ptr(false),
			EscalationReason:          desk.Ptr(d.Reason),
			AIConfidenceScore:         desk.Ptr(d.Confidence),
		},
	)
	if err != nil {
		return false, fmt.Errorf("escalating ticket %s: %w", ticket.ID, err)
	}
	if !applied {
		log.Debug("ticket already escalated")
		return false, nil
	}
	metrics.EscalationTransitions.WithLabelValues("escalated").Inc()
	log.Info("ticket escalated", zap.String("reason", d.Reason), zap.Float64("confidence", d.Confidence))

	m.notify(ctx, &model.TicketEvent{
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		Type:           model.EventTypeEscalated,
		Reason:         d.Reason,
		Metadata: map[string]any{
			"summary":    d.Summary,
			"confidence": d.Confidence,
			"source":     d.Meta.Source,
		},
	})

	payload := JobPayload{TicketID: ticket.ID, OrganizationID: ticket.OrganizationID}
	if err := m.queue.Enqueue(ctx, JobSendEscalationNotice, payload, m.job); err != nil {
		// The ticket is escalated either way; humans were notified.
		log.Error("failed to queue escalation notice", zap.Error(err))
	}
	return true, nil
}

// OnCustomerMessage records a customer message on an escalated ticket. The
// message that reaches the checkpoint queues the single intervention and arms
// the new-topic check; the message after that is released for one evaluation.
func (m *Manager) OnCustomerMessage(ctx context.Context, ticket *model.Ticket) (Outcome, error) {
	log := m.logger.WithTicket(ticket.OrganizationID, ticket.ID)

	count, err := m.tickets.IncrementEscalationReplies(ctx, ticket.ID)
	if err != nil {
		return Absorbed, fmt.Errorf("counting escalation reply: %w", err)
	}
	log.Debug("escalation reply counted", zap.Int("count", count))

	if count == m.checkpoint {
		armed, err := m.tickets.UpdateIf(ctx, ticket.ID,
			desk.Guard{IsAIEscalated: desk.Ptr(true)},
			desk.TicketPatch{IsWaitingForNewTopicCheck: desk.Ptr(true)},
		)
		if err != nil {
			return Absorbed, fmt.Errorf("arming new topic check: %w", err)
		}
		if !armed {
			return Absorbed, nil
		}
		metrics.EscalationTransitions.WithLabelValues("intervention").Inc()
		payload := JobPayload{TicketID: ticket.ID, OrganizationID: ticket.OrganizationID}
		if err := m.queue.Enqueue(ctx, JobSendIntervention, payload, m.job); err != nil {
			log.Error("failed to queue intervention", zap.Error(err))
		}
		return Absorbed, nil
	}

	if !ticket.IsWaitingForNewTopicCheck {
		return Absorbed, nil
	}

	// Consume the armed check so only one message is released.
	released, err := m.tickets.UpdateIf(ctx, ticket.ID,
		desk.Guard{IsAIEscalated: desk.Ptr(true), IsWaitingForNewTopicCheck: desk.Ptr(true)},
		desk.TicketPatch{IsWaitingForNewTopicCheck: desk.Ptr(false)},
	)
	if err != nil {
		return Absorbed, fmt.Errorf("consuming new topic check: %w", err)
	}
	if !released {
		return Absorbed, nil
	}
	metrics.EscalationTransitions.WithLabelValues("new_topic_check").Inc()
	return CheckNewTopic, nil
}

// RestartCount begins a new reply cycle once the new-topic check of an
// escalated ticket has run, so the next checkpoint queues another
// intervention. The one-time notice is not sent again.
func (m *Manager) RestartCount(ctx context.Context, ticket *model.Ticket) error {
	restarted, err := m.tickets.UpdateIf(ctx, ticket.ID,
		desk.Guard{IsAIEscalated: desk.Ptr(true)},
		desk.TicketPatch{
			EscalationReplyCount:      desk.Ptr(0),
			IsWaitingForNewTopicCheck: desk.Ptr(false),
		},
	)
	if err != nil {
		return fmt.Errorf("restarting escalation count: %w", err)
	}
	if restarted {
		metrics.EscalationTransitions.WithLabelValues("reescalated").Inc()
		m.logger.WithTicket(ticket.OrganizationID, ticket.ID).Info("escalation reply count restarted")
	}
	return nil
}

// NewTopic tells the humans on ticket that the customer's unrelated question
// moved to newTicketID.
func (m *Manager) NewTopic(ctx context.Context, ticket *model.Ticket, newTicketID, message string) {
	metrics.EscalationTransitions.WithLabelValues("new_topic").Inc()
	m.notify(ctx, &model.TicketEvent{
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		Type:           model.EventTypeNewTopic,
		Reason:         "customer raised an unrelated topic",
		Metadata: map[string]any{
			"new_ticket_id": newTicketID,
			"message":       message,
		},
	})
}

// Deescalate returns a ticket to automated handling. Only human agents call
// it. All escalation fields are cleared in one update.
func (m *Manager) Deescalate(ctx context.Context, ticketID, actor string) error {
	ticket, err := m.tickets.Get(ctx, ticketID)
	if err != nil {
		return err
	}

	err = m.tickets.Update(ctx, ticketID, desk.TicketPatch{
		Status:                    desk.Ptr(model.StatusOpen),
		IsAIEscalated:             desk.Ptr(false),
		EscalationReplyCount:      desk.Ptr(0),
		EscalationNoticeSent:      desk.Ptr(false),
		IsWaitingForNewTopicCheck: desk.Ptr(false),
		EscalationReason:          desk.Ptr(""),
	})
	if err != nil {
		return fmt.Errorf("de-escalating ticket %s: %w", ticketID, err)
	}
	metrics.EscalationTransitions.WithLabelValues("deescalated").Inc()
	m.logger.WithTicket(ticket.OrganizationID, ticketID).Info("ticket de-escalated", zap.String("actor", actor))

	m.notify(ctx, &model.TicketEvent{
		TicketID:       ticketID,
		OrganizationID: ticket.OrganizationID,
		Type:           model.EventTypeDeescalated,
		Reason:         "returned to automated handling",
		Metadata:       map[string]any{"actor": actor},
	})
	return nil
}

// HandleNotice sends the one-time escalation notice. The notice is claimed
// before it is sent so a redelivered job cannot send it twice.
func (m *Manager) HandleNotice(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	ticket, err := m.tickets.Get(ctx, p.TicketID)
	if errors.Is(err, desk.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log := m.logger.WithTicket(ticket.OrganizationID, ticket.ID)
	if !ticket.IsAIEscalated || ticket.EscalationNoticeSent {
		log.Debug("escalation notice no longer needed")
		return nil
	}

	text, err := m.compose(ctx, KindNotice, ticket)
	if err != nil {
		return err
	}

	claimed, err := m.tickets.UpdateIf(ctx, ticket.ID,
		desk.Guard{IsAIEscalated: desk.Ptr(true), EscalationNoticeSent: desk.Ptr(false)},
		desk.TicketPatch{EscalationNoticeSent: desk.Ptr(true)},
	)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	if err := m.send(ctx, ticket, text); err != nil {
		// Release the claim so the retry can send it.
		if _, rerr := m.tickets.UpdateIf(ctx, ticket.ID,
			desk.Guard{IsAIEscalated: desk.Ptr(true)},
			desk.TicketPatch{EscalationNoticeSent: desk.Ptr(false)},
		); rerr != nil {
			log.Error("failed to release notice claim", zap.Error(rerr))
		}
		return err
	}
	metrics.EscalationTransitions.WithLabelValues("notice_sent").Inc()
	log.Info("escalation notice sent")
	return nil
}

// HandleIntervention sends the checkpoint message to a customer who keeps
// writing while the ticket waits for a human.
func (m *Manager) HandleIntervention(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	ticket, err := m.tickets.Get(ctx, p.TicketID)
	if errors.Is(err, desk.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !ticket.IsAIEscalated {
		return nil
	}

	text, err := m.compose(ctx, KindIntervention, ticket)
	if err != nil {
		return err
	}
	if err := m.send(ctx, ticket, text); err != nil {
		return err
	}
	m.logger.WithTicket(ticket.OrganizationID, ticket.ID).Info("intervention sent")
	return nil
}

func (m *Manager) compose(ctx context.Context, kind Kind, ticket *model.Ticket) (string, error) {
	settings, err := m.settings.GetSettings(ctx, ticket.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("loading settings: %w", err)
	}
	customer, err := m.customers.GetCustomer(ctx, ticket.OrganizationID, ticket.CustomerID)
	if err != nil && !errors.Is(err, desk.ErrNotFound) {
		return "", fmt.Errorf("loading customer: %w", err)
	}
	avail := AvailabilityAt(settings.BusinessHours, m.now())
	return m.composer.Compose(ctx, kind, ticket, customer, avail), nil
}

func (m *Manager) send(ctx context.Context, ticket *model.Ticket, text string) error {
	_, err := m.threads.SendMessage(ctx, desk.OutboundMessage{
		OrganizationID: ticket.OrganizationID,
		TicketID:       ticket.ID,
		ThreadID:       ticket.ThreadID,
		Channel:        ticket.Channel,
		AuthorType:     model.AuthorAI,
		Content:        text,
	})
	if err != nil {
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

func (m *Manager) notify(ctx context.Context, event *model.TicketEvent) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyHumans(ctx, event); err != nil {
		m.logger.Warn("failed to notify humans", zap.String("ticket_id", event.TicketID), zap.Error(err))
	}
}
