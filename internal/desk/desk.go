// Package desk defines the support desk collaborators the orchestration
// engine reads from and writes to.
package desk

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/supportdesk/internal/model"
)

// ErrNotFound is returned when a ticket, organization or customer does not exist.
var ErrNotFound = errors.New("not found")

// TicketStore reads and atomically mutates ticket AI-handling state.
type TicketStore interface {
	Get(ctx context.Context, id string) (*model.Ticket, error)

	// Update applies patch as a single-document update.
	Update(ctx context.Context, id string, patch TicketPatch) error

	// UpdateIf applies patch only if guard matches the current document, in
	// the same atomic step. It reports whether the patch was applied.
	UpdateIf(ctx context.Context, id string, guard Guard, patch TicketPatch) (bool, error)

	// IncrementEscalationReplies atomically increments the escalation reply
	// counter of an escalated ticket and returns the new value.
	IncrementEscalationReplies(ctx context.Context, id string) (int, error)
}

// OutboundMessage is a message to deliver on a ticket thread.
type OutboundMessage struct {
	OrganizationID string
	TicketID       string
	ThreadID       string
	Channel        model.Channel
	AuthorType     model.AuthorType
	Content        string
}

// ThreadStore reads ticket threads and delivers messages to them.
type ThreadStore interface {
	// ListMessages returns the last limit messages of the ticket in
	// chronological order. A limit of zero returns the whole thread.
	ListMessages(ctx context.Context, ticketID string, limit int) ([]model.Message, error)

	SendMessage(ctx context.Context, msg OutboundMessage) (*model.Message, error)
}

// SettingsStore reads organization automation settings.
type SettingsStore interface {
	GetSettings(ctx context.Context, organizationID string) (*model.OrganizationSettings, error)
}

// CustomerDirectory reads customer facts.
type CustomerDirectory interface {
	GetCustomer(ctx context.Context, organizationID, customerID string) (*model.Customer, error)
}

// Notifier alerts the human agents of an organization. Delivery is fire-and-forget.
type Notifier interface {
	NotifyHumans(ctx context.Context, event *model.TicketEvent) error
}

// NewTicket describes a ticket opened by the responder for an unrelated topic.
type NewTicket struct {
	OrganizationID string
	CustomerID     string
	Channel        model.Channel
	Subject        string
	Content        string
}

// TicketCreator opens new tickets.
type TicketCreator interface {
	CreateTicket(ctx context.Context, t NewTicket) (*model.Ticket, error)
}

// TicketPatch is a partial update; nil fields are left unchanged.
type TicketPatch struct {
	Status                    *model.Status
	IsAIEscalated             *bool
	AIAutoReplyDisabled       *bool
	IsAIProcessing            *bool
	EscalationReplyCount      *int
	EscalationNoticeSent      *bool
	IsWaitingForNewTopicCheck *bool
	AIConfidenceScore         *float64
	EscalationReason          *string
	Priority                  *string
	Category                  *string
	AddTags                   []string
}

// Guard is a precondition for UpdateIf; nil fields are not checked.
type Guard struct {
	IsAIEscalated             *bool
	EscalationNoticeSent      *bool
	IsWaitingForNewTopicCheck *bool

	// ProcessingFreeAsOf matches a ticket that is not processing, or whose
	// processing marker was set before the given time.
	ProcessingFreeAsOf *time.Time
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// Matches reports whether the guard holds for t.
func (g Guard) Matches(t *model.Ticket) bool {
	if g.IsAIEscalated != nil && t.IsAIEscalated != *g.IsAIEscalated {
		return false
	}
	if g.EscalationNoticeSent != nil && t.EscalationNoticeSent != *g.EscalationNoticeSent {
		return false
	}
	if g.IsWaitingForNewTopicCheck != nil && t.IsWaitingForNewTopicCheck != *g.IsWaitingForNewTopicCheck {
		return false
	}
	if g.ProcessingFreeAsOf != nil && t.IsAIProcessing {
		if t.AIProcessingSince != nil && !t.AIProcessingSince.Before(*g.ProcessingFreeAsOf) {
			return false
		}
	}
	return true
}

// Apply writes the patch into t. Setting IsAIProcessing stamps or clears
// AIProcessingSince.
func (p TicketPatch) Apply(t *model.Ticket, now time.Time) {
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.IsAIEscalated != nil {
		t.IsAIEscalated = *p.IsAIEscalated
	}
	if p.AIAutoReplyDisabled != nil {
		t.AIAutoReplyDisabled = *p.AIAutoReplyDisabled
	}
	if p.IsAIProcessing != nil {
		t.IsAIProcessing = *p.IsAIProcessing
		if t.IsAIProcessing {
			since := now
			t.AIProcessingSince = &since
		} else {
			t.AIProcessingSince = nil
		}
	}
	if p.EscalationReplyCount != nil {
		t.EscalationReplyCount = *p.EscalationReplyCount
	}
	if p.EscalationNoticeSent != nil {
		t.EscalationNoticeSent = *p.EscalationNoticeSent
	}
	if p.IsWaitingForNewTopicCheck != nil {
		t.IsWaitingForNewTopicCheck = *p.IsWaitingForNewTopicCheck
	}
	if p.AIConfidenceScore != nil {
		score := *p.AIConfidenceScore
		t.AIConfidenceScore = &score
	}
	if p.EscalationReason != nil {
		t.EscalationReason = *p.EscalationReason
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	for _, tag := range p.AddTags {
		if !contains(t.Tags, tag) {
			t.Tags = append(t.Tags, tag)
		}
	}
	t.UpdatedAt = now
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
