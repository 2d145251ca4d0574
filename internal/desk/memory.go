package desk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/supportdesk/internal/model"
)

// Memory is an in-process implementation of every collaborator. It backs the
// API binary when no database is configured and is used throughout tests.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	tickets   map[string]*model.Ticket
	messages  map[string][]model.Message
	settings  map[string]*model.OrganizationSettings
	customers map[string]*model.Customer
	events    []model.TicketEvent
}

var (
	_ TicketStore       = (*Memory)(nil)
	_ ThreadStore       = (*Memory)(nil)
	_ SettingsStore     = (*Memory)(nil)
	_ CustomerDirectory = (*Memory)(nil)
	_ Notifier          = (*Memory)(nil)
	_ TicketCreator     = (*Memory)(nil)
)

// NewMemory creates an empty in-memory desk.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		tickets:   make(map[string]*model.Ticket),
		messages:  make(map[string][]model.Message),
		settings:  make(map[string]*model.OrganizationSettings),
		customers: make(map[string]*model.Customer),
	}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutTicket stores a copy of t.
func (m *Memory) PutTicket(t model.Ticket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ThreadID == "" {
		t.ThreadID = t.ID
	}
	m.tickets[t.ID] = &t
}

// PutSettings stores organization settings.
func (m *Memory) PutSettings(s model.OrganizationSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.OrganizationID] = &s
}

// PutCustomer stores a customer.
func (m *Memory) PutCustomer(c model.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[customerKey(c.OrganizationID, c.ID)] = &c
}

// AppendMessage records an inbound message on a ticket thread.
func (m *Memory) AppendMessage(msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.Must(uuid.NewV7()).String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.TicketID] = append(m.messages[msg.TicketID], msg)
}

// Events returns the notifications sent so far.
func (m *Memory) Events() []model.TicketEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.TicketEvent(nil), m.events...)
}

// Sent returns the messages on a ticket thread written by the given author.
func (m *Memory) Sent(ticketID string, author model.AuthorType) []model.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Message
	for _, msg := range m.messages[ticketID] {
		if msg.AuthorType == author {
			out = append(out, msg)
		}
	}
	return out
}

// Get returns a copy of the ticket.
func (m *Memory) Get(ctx context.Context, id string) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	return cloneTicket(t), nil
}

// Update applies patch.
func (m *Memory) Update(ctx context.Context, id string, patch TicketPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	patch.Apply(t, m.now())
	return nil
}

// UpdateIf applies patch when guard matches.
func (m *Memory) UpdateIf(ctx context.Context, id string, guard Guard, patch TicketPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return false, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if !guard.Matches(t) {
		return false, nil
	}
	patch.Apply(t, m.now())
	return true, nil
}

// IncrementEscalationReplies increments the counter of an escalated ticket.
func (m *Memory) IncrementEscalationReplies(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return 0, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if !t.IsAIEscalated {
		return t.EscalationReplyCount, nil
	}
	t.EscalationReplyCount++
	t.UpdatedAt = m.now()
	return t.EscalationReplyCount, nil
}

// ListMessages returns the last limit thread messages in order.
func (m *Memory) ListMessages(ctx context.Context, ticketID string, limit int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]model.Message(nil), m.messages[ticketID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// SendMessage appends a message to the thread.
func (m *Memory) SendMessage(ctx context.Context, out OutboundMessage) (*model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := model.Message{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ThreadID:   out.ThreadID,
		TicketID:   out.TicketID,
		AuthorType: out.AuthorType,
		Channel:    out.Channel,
		Content:    out.Content,
		CreatedAt:  m.now(),
	}
	m.messages[out.TicketID] = append(m.messages[out.TicketID], msg)
	return &msg, nil
}

// GetSettings returns organization settings.
func (m *Memory) GetSettings(ctx context.Context, organizationID string) (*model.OrganizationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[organizationID]
	if !ok {
		return nil, fmt.Errorf("organization %s: %w", organizationID, ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

// GetCustomer returns a customer.
func (m *Memory) GetCustomer(ctx context.Context, organizationID, customerID string) (*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[customerKey(organizationID, customerID)]
	if !ok {
		return nil, fmt.Errorf("customer %s: %w", customerID, ErrNotFound)
	}
	cp := *c
	open := 0
	for _, t := range m.tickets {
		if t.OrganizationID == organizationID && t.CustomerID == customerID && t.Status != model.StatusClosed && t.Status != model.StatusResolved {
			open++
		}
	}
	cp.OpenTickets = open
	return &cp, nil
}

// NotifyHumans records the event.
func (m *Memory) NotifyHumans(ctx context.Context, event *model.TicketEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.events = append(m.events, e)
	return nil
}

// CreateTicket opens a ticket seeded with the customer's message.
func (m *Memory) CreateTicket(ctx context.Context, nt NewTicket) (*model.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	id := uuid.Must(uuid.NewV7()).String()
	t := &model.Ticket{
		ID:             id,
		OrganizationID: nt.OrganizationID,
		CustomerID:     nt.CustomerID,
		ThreadID:       id,
		Channel:        nt.Channel,
		Status:         model.StatusOpen,
		Subject:        nt.Subject,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.tickets[id] = t
	if nt.Content != "" {
		m.messages[id] = append(m.messages[id], model.Message{
			ID:         uuid.Must(uuid.NewV7()).String(),
			ThreadID:   id,
			TicketID:   id,
			AuthorType: model.AuthorCustomer,
			Channel:    nt.Channel,
			Content:    nt.Content,
			CreatedAt:  now,
		})
	}
	return cloneTicket(t), nil
}

func cloneTicket(t *model.Ticket) *model.Ticket {
	cp := *t
	cp.Tags = append([]string(nil), t.Tags...)
	if t.AIProcessingSince != nil {
		since := *t.AIProcessingSince
		cp.AIProcessingSince = &since
	}
	if t.AIConfidenceScore != nil {
		score := *t.AIConfidenceScore
		cp.AIConfidenceScore = &score
	}
	return &cp
}

func customerKey(organizationID, customerID string) string {
	return organizationID + "/" + customerID
}
