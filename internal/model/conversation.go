// Package model defines data structures for the support desk orchestration engine.
package model

import (
	"time"
)

// Channel is the customer-facing channel a ticket arrived on.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelChat     Channel = "chat"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelChat, ChannelWhatsApp:
		return true
	}
	return false
}

// Status is the lifecycle status of a ticket.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusEscalated Status = "ESCALATED"
	StatusResolved  Status = "RESOLVED"
	StatusClosed    Status = "CLOSED"
)

// Ticket is the conversation context the orchestration engine reads and
// mutates. It is persisted alongside the ticket record owned by ticket CRUD.
type Ticket struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	CustomerID     string  `json:"customer_id"`
	ThreadID       string  `json:"thread_id"`
	Channel        Channel `json:"channel"`
	Status         Status  `json:"status"`
	Subject        string  `json:"subject,omitempty"`

	// AI handling state
	IsAIEscalated             bool       `json:"is_ai_escalated"`
	AIAutoReplyDisabled       bool       `json:"ai_auto_reply_disabled"`
	IsAIProcessing            bool       `json:"is_ai_processing"`
	AIProcessingSince         *time.Time `json:"ai_processing_since,omitempty"`
	EscalationReplyCount      int        `json:"escalation_reply_count"`
	EscalationNoticeSent      bool       `json:"escalation_notice_sent"`
	IsWaitingForNewTopicCheck bool       `json:"is_waiting_for_new_topic_check"`
	AIConfidenceScore         *float64   `json:"ai_confidence_score,omitempty"`
	EscalationReason          string     `json:"escalation_reason,omitempty"`

	// Attributes the responder may set through update_ticket_attributes.
	Priority string   `json:"priority,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Escalated reports whether a human owns the ticket, either through the
// engine's own escalation or through a status set by ticket CRUD.
func (t *Ticket) Escalated() bool {
	return t.IsAIEscalated || t.Status == StatusEscalated
}

// ProcessingStale reports whether an in-flight marker is older than the window.
func (t *Ticket) ProcessingStale(now time.Time, window time.Duration) bool {
	if !t.IsAIProcessing {
		return true
	}
	if t.AIProcessingSince == nil {
		return true
	}
	return now.Sub(*t.AIProcessingSince) > window
}

// Customer holds the facts about a customer used for context and personalization.
type Customer struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Name           string            `json:"name"`
	Email          string            `json:"email,omitempty"`
	Phone          string            `json:"phone,omitempty"`
	Plan           string            `json:"plan,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
	OpenTickets    int               `json:"open_tickets"`
}

// FirstName returns the first word of the customer's name.
func (c *Customer) FirstName() string {
	if c == nil {
		return ""
	}
	for i, r := range c.Name {
		if r == ' ' {
			return c.Name[:i]
		}
	}
	return c.Name
}
