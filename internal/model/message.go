package model

import (
	"time"
)

// AuthorType identifies who wrote a thread message.
type AuthorType string

const (
	AuthorCustomer AuthorType = "customer"
	AuthorAI       AuthorType = "ai"
	AuthorAgent    AuthorType = "agent"
	AuthorSystem   AuthorType = "system"
)

// Attachment is a file attached to a thread message.
type Attachment struct {
	URL       string `json:"url"`
	MediaType string `json:"media_type"`
	Name      string `json:"name,omitempty"`
}

// IsImage reports whether the attachment can be embedded as an image.
func (a Attachment) IsImage() bool {
	switch a.MediaType {
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return true
	}
	return false
}

// Message is one entry in a ticket thread.
type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"thread_id"`
	TicketID    string       `json:"ticket_id"`
	AuthorType  AuthorType   `json:"author_type"`
	Channel     Channel      `json:"channel"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// InboundMessage is the payload of an inbound-message event handed to Evaluate.
type InboundMessage struct {
	TicketID       string  `json:"ticket_id"`
	OrganizationID string  `json:"organization_id"`
	CustomerID     string  `json:"customer_id"`
	Channel        Channel `json:"channel"`
	Content        string  `json:"content"`
}
