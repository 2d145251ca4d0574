package model

import (
	"time"
)

// EventType represents the type of ticket event published to human agents.
type EventType string

const (
	EventTypeEscalated   EventType = "escalated"
	EventTypeDeescalated EventType = "deescalated"
	EventTypeNewTopic    EventType = "new_topic"
)

// TicketEvent is a notification about a ticket addressed to human agents.
type TicketEvent struct {
	ID             string         `json:"id"`
	TicketID       string         `json:"ticket_id"`
	OrganizationID string         `json:"organization_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
