package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/supportdesk/internal/model"
)

const (
	maxContentBytes = 100000
	maxIDLength     = 128
)

// ValidateContent validates inbound message content.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > maxContentBytes {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateID validates a ticket, customer or organization identifier.
func ValidateID(kind, id string) error {
	if id == "" {
		return errors.New(kind + " cannot be empty")
	}
	if len(id) > maxIDLength {
		return errors.New(kind + " exceeds maximum length")
	}
	if strings.ContainsAny(id, " \t\r\n/") {
		return errors.New(kind + " contains invalid characters")
	}
	return nil
}

// ValidateInbound validates an inbound-message event.
func ValidateInbound(msg *model.InboundMessage) error {
	if err := ValidateID("ticket_id", msg.TicketID); err != nil {
		return err
	}
	if err := ValidateID("customer_id", msg.CustomerID); err != nil {
		return err
	}
	if !msg.Channel.Valid() {
		return errors.New("unknown channel")
	}
	return ValidateContent(msg.Content)
}
