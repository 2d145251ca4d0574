package escalation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

const composeTimeout = 10 * time.Second

// Kind selects which customer message to compose.
type Kind string

const (
	KindNotice       Kind = "notice"
	KindIntervention Kind = "intervention"
)

// Models is the subset of the model gateway used to word messages.
type Models interface {
	Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Composer words the escalation notice and the intervention message. When
// the model is unavailable it falls back to fixed text.
type Composer struct {
	models Models
	logger *logger.Logger
}

// NewComposer creates a composer. models may be nil.
func NewComposer(models Models, log *logger.Logger) *Composer {
	return &Composer{models: models, logger: log.Named("composer")}
}

// Availability describes when the human team can answer.
type Availability struct {
	Open        bool
	NextOpening time.Time
	Now         time.Time
}

// AvailabilityAt evaluates the organization's business hours at now.
func AvailabilityAt(hours model.BusinessHours, now time.Time) Availability {
	local := now.In(hours.Location())
	if hours.IsOpen(now) {
		return Availability{Open: true, Now: local}
	}
	return Availability{NextOpening: hours.NextOpening(now), Now: local}
}

// Describe renders the availability for a customer, e.g. "tomorrow at 09:00".
func (a Availability) Describe() string {
	if a.Open || a.NextOpening.IsZero() {
		return ""
	}
	next := a.NextOpening
	sameDay := func(t time.Time) bool {
		y1, m1, d1 := t.Date()
		y2, m2, d2 := next.Date()
		return y1 == y2 && m1 == m2 && d1 == d2
	}
	switch {
	case sameDay(a.Now):
		return "today at " + next.Format("15:04")
	case sameDay(a.Now.AddDate(0, 0, 1)):
		return "tomorrow at " + next.Format("15:04")
	default:
		return next.Format("Monday") + " at " + next.Format("15:04")
	}
}

// Fallback returns the fixed text for kind.
func Fallback(kind Kind, firstName string, avail Availability) string {
	var b strings.Builder
	if firstName != "" {
		fmt.Fprintf(&b, "Thanks for your patience, %s. ", firstName)
	} else {
		b.WriteString("Thanks for your patience. ")
	}

	switch kind {
	case KindIntervention:
		b.WriteString("Our support team still has your request and will reply here as soon as they can.")
		if when := avail.Describe(); when != "" {
			fmt.Fprintf(&b, " They are offline right now and will be back %s.", when)
		}
		b.WriteString(" If you have a new, unrelated question, just tell me and I'll help with it.")
	default:
		b.WriteString("I've passed your conversation to our support team.")
		if when := avail.Describe(); when != "" {
			fmt.Fprintf(&b, " They are offline right now and will get back to you %s.", when)
		} else {
			b.WriteString(" A member of the team will reply here shortly.")
		}
	}
	return b.String()
}

// Compose words a message of kind for the customer.
func (c *Composer) Compose(ctx context.Context, kind Kind, ticket *model.Ticket, customer *model.Customer, avail Availability) string {
	firstName := customer.FirstName()
	fallback := Fallback(kind, firstName, avail)
	if c.models == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, composeTimeout)
	defer cancel()

	var facts strings.Builder
	fmt.Fprintf(&facts, "Channel: %s\n", ticket.Channel)
	if firstName != "" {
		fmt.Fprintf(&facts, "Customer first name: %s\n", firstName)
	}
	if avail.Open {
		facts.WriteString("The human team is available now.\n")
	} else if when := avail.Describe(); when != "" {
		fmt.Fprintf(&facts, "The human team is offline and returns %s.\n", when)
	}

	instruction := "Tell the customer their conversation has been handed to a human support agent who will reply in this thread."
	if kind == KindIntervention {
		instruction = "The customer keeps writing while waiting for a human agent. Reassure them the team has their request, " +
			"and say that if they have a new, unrelated question they can ask it and you will help."
	}

	resp, err := c.models.Invoke(ctx, config.ModelNotice, &llm.CompletionRequest{
		System: "You write short, warm customer support messages. Two or three sentences. Never promise a specific response time " +
			"unless it is given below. Output only the message.",
		Messages: []llm.ChatMessage{{
			Role:    llm.RoleUser,
			Content: instruction + "\n\n" + facts.String(),
		}},
	})
	if err != nil {
		c.logger.Warn("composing message failed, using fallback", zap.String("kind", string(kind)), zap.Error(err))
		return fallback
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return fallback
	}
	return text
}
