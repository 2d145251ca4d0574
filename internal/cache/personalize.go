package cache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
)

const personalizePrompt = `You adapt a previously approved support answer for a new customer.
Keep every fact, number, link and instruction from the source answer. Keep its tone and length.
Address the customer by first name if one is given. Do not add new information.
Reply with the rewritten answer only.`

// Personalize adapts a cached response to the customer. Template sentinels are
// expanded deterministically; real answers are rewritten with one cheap model
// call, falling back to the cached text on any failure.
func (c *Cache) Personalize(ctx context.Context, organizationID, cached string, customer *model.Customer, lastMessage string) string {
	if cached == GreetingTemplate {
		return Greeting(customer.FirstName(), c.localNow(ctx, organizationID))
	}
	if c.models == nil {
		return cached
	}

	var facts strings.Builder
	if name := customer.FirstName(); name != "" {
		fmt.Fprintf(&facts, "Customer first name: %s\n", name)
	}
	if customer != nil && customer.Plan != "" {
		fmt.Fprintf(&facts, "Customer plan: %s\n", customer.Plan)
	}

	resp, err := c.models.Invoke(ctx, config.ModelPersonalize, &llm.CompletionRequest{
		System: personalizePrompt,
		Messages: []llm.ChatMessage{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("Source answer:\n%s\n\n%sCustomer message:\n%s",
				cached, facts.String(), lastMessage),
		}},
		Temperature: 0.2,
	})
	if err != nil {
		c.logger.Warn("personalization failed, using cached text",
			zap.String("organization_id", organizationID), zap.Error(err))
		return cached
	}
	if text := strings.TrimSpace(resp.Content); text != "" {
		return text
	}
	return cached
}

// Greeting renders the greeting template for the time of day of now.
func Greeting(firstName string, now time.Time) string {
	salutation := "Good evening"
	switch h := now.Hour(); {
	case h < 12:
		salutation = "Good morning"
	case h < 18:
		salutation = "Good afternoon"
	}
	if firstName != "" {
		salutation += " " + firstName
	}
	return salutation + "! How can I help you today?"
}

// localNow returns the current time in the organization's timezone.
func (c *Cache) localNow(ctx context.Context, organizationID string) time.Time {
	now := c.now()
	if c.settings == nil {
		return now
	}
	s, err := c.settings.GetSettings(ctx, organizationID)
	if err != nil || s.BusinessHours.Timezone == "" {
		return now
	}
	return now.In(s.BusinessHours.Location())
}
