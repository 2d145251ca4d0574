package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

const classificationTimeout = 3 * time.Second

// Intent labels returned by the classifier.
const (
	IntentGratitude   = "GRATITUDE"
	IntentClosure     = "CLOSURE"
	IntentAffirmation = "AFFIRMATION"
	IntentOther       = "OTHER"
)

const classifierPrompt = `Classify the customer's latest message in a support conversation.
Answer with exactly one word:
GRATITUDE - the message only thanks the agent
CLOSURE - the message only ends the conversation (bye, that's all, solved)
AFFIRMATION - the message only acknowledges (ok, got it, great) and asks nothing
OTHER - anything that asks, reports or answers something, including "yes" to a question the agent asked`

// Classifier detects messages that need no reply.
type Classifier struct {
	models Models
	logger *logger.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(models Models, log *logger.Logger) *Classifier {
	return &Classifier{models: models, logger: log.Named("intent")}
}

// Classify returns the intent of the latest customer message. On any failure
// it returns IntentOther so the loop runs normally.
func (c *Classifier) Classify(ctx context.Context, recentCustomer []string, lastAgent string) string {
	if len(recentCustomer) == 0 {
		return IntentOther
	}

	ctx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	var b strings.Builder
	if lastAgent != "" {
		fmt.Fprintf(&b, "Agent's last message:\n%s\n\n", lastAgent)
	}
	if len(recentCustomer) > 1 {
		b.WriteString("Earlier customer messages:\n")
		for _, m := range recentCustomer[:len(recentCustomer)-1] {
			fmt.Fprintf(&b, "- %s\n", m)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Latest customer message:\n%s", recentCustomer[len(recentCustomer)-1])

	resp, err := c.models.Invoke(ctx, config.ModelClassifier, &llm.CompletionRequest{
		System:   classifierPrompt,
		Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: b.String()}},
	})
	if err != nil {
		c.logger.Warn("intent classification failed", zap.Error(err))
		return IntentOther
	}
	return parseIntent(resp.Content)
}

// NeedsNoReply reports whether intent ends the exchange.
func NeedsNoReply(intent string) bool {
	switch intent {
	case IntentGratitude, IntentClosure, IntentAffirmation:
		return true
	}
	return false
}

func parseIntent(s string) string {
	word := strings.ToUpper(strings.TrimSpace(s))
	word = strings.Trim(word, ".!\"'` ")
	if i := strings.IndexAny(word, " \n\t"); i >= 0 {
		word = word[:i]
	}
	switch word {
	case IntentGratitude, IntentClosure, IntentAffirmation:
		return word
	}
	return IntentOther
}
