package autoreply

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/internal/agent"
	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/internal/vectorstore"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// scriptedModels answers reasoning calls through reply and classifies every
// message as needing an answer.
type scriptedModels struct {
	mu    sync.Mutex
	reply func(req *llm.CompletionRequest) *llm.CompletionResponse
	calls int
}

func (m *scriptedModels) Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if logical == config.ModelClassifier {
		return &llm.CompletionResponse{Content: agent.IntentOther}, nil
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.reply(req), nil
}

func (m *scriptedModels) Embed(ctx context.Context, logical, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func callTool(name, args string) *llm.CompletionResponse {
	return &llm.CompletionResponse{ToolCalls: []llm.ToolCall{
		{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)},
	}}
}

func lastCustomerTurn(req *llm.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// useAgent replaces the fake runner with the real reasoning loop.
func (f *fixture) useAgent(t *testing.T, models *scriptedModels, maxTurns int) {
	t.Helper()
	index, err := vectorstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })

	f.engine.agent = agent.New(agent.Options{
		Models:  models,
		Threads: f.desk,
		Tools: agent.DefaultTools(agent.ToolDeps{
			Models:  models,
			Index:   index,
			Tickets: f.desk,
			Creator: f.desk,
		}),
		MaxTurns: maxTurns,
		Logger:   logger.Wrap(zaptest.NewLogger(t)),
		Now:      func() time.Time { return morning },
	})
}

func TestEvaluate_ForcedTerminationReplyIsSent(t *testing.T) {
	const answer = "Refunds are processed within five business days."
	tests := []struct {
		name string
		text string
	}{
		{"plain text", answer},
		{"tool call written as text", `send_final_reply(message="` + answer + `", confidence=95)`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.useAgent(t, &scriptedModels{reply: func(req *llm.CompletionRequest) *llm.CompletionResponse {
				return &llm.CompletionResponse{Content: tt.text}
			}}, 1)

			f.say(t, "How long do refunds take?")

			sent := f.desk.Sent("t1", model.AuthorAI)
			if len(sent) != 1 || sent[0].Content != answer {
				t.Fatalf("sent = %+v", sent)
			}
			if got := f.ticket(t); got.IsAIEscalated || got.Status != model.StatusOpen {
				t.Errorf("ticket escalated: %+v", got)
			}
			if ev := f.audit.last(); ev.Action != model.ActionReply {
				t.Errorf("audited action = %s", ev.Action)
			}
		})
	}
}

func TestEvaluate_NewTopicMovesToNewTicket(t *testing.T) {
	const billing = "Also, how do I change my billing email?"
	const answer = "You can change it under Settings, then Billing."

	f := newFixture(t, nil)
	models := &scriptedModels{reply: func(req *llm.CompletionRequest) *llm.CompletionResponse {
		switch {
		case strings.Contains(req.System, "Decide only whether"):
			return callTool(agent.ToolCreateNewTicket, `{"subject":"Billing email","message":"`+billing+`"}`)
		case strings.Contains(lastCustomerTurn(req), "billing email"):
			return callTool(agent.ToolSendFinalReply, `{"message":"`+answer+`","confidence":95}`)
		default:
			return callTool(agent.ToolEscalateTicket, `{"reason":"customer wants a human","summary":"Asked for a person."}`)
		}
	}}
	f.useAgent(t, models, 5)

	f.say(t, "I want to talk to a person")
	if !f.ticket(t).IsAIEscalated {
		t.Fatal("ticket not escalated")
	}
	for i := 0; i < 4; i++ {
		if status := f.say(t, "hello??"); status != StatusAbsorbed {
			t.Fatalf("message %d status = %s, want absorbed", i+1, status)
		}
	}
	if n := len(f.desk.Sent("t1", model.AuthorAI)); n != 2 {
		t.Fatalf("AI messages = %d, want notice and intervention", n)
	}

	if status := f.say(t, billing); status != StatusQueued {
		t.Fatalf("status = %s, want queued", status)
	}

	var newTicketID string
	for _, ev := range f.desk.Events() {
		if ev.Type == model.EventTypeNewTopic {
			newTicketID, _ = ev.Metadata["new_ticket_id"].(string)
			if ev.TicketID != "t1" {
				t.Errorf("new topic event on %q, want t1", ev.TicketID)
			}
		}
	}
	if newTicketID == "" {
		t.Fatalf("no new_topic event in %+v", f.desk.Events())
	}

	sent := f.desk.Sent(newTicketID, model.AuthorAI)
	if len(sent) != 1 || sent[0].Content != answer {
		t.Fatalf("sent on new ticket = %+v", sent)
	}
	if n := len(f.desk.Sent("t1", model.AuthorAI)); n != 2 {
		t.Errorf("AI messages on t1 = %d, want 2", n)
	}

	moved, err := f.desk.Get(context.Background(), newTicketID)
	if err != nil {
		t.Fatal(err)
	}
	if moved.IsAIEscalated || moved.IsAIProcessing {
		t.Errorf("new ticket = %+v", moved)
	}
	if got := f.ticket(t); !got.IsAIEscalated || got.EscalationReplyCount != 0 {
		t.Errorf("original ticket = %+v", got)
	}
}
