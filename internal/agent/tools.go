package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/internal/vectorstore"
)

// Tool names exposed to the model.
const (
	ToolSearchKnowledgeBase    = "search_knowledge_base"
	ToolGetCustomerContext     = "get_customer_context"
	ToolUpdateTicketAttributes = "update_ticket_attributes"
	ToolEscalateTicket         = "escalate_ticket"
	ToolSendFinalReply         = "send_final_reply"
	ToolCreateNewTicket        = "create_new_ticket"
)

// Env is what a tool can see about the conversation being handled.
type Env struct {
	Ticket   *model.Ticket
	Customer *model.Customer
	Settings *model.OrganizationSettings
	Latest   string
}

// Terminal ends the loop with a decision.
type Terminal struct {
	Action     model.Action
	Content    string
	Reason     string
	Summary    string
	Confidence float64

	// TicketID is set when the message was moved to a new ticket.
	TicketID string
}

// Decision converts the sentinel to a decision.
func (t *Terminal) Decision() model.Decision {
	switch t.Action {
	case model.ActionReply:
		return model.Reply(t.Content, t.Confidence)
	case model.ActionEscalate:
		return model.Escalate(t.Reason, t.Summary, t.Confidence)
	default:
		d := model.Ignore(t.Confidence)
		d.Reason = t.Reason
		if t.TicketID != "" {
			d.Content = t.Content
			d.Meta.NewTicketID = t.TicketID
		}
		return d
	}
}

// Result is what a tool returns. Content is shown to the model; a non-nil
// Terminal ends the loop.
type Result struct {
	Content  string
	Terminal *Terminal
}

// Tool is a function the model may call.
type Tool struct {
	Definition llm.ToolDefinition
	Execute    func(ctx context.Context, env *Env, args json.RawMessage) (Result, error)
}

// Registry maps tool names to tools.
type Registry map[string]Tool

// NewRegistry builds a registry from tools.
func NewRegistry(tools ...Tool) Registry {
	r := make(Registry, len(tools))
	for _, t := range tools {
		r[t.Definition.Name] = t
	}
	return r
}

// Subset returns a registry restricted to names.
func (r Registry) Subset(names ...string) Registry {
	out := make(Registry, len(names))
	for _, n := range names {
		if t, ok := r[n]; ok {
			out[n] = t
		}
	}
	return out
}

// Definitions returns the tool definitions sorted by name.
func (r Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r))
	for _, t := range r {
		defs = append(defs, t.Definition)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ToolDeps are the collaborators the built-in tools use.
type ToolDeps struct {
	Models  Models
	Index   vectorstore.Index
	Tickets desk.TicketStore
	Creator desk.TicketCreator
}

// DefaultTools returns the full responder toolset.
func DefaultTools(deps ToolDeps) Registry {
	return NewRegistry(
		searchKnowledgeBase(deps),
		getCustomerContext(),
		updateTicketAttributes(deps),
		escalateTicket(),
		sendFinalReply(),
		createNewTicket(deps),
	)
}

func object(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func confidenceProperty() map[string]any {
	return map[string]any{
		"type":        "number",
		"minimum":     0,
		"maximum":     100,
		"description": "How confident you are that this is correct and complete, 0-100",
	}
}

func jsonResult(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: string(data)}, nil
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func searchKnowledgeBase(deps ToolDeps) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        ToolSearchKnowledgeBase,
			Description: "Search the organization's knowledge base for articles relevant to the customer's question.",
			Parameters:  object(map[string]any{"query": str("What to search for")}, "query"),
		},
		Execute: func(ctx context.Context, env *Env, args json.RawMessage) (Result, error) {
			var in struct {
				Query string `json:"query"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return Result{}, err
			}
			if strings.TrimSpace(in.Query) == "" {
				in.Query = env.Latest
			}
			if deps.Index == nil || deps.Models == nil {
				return Result{}, errors.New("knowledge base is not available")
			}

			vec, err := deps.Models.Embed(ctx, config.ModelEmbedding, in.Query)
			if err != nil {
				return Result{}, fmt.Errorf("embedding query: %w", err)
			}
			matches, err := deps.Index.Nearest(ctx, vectorstore.Query{
				Collection:     vectorstore.CollectionKB,
				OrganizationID: env.Ticket.OrganizationID,
				KBVersion:      env.Settings.KBVersion,
				Vector:         vec,
				K:              5,
			})
			if err != nil {
				return Result{}, fmt.Errorf("searching knowledge base: %w", err)
			}

			type article struct {
				Title string  `json:"title"`
				Text  string  `json:"text"`
				Score float64 `json:"score"`
			}
			out := struct {
				Results []article `json:"results"`
			}{Results: []article{}}
			for _, m := range matches {
				out.Results = append(out.Results, article{Title: m.Key, Text: m.Text, Score: m.Score})
			}
			return jsonResult(out)
		},
	}
}

func getCustomerContext() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        ToolGetCustomerContext,
			Description: "Get facts about the customer and the current ticket.",
			Parameters:  object(map[string]any{}),
		},
		Execute: func(ctx context.Context, env *Env, args json.RawMessage) (Result, error) {
			out := map[string]any{
				"ticket": map[string]any{
					"id":       env.Ticket.ID,
					"channel":  env.Ticket.Channel,
					"status":   env.Ticket.Status,
					"subject":  env.Ticket.Subject,
					"priority": env.Ticket.Priority,
					"category": env.Ticket.Category,
					"tags":     env.Ticket.Tags,
				},
			}
			if c := env.Customer; c != nil {
				out["customer"] = map[string]any{
					"name":         c.Name,
					"email":        c.Email,
					"plan":         c.Plan,
					"open_tickets": c.OpenTickets,
					"attributes":   c.Attributes,
				}
			}
			return jsonResult(out)
		},
	}
}

func updateTicketAttributes(deps ToolDeps) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        ToolUpdateTicketAttributes,
			Description: "Set the priority or category of the ticket, or add tags.",
			Parameters: object(map[string]any{
				"priority": map[string]any{"type": "string", "enum": []string{"low", "normal", "high", "urgent"}},
				"category": str("Short category such as billing, shipping or account"),
				"tags":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}),
		},
		Execute: func(ctx context.Context, env *Env, args json.RawMessage) (Result, error) {
			var in struct {
				Priority string   `json:"priority"`
				Category string   `json:"category"`
				Tags     []string `json:"tags"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return Result{}, err
			}

			patch := desk.TicketPatch{AddTags: in.Tags}
			if in.Priority != "" {
				patch.Priority = desk.Ptr(in.Priority)
			}
			if in.Category != "" {
				patch.Category = desk.Ptr(in.Category)
			}
			if err := deps.Tickets.Update(ctx, env.Ticket.ID, patch); err != nil {
				return Result{}, err
			}
			return Result{Content: `{"updated":true}`}, nil
		},
	}
}

func escalateTicket() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        ToolEscalateTicket,
			Description: "Hand the conversation to a human agent. Use when you cannot answer confidently or the customer asks for a person.",
			Parameters: object(map[string]any{
				"reason":     str("Why a human is needed"),
				"summary":    str("Summary of the conversation for the human agent"),
				"confidence": confidenceProperty(),
			}, "reason", "summary"),
		},
		Execute: func(ctx context.Context, env *Env, args json.RawMessage) (Result, error) {
			var in struct {
				Reason     string   `json:"reason"`
				Summary    string   `json:"summary"`
				Confidence *float64 `json:"confidence"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return Result{}, err
			}
			confidence := 100.0
			if in.Confidence != nil {
				confidence = *in.Confidence
			}
			return Result{
				Content: `{"escalated":true}`,
				Terminal: &Terminal{
					Action:     model.ActionEscalate,
					Reason:     in.Reason,
					Summary:    in.Summary,
					Confidence: confidence,
				},
			}, nil
		},
	}
}

func sendFinalReply() Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        ToolSendFinalReply,
			Description: "Send your final answer to the customer. This ends your turn.",
			Parameters: object(map[string]any{
				"message":    str("The reply to send to the customer"),
				"confidence": confidenceProperty(),
			}, "message", "confidence"),
		},
		Execute: func(ctx context.Context, env *Env, args json.RawMessage) (Result, error) {
			var in struct {
				Message    string  `json:"message"`
				Confidence float64 `json:"confidence"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return Result{}, err
			}
			if strings.TrimSpace(in.Message) == "" {
				return Result{}, errors.New("message must not be empty")
			}
			return Result{
				Content: `{"sent":true}`,
				Terminal: &Terminal{
					Action:     model.ActionReply,
					Content:    strings.TrimSpace(in.Message),
					Confidence: in.Confidence,
				},
			}, nil
		},
	}
}

func createNewTicket(deps ToolDeps) Tool {
	return Tool{
		Definition: llm.ToolDefinition{
			Name:        ToolCreateNewTicket,
			Description: "Open a separate ticket when the customer raises a new topic unrelated to this ticket.",
			Parameters: object(map[string]any{
				"subject": str("Subject of the new ticket"),
				"message": str("The customer's request for the new ticket"),
			}, "subject"),
		},
		Execute: func(ctx context.Context, env *Env, args json.RawMessage) (Result, error) {
			var in struct {
				Subject string `json:"subject"`
				Message string `json:"message"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return Result{}, err
			}
			if deps.Creator == nil {
				return Result{}, errors.New("ticket creation is not available")
			}
			if in.Message == "" {
				in.Message = env.Latest
			}

			t, err := deps.Creator.CreateTicket(ctx, desk.NewTicket{
				OrganizationID: env.Ticket.OrganizationID,
				CustomerID:     env.Ticket.CustomerID,
				Channel:        env.Ticket.Channel,
				Subject:        in.Subject,
				Content:        in.Message,
			})
			if err != nil {
				return Result{}, err
			}
			return Result{
				Content: fmt.Sprintf(`{"ticket_id":%q}`, t.ID),
				Terminal: &Terminal{
					Action:     model.ActionIgnore,
					Content:    in.Message,
					Reason:     "new topic moved to ticket " + t.ID,
					Confidence: 100,
					TicketID:   t.ID,
				},
			}, nil
		},
	}
}
