// Package agent runs the bounded tool-calling reasoning loop that turns a
// ticket conversation into a single decision.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
	"github.com/capitalize-ai/supportdesk/pkg/tracing"
)

const (
	// DefaultMaxTurns bounds the model calls of one run.
	DefaultMaxTurns = 5

	// plainTextConfidence is assigned to a plain-text answer on the last turn.
	plainTextConfidence = 80

	classifierWindow = 3
)

const (
	finalTurnInstruction = "This is your final turn. Do not call any more tools. Answer the customer directly in plain text."
	plainTextNudge       = "Use send_final_reply to answer the customer, or escalate_ticket if a human should take over."
)

// Models is the subset of the model gateway the loop uses.
type Models interface {
	Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	Embed(ctx context.Context, logical, text string) ([]float32, error)
}

// Mode selects what a run is allowed to decide.
type Mode int

const (
	// ModeRespond answers, escalates or ignores a customer message.
	ModeRespond Mode = iota

	// ModeNewTopicCheck only decides whether a message on an escalated
	// ticket starts an unrelated topic.
	ModeNewTopicCheck
)

// Input is one evaluation request.
type Input struct {
	Ticket   *model.Ticket
	Customer *model.Customer
	Settings *model.OrganizationSettings

	// Latest is the customer message that triggered the run.
	Latest string

	// Reference is a cached answer to a similar question, offered to the
	// model as a hint.
	Reference string

	Mode Mode
}

// Options configures an Agent.
type Options struct {
	Models     Models
	Threads    desk.ThreadStore
	Tools      Registry
	MaxTurns   int
	HTTPClient *http.Client
	Logger     *logger.Logger
	Now        func() time.Time
}

// Agent runs the reasoning loop.
type Agent struct {
	models     Models
	threads    desk.ThreadStore
	tools      Registry
	maxTurns   int
	classifier *Classifier
	history    *history
	logger     *logger.Logger
	now        func() time.Time
}

// New creates an Agent.
func New(opts Options) *Agent {
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = DefaultMaxTurns
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger.Named("agent")
	return &Agent{
		models:     opts.Models,
		threads:    opts.Threads,
		tools:      opts.Tools,
		maxTurns:   opts.MaxTurns,
		classifier: NewClassifier(opts.Models, log),
		history:    &history{http: opts.HTTPClient, logger: log},
		logger:     log,
		now:        opts.Now,
	}
}

type runState struct {
	turns     int
	tokensIn  int
	tokensOut int
	model     string
}

func (s *runState) add(resp *llm.CompletionResponse) {
	s.tokensIn += resp.TokensIn
	s.tokensOut += resp.TokensOut
	if resp.Model != "" {
		s.model = resp.Model
	}
}

// Run evaluates the conversation and returns exactly one decision. It never
// fails: errors and panics become IGNORE.
func (a *Agent) Run(ctx context.Context, in Input) (d model.Decision) {
	if in.Ticket == nil || in.Settings == nil {
		return failed(errors.New("ticket and settings are required"))
	}

	start := a.now()
	ctx, span := tracing.Tracer("agent").Start(ctx, "agent.Run")
	defer span.End()

	log := a.logger.WithTicket(in.Ticket.OrganizationID, in.Ticket.ID)
	state := &runState{}

	defer func() {
		if r := recover(); r != nil {
			log.Error("reasoning loop panicked", zap.Any("panic", r), zap.Stack("stack"))
			d = failed(fmt.Errorf("panic: %v", r))
		}
		d.Meta.Turns = state.turns
		d.Meta.TokensIn = state.tokensIn
		d.Meta.TokensOut = state.tokensOut
		d.Meta.Model = state.model
		d.Meta.DurationMs = a.now().Sub(start).Milliseconds()

		metrics.LoopTurns.Observe(float64(state.turns))
		span.SetAttributes(
			attribute.String("action", string(d.Action)),
			attribute.String("source", d.Meta.Source),
			attribute.Int("turns", state.turns),
		)
	}()

	var err error
	d, err = a.run(ctx, in, state, log)
	if err != nil {
		log.Error("reasoning loop failed", zap.Int("turn", state.turns), zap.Error(err))
		span.RecordError(err)
		return failed(err)
	}
	return d
}

func failed(err error) model.Decision {
	d := model.Ignore(0)
	d.Reason = err.Error()
	d.Meta.Source = model.SourceError
	return d
}

func (a *Agent) run(ctx context.Context, in Input, state *runState, log *logger.Logger) (model.Decision, error) {
	thread, err := a.threads.ListMessages(ctx, in.Ticket.ID, historyLimit)
	if err != nil {
		return model.Decision{}, fmt.Errorf("loading thread: %w", err)
	}

	recent, lastAgent := recentCustomer(thread, in.Latest, classifierWindow)
	if intent := a.classifier.Classify(ctx, recent, lastAgent); NeedsNoReply(intent) {
		log.Info("message needs no reply", zap.String("intent", intent))
		d := model.Ignore(100)
		d.Reason = "customer intent " + strings.ToLower(intent)
		d.Meta.Source = model.SourceIntent
		return d, nil
	}

	messages := a.history.build(ctx, thread, in.Latest)
	if len(messages) == 0 {
		return model.Decision{}, errors.New("conversation has no customer messages")
	}

	tools := a.tools
	if in.Mode == ModeNewTopicCheck {
		tools = tools.Subset(ToolCreateNewTicket, ToolEscalateTicket, ToolGetCustomerContext)
	}
	defs := tools.Definitions()
	env := &Env{Ticket: in.Ticket, Customer: in.Customer, Settings: in.Settings, Latest: in.Latest}
	system := systemPrompt(in, a.now())

	for turn := 1; turn <= a.maxTurns; turn++ {
		state.turns = turn
		final := turn == a.maxTurns

		req := &llm.CompletionRequest{System: system, Messages: messages, Tools: defs}
		if final {
			req.System = system + "\n\n" + finalTurnInstruction
		}

		resp, err := a.models.Invoke(ctx, config.ModelReasoning, req)
		if err != nil {
			return model.Decision{}, fmt.Errorf("turn %d: %w", turn, err)
		}
		state.add(resp)

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, llm.ChatMessage{
				Role:      llm.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			results, terminal := a.execute(ctx, tools, env, resp.ToolCalls, log)
			messages = append(messages, results...)
			if terminal != nil {
				d := terminal.Decision()
				d.Meta.Source = model.SourceTool
				return d, nil
			}
			continue
		}

		text := strings.TrimSpace(resp.Content)
		if message, confidence, ok := repairFinalReply(text); ok {
			log.Warn("repaired tool call written as text", zap.Int("turn", turn))
			d := model.Reply(message, confidence)
			d.Meta.Source = model.SourceRepaired
			return d, nil
		}
		if text == "" {
			continue
		}
		if final {
			d := model.Reply(text, plainTextConfidence)
			d.Meta.Source = model.SourcePlainText
			return d, nil
		}

		messages = append(messages,
			llm.ChatMessage{Role: llm.RoleAssistant, Content: text},
			llm.ChatMessage{Role: llm.RoleUser, Content: plainTextNudge},
		)
	}

	log.Warn("reasoning loop exhausted", zap.Int("turns", a.maxTurns))
	d := model.Escalate("loop exhausted", "The assistant could not reach an answer within its turn limit.", 0)
	d.Meta.Source = model.SourceExhausted
	return d, nil
}

type toolOutcome struct {
	call   llm.ToolCall
	result Result
	err    error
}

// execute runs calls concurrently. The first terminal result to arrive wins;
// calls still running are cancelled.
func (a *Agent) execute(ctx context.Context, tools Registry, env *Env, calls []llm.ToolCall, log *logger.Logger) ([]llm.ChatMessage, *Terminal) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan toolOutcome, len(calls))
	for _, call := range calls {
		call := call
		go func() {
			res, err := runTool(ctx, tools, env, call)
			done <- toolOutcome{call: call, result: res, err: err}
		}()
	}

	results := make([]llm.ChatMessage, 0, len(calls))
	for range calls {
		o := <-done
		content := o.result.Content
		if o.err != nil {
			log.Warn("tool failed", zap.String("tool", o.call.Name), zap.Error(o.err))
			content = "Error: " + o.err.Error()
		}
		results = append(results, llm.ChatMessage{Role: llm.RoleTool, Content: content, ToolCallID: o.call.ID})
		if o.err == nil && o.result.Terminal != nil {
			log.Debug("terminal tool", zap.String("tool", o.call.Name))
			return results, o.result.Terminal
		}
	}
	return results, nil
}

func runTool(ctx context.Context, tools Registry, env *Env, call llm.ToolCall) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	tool, ok := tools[call.Name]
	if !ok {
		return Result{}, fmt.Errorf("unknown tool %q", call.Name)
	}
	return tool.Execute(ctx, env, call.Arguments)
}

func systemPrompt(in Input, now time.Time) string {
	var b strings.Builder

	org := in.Settings.Name
	if org == "" {
		org = "the company"
	}
	fmt.Fprintf(&b, "You are the customer support assistant for %s. You are answering a ticket on the %s channel.\n\n", org, in.Ticket.Channel)

	if in.Mode == ModeNewTopicCheck {
		b.WriteString("This ticket has been handed to a human agent. Do not answer the customer. ")
		b.WriteString("Decide only whether the customer's latest message starts a new topic unrelated to this ticket. ")
		b.WriteString("If it does, call create_new_ticket. Otherwise call escalate_ticket so the human agent keeps the conversation.\n")
		return b.String()
	}

	b.WriteString("Rules:\n")
	b.WriteString("- Search the knowledge base before answering questions about products, policies or accounts. Never invent facts.\n")
	b.WriteString("- When you have the answer, call send_final_reply with the message and your confidence from 0 to 100.\n")
	b.WriteString("- If you cannot answer confidently, or the customer asks for a person, call escalate_ticket with a reason and a summary for the agent.\n")
	b.WriteString("- If the customer raises a separate, unrelated issue, call create_new_ticket.\n")
	if len(in.Settings.RestrictedTopics) > 0 {
		fmt.Fprintf(&b, "- Never discuss these topics; escalate instead: %s.\n", strings.Join(in.Settings.RestrictedTopics, ", "))
	}

	switch in.Ticket.Channel {
	case model.ChannelEmail:
		b.WriteString("- Write a complete email reply with a greeting and a sign-off.\n")
	default:
		b.WriteString("- Keep replies short and conversational. No sign-off.\n")
	}

	if c := in.Customer; c != nil {
		fmt.Fprintf(&b, "\nCustomer: %s", c.Name)
		if c.Plan != "" {
			fmt.Fprintf(&b, " (plan: %s)", c.Plan)
		}
		b.WriteString("\n")
	}

	hours := in.Settings.BusinessHours
	if hours.IsOpen(now) {
		b.WriteString("The human support team is available now.\n")
	} else if next := hours.NextOpening(now); !next.IsZero() {
		fmt.Fprintf(&b, "The human support team is offline until %s.\n", next.Format("Monday 15:04 MST"))
	}

	if in.Reference != "" {
		fmt.Fprintf(&b, "\nA previous answer to a similar question, for reference only. Use it if it fits this customer's question:\n%s\n", in.Reference)
	}
	return b.String()
}
