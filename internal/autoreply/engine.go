// Package autoreply is the entry point of the orchestration engine. It takes
// inbound customer messages, decides whether automation may act on them and
// applies the decisions produced by the cache or the reasoning loop.
package autoreply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/agent"
	"github.com/capitalize-ai/supportdesk/internal/audit"
	"github.com/capitalize-ai/supportdesk/internal/cache"
	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/escalation"
	"github.com/capitalize-ai/supportdesk/internal/lock"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/internal/queue"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
	"github.com/capitalize-ai/supportdesk/pkg/tracing"
)

// JobGenerateReply runs the cache and reasoning loop for one message.
const JobGenerateReply = "generate-reply"

// Defaults for Options fields left zero.
const (
	DefaultLockTTL        = 30 * time.Second
	DefaultProcessingTTL  = 5 * time.Minute
	lockPrefix            = "autoreply:"
	generateLockPrefix    = "autoreply:generate:"
	cacheHitConfidenceCap = 100
)

// ErrGenerationBusy is returned by the generate-reply handler when another
// worker is generating for the same ticket. The job is retried.
var ErrGenerationBusy = errors.New("reply generation already running for ticket")

// Status is the immediate result of Evaluate.
type Status string

const (
	// StatusQueued means a generate-reply job was queued.
	StatusQueued Status = "queued"

	// StatusBusy means another evaluation of the ticket holds the lock or
	// is still processing.
	StatusBusy Status = "busy"

	// StatusDisabled means automation is off for the ticket or channel.
	StatusDisabled Status = "disabled"

	// StatusAbsorbed means the ticket is escalated and the message was not
	// evaluated.
	StatusAbsorbed Status = "absorbed"
)

// GeneratePayload is the payload of a generate-reply job.
type GeneratePayload struct {
	TicketID       string        `json:"ticket_id"`
	OrganizationID string        `json:"organization_id"`
	CustomerID     string        `json:"customer_id"`
	Channel        model.Channel `json:"channel"`
	Content        string        `json:"content"`
	NewTopicCheck  bool          `json:"new_topic_check,omitempty"`
}

// Cache is the similarity cache used by the engine.
type Cache interface {
	FindMatch(ctx context.Context, query, organizationID string) cache.Match
	Personalize(ctx context.Context, organizationID, cached string, customer *model.Customer, lastMessage string) string
	Store(ctx context.Context, query, response, organizationID, kbVersion string) error
}

// Runner runs the reasoning loop.
type Runner interface {
	Run(ctx context.Context, in agent.Input) model.Decision
}

// Options configures an Engine.
type Options struct {
	Tickets    desk.TicketStore
	Threads    desk.ThreadStore
	Settings   desk.SettingsStore
	Customers  desk.CustomerDirectory
	Locker     lock.Locker
	Queue      queue.Queue
	Cache      Cache
	Agent      Runner
	Escalation *escalation.Manager
	Audit      audit.Recorder

	LockTTL       time.Duration
	ProcessingTTL time.Duration
	Job           queue.EnqueueOptions
	Logger        *logger.Logger
	Now           func() time.Time
}

// Engine orchestrates automated responses.
type Engine struct {
	tickets       desk.TicketStore
	threads       desk.ThreadStore
	settings      desk.SettingsStore
	customers     desk.CustomerDirectory
	locker        lock.Locker
	queue         queue.Queue
	cache         Cache
	agent         Runner
	escalation    *escalation.Manager
	audit         audit.Recorder
	lockTTL       time.Duration
	processingTTL time.Duration
	job           queue.EnqueueOptions
	logger        *logger.Logger
	now           func() time.Time
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.ProcessingTTL <= 0 {
		opts.ProcessingTTL = DefaultProcessingTTL
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		tickets:       opts.Tickets,
		threads:       opts.Threads,
		settings:      opts.Settings,
		customers:     opts.Customers,
		locker:        opts.Locker,
		queue:         opts.Queue,
		cache:         opts.Cache,
		agent:         opts.Agent,
		escalation:    opts.Escalation,
		audit:         opts.Audit,
		lockTTL:       opts.LockTTL,
		processingTTL: opts.ProcessingTTL,
		job:           opts.Job,
		logger:        opts.Logger.Named("autoreply"),
		now:           opts.Now,
	}
}

// Register binds every job handler the engine needs.
func (e *Engine) Register(r *queue.Registry) {
	r.Register(JobGenerateReply, e.HandleGenerateReply)
	e.escalation.Register(r)
}

// LockKey is the per-ticket evaluation lock key.
func LockKey(ticketID string) string {
	return lockPrefix + ticketID
}

// GenerateLockKey is held by the generate-reply handler while it runs.
func GenerateLockKey(ticketID string) string {
	return generateLockPrefix + ticketID
}

// Evaluate handles one inbound customer message. It returns quickly; the
// reply itself is produced by a queued job.
func (e *Engine) Evaluate(ctx context.Context, msg model.InboundMessage) (Status, error) {
	ctx, span := tracing.Tracer("autoreply").Start(ctx, "autoreply.Evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("ticket_id", msg.TicketID))

	log := e.logger.WithTicket(msg.OrganizationID, msg.TicketID)

	key := LockKey(msg.TicketID)
	acquired, err := e.locker.Acquire(ctx, key, e.lockTTL)
	switch {
	case err != nil:
		log.Warn("lock store unavailable, proceeding without lock", zap.Error(err))
	case !acquired:
		log.Debug("evaluation already in progress")
		return StatusBusy, nil
	default:
		defer func() {
			if err := e.locker.Release(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("failed to release lock", zap.Error(err))
			}
		}()
	}

	status, err := e.evaluate(ctx, msg, log)
	if err != nil {
		span.RecordError(err)
		return status, err
	}
	span.SetAttributes(attribute.String("status", string(status)))
	return status, nil
}

func (e *Engine) evaluate(ctx context.Context, msg model.InboundMessage, log *logger.Logger) (Status, error) {
	ticket, err := e.tickets.Get(ctx, msg.TicketID)
	if err != nil {
		return "", fmt.Errorf("loading ticket: %w", err)
	}
	settings, err := e.settings.GetSettings(ctx, ticket.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("loading settings: %w", err)
	}

	channel := msg.Channel
	if channel == "" {
		channel = ticket.Channel
	}
	if ticket.AIAutoReplyDisabled || !settings.AutoReplyEnabled(channel) {
		log.Debug("auto reply disabled", zap.String("channel", string(channel)))
		return StatusDisabled, nil
	}

	payload := GeneratePayload{
		TicketID:       ticket.ID,
		OrganizationID: ticket.OrganizationID,
		CustomerID:     msg.CustomerID,
		Channel:        channel,
		Content:        msg.Content,
	}
	if payload.CustomerID == "" {
		payload.CustomerID = ticket.CustomerID
	}

	if ticket.Escalated() && !ticket.IsAIEscalated {
		log.Debug("ticket is held by a human agent")
		return StatusAbsorbed, nil
	}
	if ticket.IsAIEscalated {
		outcome, err := e.escalation.OnCustomerMessage(ctx, ticket)
		if err != nil {
			return "", err
		}
		if outcome == escalation.Absorbed {
			return StatusAbsorbed, nil
		}
		payload.NewTopicCheck = true
		if err := e.queue.Enqueue(ctx, JobGenerateReply, payload, e.job); err != nil {
			return "", fmt.Errorf("queueing new topic check: %w", err)
		}
		log.Info("new topic check queued")
		return StatusQueued, nil
	}

	freeAsOf := e.now().Add(-e.processingTTL)
	claimed, err := e.tickets.UpdateIf(ctx, ticket.ID,
		desk.Guard{IsAIEscalated: desk.Ptr(false), ProcessingFreeAsOf: &freeAsOf},
		desk.TicketPatch{IsAIProcessing: desk.Ptr(true)},
	)
	if err != nil {
		return "", fmt.Errorf("claiming ticket: %w", err)
	}
	if !claimed {
		log.Debug("ticket is already being processed")
		return StatusBusy, nil
	}

	if err := e.queue.Enqueue(ctx, JobGenerateReply, payload, e.job); err != nil {
		e.clearProcessing(context.WithoutCancel(ctx), ticket.ID, log)
		return "", fmt.Errorf("queueing reply: %w", err)
	}
	log.Info("reply queued")
	return StatusQueued, nil
}

// Deescalate returns a ticket to automated handling on behalf of a human.
func (e *Engine) Deescalate(ctx context.Context, ticketID, actor string) error {
	return e.escalation.Deescalate(ctx, ticketID, actor)
}

// HandleGenerateReply produces and applies the decision for one message.
func (e *Engine) HandleGenerateReply(ctx context.Context, job *queue.Job) (err error) {
	var p GeneratePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := e.logger.WithTicket(p.OrganizationID, p.TicketID).With(zap.Int("attempt", job.Attempt))

	if !p.NewTopicCheck {
		defer func() {
			// Keep the claim while a retry is still pending.
			if err == nil || job.Attempt >= job.MaxAttempts {
				e.clearProcessing(context.WithoutCancel(ctx), p.TicketID, log)
			}
		}()
	}

	key := GenerateLockKey(p.TicketID)
	acquired, err := e.locker.Acquire(ctx, key, e.processingTTL)
	switch {
	case err != nil:
		log.Warn("lock store unavailable, generating without lock", zap.Error(err))
	case !acquired:
		return ErrGenerationBusy
	default:
		defer func() {
			if err := e.locker.Release(context.WithoutCancel(ctx), key); err != nil {
				log.Warn("failed to release generation lock", zap.Error(err))
			}
		}()
	}

	ticket, err := e.tickets.Get(ctx, p.TicketID)
	if errors.Is(err, desk.ErrNotFound) {
		log.Warn("ticket disappeared before reply generation")
		return nil
	}
	if err != nil {
		return err
	}
	if ticket.Escalated() && !p.NewTopicCheck {
		log.Info("ticket escalated while queued, skipping")
		return nil
	}

	settings, err := e.settings.GetSettings(ctx, ticket.OrganizationID)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	customer, err := e.customers.GetCustomer(ctx, ticket.OrganizationID, p.CustomerID)
	if err != nil {
		if !errors.Is(err, desk.ErrNotFound) {
			return fmt.Errorf("loading customer: %w", err)
		}
		customer = nil
	}

	d := e.decide(ctx, p, ticket, settings, customer, log)
	if err := e.apply(ctx, p, ticket, settings, d, log); err != nil {
		return err
	}
	if p.NewTopicCheck {
		if err := e.escalation.RestartCount(ctx, ticket); err != nil {
			log.Warn("failed to restart escalation count", zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) decide(ctx context.Context, p GeneratePayload, ticket *model.Ticket, settings *model.OrganizationSettings, customer *model.Customer, log *logger.Logger) model.Decision {
	in := agent.Input{
		Ticket:   ticket,
		Customer: customer,
		Settings: settings,
		Latest:   p.Content,
	}
	if p.NewTopicCheck {
		in.Mode = agent.ModeNewTopicCheck
		return e.agent.Run(ctx, in)
	}

	if topic, ok := settings.MatchRestrictedTopic(p.Content); ok {
		log.Info("restricted topic", zap.String("topic", topic))
		d := model.Escalate("Restricted topic: "+topic, p.Content, 100)
		d.Meta.Source = model.SourceRestriction
		return d
	}

	match := e.cache.FindMatch(ctx, p.Content, ticket.OrganizationID)
	switch match.Type {
	case cache.MatchLiteral, cache.MatchSemantic:
		reply := e.cache.Personalize(ctx, ticket.OrganizationID, match.Response, customer, p.Content)
		d := model.Reply(reply, min(match.Score*100, cacheHitConfidenceCap))
		d.Meta.Source = model.SourceCache
		d.Meta.CacheMatch = string(match.Type)
		return d
	case cache.MatchReference:
		in.Reference = match.Response
	}

	d := e.agent.Run(ctx, in)
	d = d.ApplyThreshold(settings.ConfidenceThreshold)
	if in.Reference != "" {
		d.Meta.CacheMatch = string(cache.MatchReference)
	}
	return d
}

// apply carries out d. A REPLY is discarded when the ticket was escalated
// while the decision was being made.
func (e *Engine) apply(ctx context.Context, p GeneratePayload, ticket *model.Ticket, settings *model.OrganizationSettings, d model.Decision, log *logger.Logger) error {
	applied := false
	defer func() {
		metrics.Decisions.WithLabelValues(string(d.Action), d.Meta.Source).Inc()
		e.audit.Record(ctx, audit.NewDecisionEvent(ticket, d, applied))
	}()

	log = log.With(
		zap.String("action", string(d.Action)),
		zap.String("source", d.Meta.Source),
		zap.Float64("confidence", d.Confidence),
		zap.Int("turns", d.Meta.Turns),
	)

	switch d.Action {
	case model.ActionReply:
		current, err := e.tickets.Get(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if current.Escalated() {
			log.Info("discarding reply for escalated ticket")
			return nil
		}

		if _, err := e.threads.SendMessage(ctx, desk.OutboundMessage{
			OrganizationID: ticket.OrganizationID,
			TicketID:       ticket.ID,
			ThreadID:       ticket.ThreadID,
			Channel:        p.Channel,
			AuthorType:     model.AuthorAI,
			Content:        d.Content,
		}); err != nil {
			return fmt.Errorf("sending reply: %w", err)
		}
		applied = true

		if err := e.tickets.Update(ctx, ticket.ID, desk.TicketPatch{AIConfidenceScore: desk.Ptr(d.Confidence)}); err != nil {
			log.Warn("failed to record confidence", zap.Error(err))
		}
		if d.Meta.Source != model.SourceCache {
			if err := e.cache.Store(ctx, p.Content, d.Content, ticket.OrganizationID, settings.KBVersion); err != nil {
				log.Warn("failed to store reply in cache", zap.Error(err))
			}
		}
		log.Info("reply sent")

	case model.ActionEscalate:
		if p.NewTopicCheck {
			log.Info("message stays with the human agent")
			return nil
		}
		ok, err := e.escalation.Escalate(ctx, ticket, d)
		if err != nil {
			return err
		}
		applied = ok
		log.Info("escalation decided", zap.String("reason", d.Reason), zap.Bool("transitioned", ok))

	default:
		applied = true
		if d.Meta.NewTicketID != "" {
			e.openNewTopic(ctx, p, ticket, d, log)
			return nil
		}
		log.Info("no reply needed", zap.String("reason", d.Reason))
	}
	return nil
}

// openNewTopic tells the humans about a ticket opened for an unrelated topic
// and evaluates the message on it. The new ticket exists at this point, so
// failures are logged and the job still succeeds.
func (e *Engine) openNewTopic(ctx context.Context, p GeneratePayload, ticket *model.Ticket, d model.Decision, log *logger.Logger) {
	log = log.With(zap.String("new_ticket_id", d.Meta.NewTicketID))
	e.escalation.NewTopic(ctx, ticket, d.Meta.NewTicketID, d.Content)

	status, err := e.Evaluate(ctx, model.InboundMessage{
		TicketID:       d.Meta.NewTicketID,
		OrganizationID: ticket.OrganizationID,
		CustomerID:     p.CustomerID,
		Channel:        p.Channel,
		Content:        d.Content,
	})
	if err != nil {
		log.Error("failed to evaluate new topic ticket", zap.Error(err))
		return
	}
	log.Info("new topic moved to its own ticket", zap.String("status", string(status)))
}

func (e *Engine) clearProcessing(ctx context.Context, ticketID string, log *logger.Logger) {
	if err := e.tickets.Update(ctx, ticketID, desk.TicketPatch{IsAIProcessing: desk.Ptr(false)}); err != nil {
		log.Warn("failed to clear processing marker", zap.Error(err))
	}
}
