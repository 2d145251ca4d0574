// Package app assembles the orchestration engine and its collaborators from
// configuration.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/agent"
	"github.com/capitalize-ai/supportdesk/internal/audit"
	"github.com/capitalize-ai/supportdesk/internal/autoreply"
	"github.com/capitalize-ai/supportdesk/internal/cache"
	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/escalation"
	"github.com/capitalize-ai/supportdesk/internal/gateway"
	"github.com/capitalize-ai/supportdesk/internal/handler"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/lock"
	natsclient "github.com/capitalize-ai/supportdesk/internal/nats"
	"github.com/capitalize-ai/supportdesk/internal/queue"
	"github.com/capitalize-ai/supportdesk/internal/store"
	"github.com/capitalize-ai/supportdesk/internal/vectorstore"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// ErrNoJobStream is returned when a worker is started without NATS.
var ErrNoJobStream = errors.New("NATS_URL is required to consume jobs")

// deskBackend groups the desk collaborators so one backend can serve them all.
type deskBackend interface {
	desk.TicketStore
	desk.ThreadStore
	desk.SettingsStore
	desk.CustomerDirectory
	desk.Notifier
	desk.TicketCreator
}

// App holds the assembled engine and the resources it owns.
type App struct {
	Engine   *autoreply.Engine
	Tickets  desk.TicketStore
	Registry *queue.Registry
	Checks   []handler.Check

	// Jobs is set when jobs flow through JetStream.
	Jobs *queue.JetStream

	closers []func()
	logger  *logger.Logger
}

// New wires every component from cfg. Optional backends degrade to
// process-local implementations when they are not configured.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	a := &App{Registry: queue.NewRegistry(), logger: log.Named("app")}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	routes, err := config.LoadRoutes(cfg.ModelRoutesFile)
	if err != nil {
		return nil, err
	}
	models := gateway.New(gateway.Options{
		Routes: routes,
		Keys: map[llm.Provider][]string{
			llm.ProviderAnthropic: cfg.AnthropicAPIKeys,
			llm.ProviderOpenAI:    cfg.OpenAIAPIKeys,
		},
		BaseURLs:      map[llm.Provider]string{llm.ProviderOpenAI: cfg.OpenAIBaseURL},
		MaxConcurrent: cfg.MaxConcurrentModelCalls,
		Logger:        log,
	})

	var backend deskBackend
	var pg *store.Postgres
	if cfg.DatabaseURL != "" {
		pg, err = store.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.Checks = append(a.Checks, handler.Check{Name: "postgres", Probe: pg.Ping})
		backend = pg
	} else {
		a.logger.Warn("DATABASE_URL not set, using an in-memory desk")
		backend = desk.NewMemory()
	}

	index, err := a.openIndex(ctx, cfg, pg)
	if err != nil {
		return nil, err
	}

	var (
		threads  desk.ThreadStore = backend
		notifier desk.Notifier    = backend
		locker   lock.Locker
		jobs     queue.Queue
	)
	if cfg.NATSURL != "" {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "supportdesk",
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, nc.Close)
		a.Checks = append(a.Checks, handler.Check{Name: "nats", Probe: nc.Ping})

		streams := natsclient.NewStreamManager(nc.JetStream())
		if err := streams.EnsureStreams(ctx); err != nil {
			return nil, fmt.Errorf("ensuring streams: %w", err)
		}
		threads = natsclient.NewDeliveringThreads(backend, streams, log)
		notifier = natsclient.NewNotifier(streams)
		locker = lock.NewJetStreamLocker(nc.JetStream(), log)
		a.Jobs = queue.NewJetStream(nc.JetStream(), a.Registry, log)
		jobs = a.Jobs
	} else {
		a.logger.Warn("NATS_URL not set, jobs run in process")
		locker = lock.NewFailOpen(log)
		mem := queue.NewMemory(a.Registry, cfg.AutoReply.WorkerConcurrency, log)
		a.closers = append(a.closers, mem.Close)
		jobs = mem
	}

	var recorder audit.Recorder = audit.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kr := audit.NewKafkaRecorder(cfg.KafkaBrokers, cfg.KafkaDecisionsTopic, log)
		a.closers = append(a.closers, func() {
			if err := kr.Close(); err != nil {
				a.logger.Warn("failed to flush decision events", zap.Error(err))
			}
		})
		recorder = kr
	}

	ar := cfg.AutoReply
	job := queue.EnqueueOptions{MaxAttempts: ar.JobMaxAttempts, Backoff: ar.JobBackoff}

	responses := cache.New(cache.Options{
		Index:         index,
		Models:        models,
		Settings:      backend,
		HighThreshold: ar.HighSimilarity,
		LowThreshold:  ar.LowSimilarity,
		EmbedTimeout:  ar.EmbeddingTimeout,
		Logger:        log,
	})

	responder := agent.New(agent.Options{
		Models:  models,
		Threads: threads,
		Tools: agent.DefaultTools(agent.ToolDeps{
			Models:  models,
			Index:   index,
			Tickets: backend,
			Creator: backend,
		}),
		MaxTurns: ar.MaxTurns,
		Logger:   log,
	})

	escalations := escalation.New(escalation.Options{
		Tickets:    backend,
		Threads:    threads,
		Settings:   backend,
		Customers:  backend,
		Notifier:   notifier,
		Queue:      jobs,
		Composer:   escalation.NewComposer(models, log),
		Checkpoint: ar.InterventionCheckpoint,
		Job:        job,
		Logger:     log,
	})

	a.Engine = autoreply.New(autoreply.Options{
		Tickets:       backend,
		Threads:       threads,
		Settings:      backend,
		Customers:     backend,
		Locker:        locker,
		Queue:         jobs,
		Cache:         responses,
		Agent:         responder,
		Escalation:    escalations,
		Audit:         recorder,
		LockTTL:       ar.LockTTL,
		ProcessingTTL: ar.ProcessingStaleAfter,
		Job:           job,
		Logger:        log,
	})
	a.Engine.Register(a.Registry)
	a.Tickets = backend

	ready = true
	return a, nil
}

func (a *App) openIndex(ctx context.Context, cfg *config.Config, pg *store.Postgres) (vectorstore.Index, error) {
	switch cfg.VectorBackend {
	case "postgres":
		if pg == nil {
			return nil, errors.New("VECTOR_BACKEND=postgres requires DATABASE_URL")
		}
		idx := vectorstore.NewPostgres(pg.Pool())
		if err := idx.Migrate(ctx); err != nil {
			return nil, err
		}
		return idx, nil
	case "sqlite", "":
		idx, err := vectorstore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
		a.closers = append(a.closers, func() { _ = idx.Close() })
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown VECTOR_BACKEND %q", cfg.VectorBackend)
	}
}

// RunJobs consumes jobs from JetStream until ctx is done.
func (a *App) RunJobs(ctx context.Context, concurrency int) error {
	if a.Jobs == nil {
		return ErrNoJobStream
	}
	return a.Jobs.Run(ctx, concurrency)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
