// Package queue provides durable, retrying, delayed job execution.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
)

// ErrUnknownJobType is returned when no handler is registered for a job.
var ErrUnknownJobType = errors.New("unknown job type")

// Defaults applied when EnqueueOptions leaves a field zero.
const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
)

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     time.Duration   `json:"backoff"`
	NotBefore   time.Time       `json:"not_before"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", j.Type, err)
	}
	return nil
}

// EnqueueOptions controls scheduling and retries of a job.
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// Queue accepts jobs for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) error
}

// Handler executes a job. A returned error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type, replacing any previous binding.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Types returns the registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch runs the handler for job.
func (r *Registry) Dispatch(ctx context.Context, job *Job) error {
	r.mu.RLock()
	h, ok := r.handlers[job.Type]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type)
	}
	return h(ctx, job)
}

// Backoff returns the delay before attempt+1 after attempt failed:
// base, 2*base, 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// newJob builds the first attempt of a job.
func newJob(jobType string, payload any, opts EnqueueOptions, now time.Time) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", jobType, err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	return &Job{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Type:        jobType,
		Payload:     data,
		Attempt:     1,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		NotBefore:   now.Add(opts.Delay),
	}, nil
}

// outcome classifies a finished attempt.
type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeRetry
	outcomeDead
)

// execute runs one attempt and decides what happens next.
func execute(ctx context.Context, registry *Registry, job *Job, log *logger.Logger) (outcome, error) {
	start := time.Now()
	err := registry.Dispatch(ctx, job)

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.Int("attempt", job.Attempt),
		zap.Int("max_attempts", job.MaxAttempts),
		zap.Duration("duration", time.Since(start)),
	}

	switch {
	case err == nil:
		metrics.JobsProcessed.WithLabelValues(job.Type, "succeeded").Inc()
		log.Debug("job succeeded", fields...)
		return outcomeSucceeded, nil
	case errors.Is(err, ErrUnknownJobType) || job.Attempt >= job.MaxAttempts:
		metrics.JobsProcessed.WithLabelValues(job.Type, "dead_lettered").Inc()
		metrics.JobsDeadLettered.WithLabelValues(job.Type).Inc()
		log.Error("job dead-lettered", append(fields, zap.Error(err))...)
		return outcomeDead, err
	default:
		metrics.JobsProcessed.WithLabelValues(job.Type, "retry").Inc()
		log.Warn("job failed, retrying", append(fields, zap.Error(err), zap.Duration("backoff", Backoff(job.Backoff, job.Attempt)))...)
		return outcomeRetry, err
	}
}

// nextAttempt returns the retry of job after a failure at now.
func nextAttempt(job *Job, now time.Time) *Job {
	next := *job
	next.NotBefore = now.Add(Backoff(job.Backoff, job.Attempt))
	next.Attempt++
	return &next
}
