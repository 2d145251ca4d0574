package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	natsclient "github.com/capitalize-ai/supportdesk/internal/nats"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/tracing"
)

const (
	// ConsumerName is the durable consumer shared by all workers.
	ConsumerName = "autoreply-workers"

	ackWait    = 5 * time.Minute
	jobTimeout = 4 * time.Minute
)

// JetStream is a durable queue on the JOBS work-queue stream. Each message
// carries the whole Job; a retry is a new message with the next attempt, so
// redelivery counts never drive the retry budget.
type JetStream struct {
	js       jetstream.JetStream
	registry *Registry
	logger   *logger.Logger
}

var _ Queue = (*JetStream)(nil)

// NewJetStream creates a queue on js. The JOBS stream must exist.
func NewJetStream(js jetstream.JetStream, registry *Registry, log *logger.Logger) *JetStream {
	return &JetStream{js: js, registry: registry, logger: log.Named("queue")}
}

// Enqueue publishes the first attempt of a job.
func (q *JetStream) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) error {
	job, err := newJob(jobType, payload, opts, time.Now())
	if err != nil {
		return err
	}
	return q.publish(ctx, natsclient.JobSubject(job.Type), attemptMsgID(job), job)
}

// attemptMsgID deduplicates republished attempts within the stream's window.
func attemptMsgID(job *Job) string {
	return fmt.Sprintf("%s-%d", job.ID, job.Attempt)
}

// deadMsgID differs from every attempt id so the dead letter is never
// dropped as a duplicate of the attempt that exhausted the budget.
func deadMsgID(job *Job) string {
	return job.ID + "-dead"
}

func (q *JetStream) publish(ctx context.Context, subject, msgID string, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	if _, err := q.js.Publish(ctx, subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publishing job %s: %w", job.Type, err)
	}
	return nil
}

// Run consumes jobs with at most concurrency handlers in flight until ctx is done.
func (q *JetStream) Run(ctx context.Context, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	cons, err := q.js.CreateOrUpdateConsumer(ctx, natsclient.JobsStream, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: natsclient.JobSubject(">"),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxAckPending: concurrency * 4,
	})
	if err != nil {
		return fmt.Errorf("creating consumer: %w", err)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = msg.Nak()
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			q.handle(ctx, msg)
		}()
	}, jetstream.PullMaxMessages(concurrency))
	if err != nil {
		return fmt.Errorf("starting consumer: %w", err)
	}

	q.logger.Info("job consumer started",
		zap.Int("concurrency", concurrency),
		zap.Strings("job_types", q.registry.Types()),
	)

	<-ctx.Done()
	cc.Stop()
	wg.Wait()
	return nil
}

func (q *JetStream) handle(ctx context.Context, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error("dropping undecodable job", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Term()
		return
	}

	if wait := time.Until(job.NotBefore); wait > 0 {
		_ = msg.NakWithDelay(wait)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	jobCtx, span := tracing.Tracer("queue").Start(jobCtx, "job "+job.Type)
	defer span.End()

	out, _ := execute(jobCtx, q.registry, &job, q.logger)
	switch out {
	case outcomeSucceeded:
		_ = msg.Ack()

	case outcomeRetry:
		// Publish before ack so a crash in between duplicates rather than loses.
		next := nextAttempt(&job, time.Now())
		if err := q.publish(ctx, natsclient.JobSubject(job.Type), attemptMsgID(next), next); err != nil {
			q.logger.Error("failed to schedule retry", zap.String("job_id", job.ID), zap.Error(err))
			_ = msg.NakWithDelay(Backoff(job.Backoff, job.Attempt))
			return
		}
		_ = msg.Ack()

	case outcomeDead:
		if err := q.publish(ctx, natsclient.DeadLetterSubject(job.Type), deadMsgID(&job), &job); err != nil {
			q.logger.Error("failed to publish dead letter", zap.String("job_id", job.ID), zap.Error(err))
		}
		_ = msg.Term()
	}
}
