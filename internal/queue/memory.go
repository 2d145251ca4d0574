package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// Memory runs jobs in-process. Jobs are lost on restart, so it serves tests
// and deployments without NATS.
type Memory struct {
	registry *Registry
	logger   *logger.Logger
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	dead []Job
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-process queue running at most concurrency jobs at once.
func NewMemory(registry *Registry, concurrency int, log *logger.Logger) *Memory {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		registry: registry,
		logger:   log.Named("queue"),
		sem:      semaphore.NewWeighted(int64(concurrency)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue schedules a job.
func (m *Memory) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) error {
	job, err := newJob(jobType, payload, opts, time.Now())
	if err != nil {
		return err
	}
	m.schedule(job)
	return nil
}

// Wait blocks until every scheduled job, including retries, has finished.
func (m *Memory) Wait() {
	m.wg.Wait()
}

// Close stops accepting work and cancels running handlers.
func (m *Memory) Close() {
	m.cancel()
	m.wg.Wait()
}

// DeadLetters returns jobs abandoned after exhausting their attempts.
func (m *Memory) DeadLetters() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.dead...)
}

func (m *Memory) schedule(job *Job) {
	m.wg.Add(1)
	delay := time.Until(job.NotBefore)
	if delay <= 0 {
		go m.run(job)
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.run(job)
		case <-m.ctx.Done():
			m.wg.Done()
		}
	}()
}

func (m *Memory) run(job *Job) {
	defer m.wg.Done()

	if err := m.sem.Acquire(m.ctx, 1); err != nil {
		return
	}
	out, _ := execute(m.ctx, m.registry, job, m.logger)
	m.sem.Release(1)

	switch out {
	case outcomeRetry:
		if m.ctx.Err() == nil {
			m.schedule(nextAttempt(job, time.Now()))
		}
	case outcomeDead:
		m.mu.Lock()
		m.dead = append(m.dead, *job)
		m.mu.Unlock()
	}
}
