package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

type testPayload struct {
	TicketID string `json:"ticket_id"`
}

func newTestMemory(t *testing.T, registry *Registry) *Memory {
	t.Helper()
	q := NewMemory(registry, 4, logger.Wrap(zaptest.NewLogger(t)))
	t.Cleanup(q.Close)
	return q
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(2*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(2s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMemory_RunsHandlerWithPayload(t *testing.T) {
	registry := NewRegistry()
	var got testPayload
	registry.Register("generate-reply", func(ctx context.Context, job *Job) error {
		return job.Decode(&got)
	})

	q := newTestMemory(t, registry)
	if err := q.Enqueue(context.Background(), "generate-reply", testPayload{TicketID: "t1"}, EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}
	q.Wait()

	if got.TicketID != "t1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestMemory_RetriesThenSucceeds(t *testing.T) {
	registry := NewRegistry()
	var calls int32
	var attempts []int
	var mu sync.Mutex
	registry.Register("flaky", func(ctx context.Context, job *Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})

	q := newTestMemory(t, registry)
	_ = q.Enqueue(context.Background(), "flaky", nil, EnqueueOptions{MaxAttempts: 3, Backoff: time.Millisecond})
	q.Wait()

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Errorf("attempts = %v", attempts)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("succeeded job was dead-lettered")
	}
}

func TestMemory_DeadLettersAfterMaxAttempts(t *testing.T) {
	registry := NewRegistry()
	var calls int32
	registry.Register("broken", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("permanent")
	})

	q := newTestMemory(t, registry)
	_ = q.Enqueue(context.Background(), "broken", nil, EnqueueOptions{MaxAttempts: 2, Backoff: time.Millisecond})
	q.Wait()

	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].Type != "broken" || dead[0].Attempt != 2 {
		t.Errorf("dead letters = %+v", dead)
	}
}

func TestMemory_UnknownTypeIsDeadLettered(t *testing.T) {
	q := newTestMemory(t, NewRegistry())
	_ = q.Enqueue(context.Background(), "nobody-home", nil, EnqueueOptions{MaxAttempts: 5})
	q.Wait()

	if len(q.DeadLetters()) != 1 {
		t.Errorf("dead letters = %d, want 1", len(q.DeadLetters()))
	}
}

func TestMemory_HonorsDelay(t *testing.T) {
	registry := NewRegistry()
	var ranAt time.Time
	registry.Register("later", func(ctx context.Context, job *Job) error {
		ranAt = time.Now()
		return nil
	})

	q := newTestMemory(t, registry)
	start := time.Now()
	_ = q.Enqueue(context.Background(), "later", nil, EnqueueOptions{Delay: 30 * time.Millisecond})
	q.Wait()

	if ranAt.Sub(start) < 30*time.Millisecond {
		t.Errorf("ran after %v, want >= 30ms", ranAt.Sub(start))
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	err := r.Dispatch(context.Background(), &Job{Type: "missing"})
	if !errors.Is(err, ErrUnknownJobType) {
		t.Errorf("err = %v, want ErrUnknownJobType", err)
	}
}

func TestNextAttempt(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	job := &Job{ID: "j", Attempt: 2, MaxAttempts: 3, Backoff: time.Second}

	next := nextAttempt(job, now)
	if next.Attempt != 3 {
		t.Errorf("attempt = %d", next.Attempt)
	}
	if !next.NotBefore.Equal(now.Add(2 * time.Second)) {
		t.Errorf("not before = %v", next.NotBefore)
	}
	if job.Attempt != 2 {
		t.Error("original job modified")
	}
}
