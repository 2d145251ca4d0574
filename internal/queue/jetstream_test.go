package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap/zaptest"

	natsclient "github.com/capitalize-ai/supportdesk/internal/nats"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// runJetStream starts an embedded JetStream server with the job streams.
func runJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	opts.JetStreamMaxStore = 64 << 30
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(nc.Close)

	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatal(err)
	}
	if err := natsclient.NewStreamManager(js).EnsureStreams(context.Background()); err != nil {
		t.Fatal(err)
	}
	return js
}

func startJetStream(t *testing.T, js jetstream.JetStream, registry *Registry) *JetStream {
	t.Helper()
	q := NewJetStream(js, registry, logger.Wrap(zaptest.NewLogger(t)))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- q.Run(ctx, 2) }()
	t.Cleanup(func() {
		cancel()
		if err := <-stopped; err != nil {
			t.Error(err)
		}
	})
	return q
}

func TestJetStream_RetriesWithBackoff(t *testing.T) {
	js := runJetStream(t)
	registry := NewRegistry()

	var mu sync.Mutex
	var attempts []time.Time
	succeeded := make(chan struct{})
	registry.Register("flaky", func(ctx context.Context, job *Job) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, time.Now())
		if job.Attempt == 1 {
			return errors.New("temporary failure")
		}
		select {
		case <-succeeded:
		default:
			close(succeeded)
		}
		return nil
	})
	q := startJetStream(t, js, registry)

	backoff := 300 * time.Millisecond
	if err := q.Enqueue(context.Background(), "flaky", map[string]string{"ticket_id": "t1"}, EnqueueOptions{MaxAttempts: 3, Backoff: backoff}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-succeeded:
	case <-time.After(10 * time.Second):
		t.Fatal("job did not succeed on retry")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(attempts))
	}
	if gap := attempts[1].Sub(attempts[0]); gap < backoff {
		t.Errorf("retry ran after %v, want at least %v", gap, backoff)
	}
}

func TestJetStream_DelayedJobWaitsForNotBefore(t *testing.T) {
	js := runJetStream(t)
	registry := NewRegistry()

	ran := make(chan time.Time, 1)
	registry.Register("later", func(ctx context.Context, job *Job) error {
		select {
		case ran <- time.Now():
		default:
		}
		return nil
	})
	q := startJetStream(t, js, registry)

	delay := 500 * time.Millisecond
	start := time.Now()
	if err := q.Enqueue(context.Background(), "later", struct{}{}, EnqueueOptions{Delay: delay}); err != nil {
		t.Fatal(err)
	}

	select {
	case at := <-ran:
		if elapsed := at.Sub(start); elapsed < delay {
			t.Errorf("job ran after %v, want at least %v", elapsed, delay)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestJetStream_DeadLettersAfterLastAttempt(t *testing.T) {
	js := runJetStream(t)
	registry := NewRegistry()

	var calls atomic.Int32
	registry.Register("boom", func(ctx context.Context, job *Job) error {
		calls.Add(1)
		return errors.New("always fails")
	})
	q := startJetStream(t, js, registry)

	ctx := context.Background()
	if err := q.Enqueue(ctx, "boom", map[string]string{"ticket_id": "t1"}, EnqueueOptions{MaxAttempts: 2, Backoff: 50 * time.Millisecond}); err != nil {
		t.Fatal(err)
	}

	stream, err := js.Stream(ctx, natsclient.JobsStream)
	if err != nil {
		t.Fatal(err)
	}
	subject := natsclient.DeadLetterSubject("boom")
	var dead *jetstream.RawStreamMsg
	for deadline := time.Now().Add(10 * time.Second); ; {
		dead, err = stream.GetLastMsgForSubject(ctx, subject)
		if err == nil {
			break
		}
		if !errors.Is(err, jetstream.ErrMsgNotFound) {
			t.Fatal(err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("no message on %s after %d attempts", subject, calls.Load())
		}
		time.Sleep(50 * time.Millisecond)
	}

	var job Job
	if err := json.Unmarshal(dead.Data, &job); err != nil {
		t.Fatal(err)
	}
	if job.Type != "boom" || job.Attempt != 2 || job.MaxAttempts != 2 {
		t.Errorf("dead letter = %+v", job)
	}
	if got := dead.Header.Get(jetstream.MsgIDHeader); got != job.ID+"-dead" {
		t.Errorf("dead letter msg id = %q", got)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("handler calls = %d, want 2", n)
	}
}

func TestDeadMsgIDDiffersFromAttempts(t *testing.T) {
	job := &Job{ID: "j1", Attempt: 3, MaxAttempts: 3}
	if deadMsgID(job) == attemptMsgID(job) {
		t.Errorf("dead letter reuses attempt id %q", attemptMsgID(job))
	}
}
