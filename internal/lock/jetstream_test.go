package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

func runJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
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
	return js
}

func TestJetStreamLocker_CreateContention(t *testing.T) {
	js := runJetStream(t)
	ctx := context.Background()
	log := logger.Wrap(zaptest.NewLogger(t))

	// Two workers sharing the bucket.
	a := NewJetStreamLocker(js, log)
	b := NewJetStreamLocker(js, log)

	if ok, err := a.Acquire(ctx, "autoreply:t1", 30*time.Second); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, err := b.Acquire(ctx, "autoreply:t1", 30*time.Second); err != nil || ok {
		t.Fatalf("contended acquire = %v, %v, want false", ok, err)
	}

	// b never held the lock, so its release leaves a's entry alone.
	if err := b.Release(ctx, "autoreply:t1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Acquire(ctx, "autoreply:t1", 30*time.Second); ok {
		t.Fatal("acquired after a release by a non-holder")
	}

	if err := a.Release(ctx, "autoreply:t1"); err != nil {
		t.Fatal(err)
	}
	if ok, err := b.Acquire(ctx, "autoreply:t1", 30*time.Second); err != nil || !ok {
		t.Fatalf("acquire after release = %v, %v", ok, err)
	}
}

func TestJetStreamLocker_ConcurrentAcquireIsExclusive(t *testing.T) {
	js := runJetStream(t)
	ctx := context.Background()
	l := NewJetStreamLocker(js, logger.Wrap(zaptest.NewLogger(t)))

	// Create the bucket before the race.
	if ok, err := l.Acquire(ctx, "warmup", 30*time.Second); err != nil || !ok {
		t.Fatalf("warmup = %v, %v", ok, err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Acquire(ctx, "autoreply:t2", 30*time.Second)
			if err != nil {
				t.Error(err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("acquired %d times, want 1", wins)
	}
}

func TestJetStreamLocker_ExpiresAfterTTL(t *testing.T) {
	js := runJetStream(t)
	ctx := context.Background()
	log := logger.Wrap(zaptest.NewLogger(t))
	a := NewJetStreamLocker(js, log)
	b := NewJetStreamLocker(js, log)

	ttl := time.Second
	start := time.Now()
	if ok, err := a.Acquire(ctx, "autoreply:t3", ttl); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := b.Acquire(ctx, "autoreply:t3", ttl); ok {
		t.Fatal("acquired before expiry")
	}

	for deadline := start.Add(10 * time.Second); ; {
		ok, err := b.Acquire(ctx, "autoreply:t3", ttl)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lock never expired")
		}
		time.Sleep(100 * time.Millisecond)
	}
	if elapsed := time.Since(start); elapsed < ttl {
		t.Errorf("lock expired after %v, want at least %v", elapsed, ttl)
	}
}
