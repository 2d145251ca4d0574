package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
)

// JetStreamLocker stores locks in JetStream key-value buckets. KV TTLs are
// per bucket, so each distinct TTL gets its own bucket.
type JetStreamLocker struct {
	js     jetstream.JetStream
	logger *logger.Logger

	mu      sync.Mutex
	buckets map[time.Duration]jetstream.KeyValue
	held    map[string]jetstream.KeyValue
}

// NewJetStreamLocker creates a locker on js.
func NewJetStreamLocker(js jetstream.JetStream, log *logger.Logger) *JetStreamLocker {
	return &JetStreamLocker{
		js:      js,
		logger:  log.Named("lock"),
		buckets: make(map[time.Duration]jetstream.KeyValue),
		held:    make(map[string]jetstream.KeyValue),
	}
}

// Acquire creates the key, which fails if a live entry exists.
func (l *JetStreamLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	kv, err := l.bucket(ctx, ttl)
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return false, err
	}

	_, err = kv.Create(ctx, kvKey(key), []byte(time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)))
	switch {
	case errors.Is(err, jetstream.ErrKeyExists):
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return false, nil
	case err != nil:
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	l.mu.Lock()
	l.held[key] = kv
	l.mu.Unlock()

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return true, nil
}

// Release deletes the key from the bucket it was acquired in.
func (l *JetStreamLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	kv, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		l.logger.Debug("release of lock not held by this process", zap.String("key", key))
		return nil
	}
	if err := kv.Delete(ctx, kvKey(key)); err != nil {
		return fmt.Errorf("releasing lock %s: %w", key, err)
	}
	return nil
}

func (l *JetStreamLocker) bucket(ctx context.Context, ttl time.Duration) (jetstream.KeyValue, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if kv, ok := l.buckets[ttl]; ok {
		return kv, nil
	}

	kv, err := l.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      BucketName(ttl),
		Description: "Ticket processing locks",
		TTL:         ttl,
		History:     1,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("creating lock bucket: %w", err)
	}
	l.buckets[ttl] = kv
	return kv, nil
}

// BucketName returns the KV bucket holding locks with the given TTL.
func BucketName(ttl time.Duration) string {
	return fmt.Sprintf("locks_%dms", ttl.Milliseconds())
}

// kvKey maps a lock key to the KV key alphabet.
func kvKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '/', r == '=', r == '.':
			return r
		case r == ':':
			return '.'
		default:
			return '_'
		}
	}, key)
}
