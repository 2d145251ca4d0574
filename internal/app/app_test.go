package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/internal/autoreply"
	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/escalation"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		VectorBackend:   "sqlite",
		SQLitePath:      filepath.Join(dir, "vectors.db"),
		ModelRoutesFile: filepath.Join(dir, "missing.yaml"),
		AutoReply: config.AutoReplyConfig{
			LockTTL:           30 * time.Second,
			MaxTurns:          5,
			JobMaxAttempts:    3,
			JobBackoff:        time.Second,
			WorkerConcurrency: 2,
		},
	}
}

func TestNew_LocalBackends(t *testing.T) {
	a, err := New(context.Background(), localConfig(t), logger.Wrap(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.Engine == nil || a.Tickets == nil {
		t.Fatal("engine not assembled")
	}
	registered := map[string]bool{}
	for _, typ := range a.Registry.Types() {
		registered[typ] = true
	}
	for _, typ := range []string{autoreply.JobGenerateReply, escalation.JobSendEscalationNotice, escalation.JobSendIntervention} {
		if !registered[typ] {
			t.Errorf("job %q not registered", typ)
		}
	}
	if err := a.RunJobs(context.Background(), 1); err != ErrNoJobStream {
		t.Errorf("RunJobs without NATS = %v", err)
	}
}

func TestNew_RejectsBadVectorBackend(t *testing.T) {
	cfg := localConfig(t)
	cfg.VectorBackend = "postgres"
	if _, err := New(context.Background(), cfg, logger.Wrap(zaptest.NewLogger(t))); err == nil {
		t.Error("postgres vectors without a database should fail")
	}

	cfg.VectorBackend = "faiss"
	if _, err := New(context.Background(), cfg, logger.Wrap(zaptest.NewLogger(t))); err == nil {
		t.Error("unknown backend should fail")
	}
}
