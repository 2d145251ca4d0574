package cache

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/internal/vectorstore"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

type fakeModels struct {
	invokeCalls int32
	embedCalls  int32
	invokeFn    func(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	embedFn     func(ctx context.Context, text string) ([]float32, error)
}

func (f *fakeModels) Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	atomic.AddInt32(&f.invokeCalls, 1)
	if f.invokeFn == nil {
		return nil, errors.New("no model")
	}
	return f.invokeFn(ctx, logical, req)
}

func (f *fakeModels) Embed(ctx context.Context, logical, text string) ([]float32, error) {
	atomic.AddInt32(&f.embedCalls, 1)
	return f.embedFn(ctx, text)
}

// angleVector returns a unit vector whose cosine with [1,0] is cos.
func angleVector(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

type fixture struct {
	cache  *Cache
	models *fakeModels
	desk   *desk.Memory
	index  *vectorstore.SQLite
}

func newFixture(t *testing.T, vectors map[string][]float32) *fixture {
	t.Helper()

	index, err := vectorstore.OpenSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { index.Close() })

	d := desk.NewMemory()
	d.PutSettings(model.OrganizationSettings{OrganizationID: "org1", KBVersion: "v1"})

	models := &fakeModels{embedFn: func(ctx context.Context, text string) ([]float32, error) {
		if v, ok := vectors[text]; ok {
			return v, nil
		}
		return []float32{0, 1}, nil
	}}

	c := New(Options{
		Index:    index,
		Models:   models,
		Settings: d,
		Now:      func() time.Time { return time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC) },
		Logger:   logger.Wrap(zaptest.NewLogger(t)),
	})
	return &fixture{cache: c, models: models, desk: d, index: index}
}

func TestFindMatch_GreetingFastPath(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	m := f.cache.FindMatch(ctx, "Hi", "org1")
	if m.Type != MatchLiteral || m.Response != GreetingTemplate {
		t.Fatalf("match = %+v, want greeting template", m)
	}

	got := f.cache.Personalize(ctx, "org1", m.Response, &model.Customer{Name: "Ada Lovelace"}, "Hi")
	if got != "Good morning Ada! How can I help you today?" {
		t.Errorf("Personalize = %q", got)
	}
	if f.models.invokeCalls != 0 || f.models.embedCalls != 0 {
		t.Errorf("model calls: invoke=%d embed=%d, want 0", f.models.invokeCalls, f.models.embedCalls)
	}
}

func TestFindMatch_KBVersionBumpInvalidates(t *testing.T) {
	f := newFixture(t, map[string][]float32{"how do i reset my password": {1, 0}})
	ctx := context.Background()

	if err := f.cache.Store(ctx, "How do I reset my password?", "Use the reset link.", "org1", "v1"); err != nil {
		t.Fatal(err)
	}
	if m := f.cache.FindMatch(ctx, "How do I reset my password?", "org1"); m.Type != MatchLiteral {
		t.Fatalf("before bump: %+v", m)
	}

	f.desk.PutSettings(model.OrganizationSettings{OrganizationID: "org1", KBVersion: "v2"})

	if m := f.cache.FindMatch(ctx, "How do I reset my password?", "org1"); m.Type != MatchNone {
		t.Errorf("after bump: %+v, want NONE", m)
	}
}

func TestFindMatch_SemanticTiers(t *testing.T) {
	vectors := map[string][]float32{
		"stored question": {1, 0},
		"very close":      angleVector(0.97),
		"somewhat close":  angleVector(0.90),
		"far away":        angleVector(0.50),
	}
	f := newFixture(t, vectors)
	ctx := context.Background()

	err := f.index.Upsert(ctx, vectorstore.Record{
		ID: "e1", Collection: vectorstore.CollectionResponses, OrganizationID: "org1", KBVersion: "v1",
		Key: "stored question", Text: "stored answer", Embedding: []float32{1, 0},
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		query string
		want  MatchType
	}{
		{"very close", MatchSemantic},
		{"somewhat close", MatchReference},
		{"far away", MatchNone},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			m := f.cache.FindMatch(ctx, tt.query, "org1")
			if m.Type != tt.want {
				t.Errorf("type = %s (score %.3f), want %s", m.Type, m.Score, tt.want)
			}
			if tt.want != MatchNone && m.Response != "stored answer" {
				t.Errorf("response = %q", m.Response)
			}
		})
	}

	// A semantic hit backfills the literal map.
	before := f.models.embedCalls
	if m := f.cache.FindMatch(ctx, "very close", "org1"); m.Type != MatchLiteral {
		t.Errorf("second lookup = %s, want LITERAL", m.Type)
	}
	if f.models.embedCalls != before {
		t.Error("literal hit computed an embedding")
	}
}

func TestFindMatch_EmbeddingTimeoutDegrades(t *testing.T) {
	f := newFixture(t, nil)
	f.models.embedFn = func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.cache.embedTimeout = 20 * time.Millisecond

	start := time.Now()
	m := f.cache.FindMatch(context.Background(), "where is my order", "org1")
	if m.Type != MatchNone {
		t.Errorf("type = %s, want NONE", m.Type)
	}
	if time.Since(start) > time.Second {
		t.Error("lookup did not honor the embedding timeout")
	}
}

func TestFindMatch_UnknownOrganization(t *testing.T) {
	f := newFixture(t, nil)
	if m := f.cache.FindMatch(context.Background(), "question", "nope"); m.Type != MatchNone {
		t.Errorf("type = %s", m.Type)
	}
}

func TestPersonalize_RewritesAndFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	customer := &model.Customer{Name: "Grace Hopper"}

	f.models.invokeFn = func(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Content: "  Hi Grace, use the reset link.  "}, nil
	}
	if got := f.cache.Personalize(ctx, "org1", "Use the reset link.", customer, "reset?"); got != "Hi Grace, use the reset link." {
		t.Errorf("rewrite = %q", got)
	}

	f.models.invokeFn = func(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("provider down")
	}
	if got := f.cache.Personalize(ctx, "org1", "Use the reset link.", customer, "reset?"); got != "Use the reset link." {
		t.Errorf("fallback = %q", got)
	}
}

func TestGreeting(t *testing.T) {
	tests := []struct {
		hour int
		name string
		want string
	}{
		{9, "Ada", "Good morning Ada! How can I help you today?"},
		{14, "Ada", "Good afternoon Ada! How can I help you today?"},
		{20, "", "Good evening! How can I help you today?"},
	}
	for _, tt := range tests {
		now := time.Date(2026, 10, 17, tt.hour, 0, 0, 0, time.UTC)
		if got := Greeting(tt.name, now); got != tt.want {
			t.Errorf("Greeting(%q, %d:00) = %q, want %q", tt.name, tt.hour, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"  Hi!  ":               "hi",
		"How   do I\tReset it?": "how do i reset it",
		"...":                   "",
		"Good Morning.":         "good morning",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}
