// Package gateway routes logical model requests to concrete provider clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
	"github.com/capitalize-ai/supportdesk/pkg/tracing"
)

var (
	// ErrNoRoute is returned for a logical model without a routing entry.
	ErrNoRoute = errors.New("no route for logical model")

	// ErrAllModelsFailed is returned when every target in a fallback chain failed.
	ErrAllModelsFailed = errors.New("all models in fallback chain failed")
)

// ClientFactory constructs a provider client for one credential.
type ClientFactory func(provider llm.Provider, opts llm.Options) (llm.Client, error)

// Options configures a Gateway.
type Options struct {
	Routes        config.Routes
	Keys          map[llm.Provider][]string
	BaseURLs      map[llm.Provider]string
	MaxConcurrent int
	Factory       ClientFactory
	Logger        *logger.Logger
}

// Gateway is the single process-wide entry point for outbound model calls.
// Every physical call holds one slot of a shared semaphore.
type Gateway struct {
	routes   config.Routes
	keys     map[llm.Provider][]string
	baseURLs map[llm.Provider]string
	sem      *semaphore.Weighted
	factory  ClientFactory
	logger   *logger.Logger

	// handles caches clients by handleKey; entries are never evicted.
	handles sync.Map

	randMu sync.Mutex
	rand   *rand.Rand
}

type handleKey struct {
	provider llm.Provider
	model    string
	keyIndex int
}

// New creates a gateway.
func New(opts Options) *Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Factory == nil {
		opts.Factory = llm.NewClient
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Gateway{
		routes:   opts.Routes,
		keys:     opts.Keys,
		baseURLs: opts.BaseURLs,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		factory:  opts.Factory,
		logger:   opts.Logger.Named("gateway"),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Invoke runs a completion against the logical model's route, walking the
// fallback chain until one target succeeds. Model and MaxTokens on req are
// filled per target; the caller's request is not modified.
func (g *Gateway) Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	route, ok := g.routes.Models[logical]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, logical)
	}

	ctx, span := tracing.Tracer("gateway").Start(ctx, "gateway.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("logical_model", logical))

	var lastErr error
	for i, target := range chain(route) {
		if i > 0 {
			metrics.GatewayFallbacks.WithLabelValues(logical).Inc()
		}

		call := *req
		call.Model = target.Model
		if call.MaxTokens == 0 {
			call.MaxTokens = route.MaxTokens
		}

		resp, err := g.complete(ctx, target, &call)
		if err == nil {
			span.SetAttributes(attribute.String("provider", target.Provider), attribute.String("model", target.Model))
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		g.logger.Warn("model call failed",
			zap.String("logical_model", logical),
			zap.String("provider", target.Provider),
			zap.String("model", target.Model),
			zap.Error(err),
		)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "fallback chain exhausted")
	return nil, fmt.Errorf("%w (%s): %v", ErrAllModelsFailed, logical, lastErr)
}

// Embed computes an embedding with the logical model's route. Targets whose
// provider cannot embed are skipped.
func (g *Gateway) Embed(ctx context.Context, logical, text string) ([]float32, error) {
	route, ok := g.routes.Models[logical]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, logical)
	}

	var lastErr error
	for i, target := range chain(route) {
		if i > 0 {
			metrics.GatewayFallbacks.WithLabelValues(logical).Inc()
		}

		vec, err := g.embed(ctx, target, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		g.logger.Warn("embedding call failed",
			zap.String("logical_model", logical),
			zap.String("provider", target.Provider),
			zap.Error(err),
		)
	}

	return nil, fmt.Errorf("%w (%s): %v", ErrAllModelsFailed, logical, lastErr)
}

func (g *Gateway) complete(ctx context.Context, target config.Target, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	client, err := g.client(target)
	if err != nil {
		return nil, err
	}

	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	start := time.Now()
	resp, err := client.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	var in, out int
	if resp != nil {
		in, out = resp.TokensIn, resp.TokensOut
	}
	metrics.RecordLLMCall(target.Provider, target.Model, status, time.Since(start).Seconds(), in, out)

	return resp, err
}

func (g *Gateway) embed(ctx context.Context, target config.Target, text string) ([]float32, error) {
	client, err := g.client(target)
	if err != nil {
		return nil, err
	}
	embedder, ok := client.(llm.Embedder)
	if !ok {
		return nil, fmt.Errorf("%s: %w", target.Provider, llm.ErrEmbeddingsUnsupported)
	}

	if err := g.acquire(ctx); err != nil {
		return nil, err
	}
	defer g.release()

	start := time.Now()
	vec, err := embedder.Embed(ctx, target.Model, text)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordLLMCall(target.Provider, target.Model, status, time.Since(start).Seconds(), 0, 0)

	return vec, err
}

// acquire blocks until a slot is free or ctx is done.
func (g *Gateway) acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.GatewayInFlight.Inc()
	return nil
}

func (g *Gateway) release() {
	metrics.GatewayInFlight.Dec()
	g.sem.Release(1)
}

// client returns a cached handle for a randomly chosen credential of the
// target's provider.
func (g *Gateway) client(target config.Target) (llm.Client, error) {
	provider := llm.Provider(target.Provider)
	keys := g.keys[provider]
	if len(keys) == 0 {
		return nil, fmt.Errorf("no API keys configured for provider %s", provider)
	}

	key := handleKey{provider: provider, model: target.Model, keyIndex: g.pick(len(keys))}
	if c, ok := g.handles.Load(key); ok {
		return c.(llm.Client), nil
	}

	c, err := g.factory(provider, llm.Options{APIKey: keys[key.keyIndex], BaseURL: g.baseURLs[provider]})
	if err != nil {
		return nil, err
	}
	actual, _ := g.handles.LoadOrStore(key, c)
	return actual.(llm.Client), nil
}

func (g *Gateway) pick(n int) int {
	if n == 1 {
		return 0
	}
	g.randMu.Lock()
	defer g.randMu.Unlock()
	return g.rand.Intn(n)
}

func chain(route config.Route) []config.Target {
	return append([]config.Target{route.Target}, route.Fallbacks...)
}
