// Package cache implements the tiered similarity cache that lets the engine
// reuse previously generated answers.
package cache

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/supportdesk/internal/config"
	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/vectorstore"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
	"github.com/capitalize-ai/supportdesk/pkg/metrics"
	"github.com/capitalize-ai/supportdesk/pkg/tracing"
)

// MatchType is the tier a lookup was answered from.
type MatchType string

const (
	MatchLiteral   MatchType = "LITERAL"
	MatchSemantic  MatchType = "SEMANTIC"
	MatchReference MatchType = "REFERENCE"
	MatchNone      MatchType = "NONE"
)

// GreetingTemplate is returned for greeting phrases instead of generated text.
// Personalize expands it.
const GreetingTemplate = "{{template:greeting}}"

var greetings = map[string]bool{
	"hi":             true,
	"hello":          true,
	"hey":            true,
	"hi there":       true,
	"hello there":    true,
	"hey there":      true,
	"hiya":           true,
	"howdy":          true,
	"good morning":   true,
	"good afternoon": true,
	"good evening":   true,
}

// Match is the result of FindMatch.
type Match struct {
	Response string
	Type     MatchType
	Score    float64
}

// IsTemplate reports whether the response is a template sentinel.
func (m Match) IsTemplate() bool {
	return strings.HasPrefix(m.Response, "{{template:")
}

// Models is the subset of the model gateway the cache uses.
type Models interface {
	Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	Embed(ctx context.Context, logical, text string) ([]float32, error)
}

// Options configures a Cache.
type Options struct {
	Index         vectorstore.Index
	Models        Models
	Settings      desk.SettingsStore
	HighThreshold float64
	LowThreshold  float64
	EmbedTimeout  time.Duration
	Now           func() time.Time
	Logger        *logger.Logger
}

// Cache answers repeated questions from a literal map or a vector index.
type Cache struct {
	index        vectorstore.Index
	models       Models
	settings     desk.SettingsStore
	high, low    float64
	embedTimeout time.Duration
	now          func() time.Time
	logger       *logger.Logger

	// literal maps literalKey to a response. Entries from older kb versions
	// are unreachable because the version is part of the key.
	literal sync.Map
}

// New creates a cache.
func New(opts Options) *Cache {
	if opts.HighThreshold == 0 {
		opts.HighThreshold = 0.94
	}
	if opts.LowThreshold == 0 {
		opts.LowThreshold = 0.88
	}
	if opts.EmbedTimeout == 0 {
		opts.EmbedTimeout = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Cache{
		index:        opts.Index,
		models:       opts.Models,
		settings:     opts.Settings,
		high:         opts.HighThreshold,
		low:          opts.LowThreshold,
		embedTimeout: opts.EmbedTimeout,
		now:          opts.Now,
		logger:       opts.Logger.Named("cache"),
	}
}

// FindMatch looks query up for the organization. Every failure degrades to
// MatchNone.
func (c *Cache) FindMatch(ctx context.Context, query, organizationID string) Match {
	ctx, span := tracing.Tracer("cache").Start(ctx, "cache.FindMatch")
	defer span.End()

	m := c.findMatch(ctx, query, organizationID)
	metrics.CacheLookups.WithLabelValues(string(m.Type)).Inc()
	span.SetAttributes(attribute.String("match_type", string(m.Type)), attribute.Float64("score", m.Score))
	return m
}

func (c *Cache) findMatch(ctx context.Context, query, organizationID string) Match {
	normalized := Normalize(query)
	if normalized == "" {
		return Match{Type: MatchNone}
	}
	if greetings[normalized] {
		return Match{Response: GreetingTemplate, Type: MatchLiteral, Score: 1}
	}

	kbVersion, err := c.kbVersion(ctx, organizationID)
	if err != nil {
		c.logger.Warn("cache lookup skipped", zap.String("organization_id", organizationID), zap.Error(err))
		return Match{Type: MatchNone}
	}

	if v, ok := c.literal.Load(literalKey(organizationID, kbVersion, normalized)); ok {
		return Match{Response: v.(string), Type: MatchLiteral, Score: 1}
	}

	if c.index == nil || c.models == nil {
		return Match{Type: MatchNone}
	}

	vec, err := c.embed(ctx, normalized)
	if err != nil {
		c.logger.Warn("query embedding failed", zap.String("organization_id", organizationID), zap.Error(err))
		return Match{Type: MatchNone}
	}

	matches, err := c.index.Nearest(ctx, vectorstore.Query{
		Collection:     vectorstore.CollectionResponses,
		OrganizationID: organizationID,
		KBVersion:      kbVersion,
		Vector:         vec,
		K:              1,
	})
	if err != nil {
		c.logger.Warn("vector search failed", zap.String("organization_id", organizationID), zap.Error(err))
		return Match{Type: MatchNone}
	}
	if len(matches) == 0 {
		return Match{Type: MatchNone}
	}

	best := matches[0]
	switch {
	case best.Score >= c.high:
		c.literal.Store(literalKey(organizationID, kbVersion, normalized), best.Text)
		return Match{Response: best.Text, Type: MatchSemantic, Score: best.Score}
	case best.Score >= c.low:
		return Match{Response: best.Text, Type: MatchReference, Score: best.Score}
	default:
		return Match{Type: MatchNone, Score: best.Score}
	}
}

// Store embeds query and persists response under kbVersion. It also seeds
// the literal map.
func (c *Cache) Store(ctx context.Context, query, response, organizationID, kbVersion string) error {
	normalized := Normalize(query)
	if normalized == "" || response == "" {
		return nil
	}
	c.literal.Store(literalKey(organizationID, kbVersion, normalized), response)

	if c.index == nil || c.models == nil {
		return nil
	}

	vec, err := c.embed(ctx, normalized)
	if err != nil {
		return err
	}

	return c.index.Upsert(ctx, vectorstore.Record{
		ID:             vectorstore.EntryID(vectorstore.CollectionResponses, organizationID, kbVersion, normalized),
		Collection:     vectorstore.CollectionResponses,
		OrganizationID: organizationID,
		KBVersion:      kbVersion,
		Key:            normalized,
		Text:           response,
		Embedding:      vec,
		CreatedAt:      c.now(),
	})
}

// embed runs the embedding call under the hard timeout.
func (c *Cache) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.embedTimeout)
	defer cancel()
	return c.models.Embed(ctx, config.ModelEmbedding, text)
}

func (c *Cache) kbVersion(ctx context.Context, organizationID string) (string, error) {
	if c.settings == nil {
		return "", nil
	}
	s, err := c.settings.GetSettings(ctx, organizationID)
	if err != nil {
		return "", err
	}
	return s.KBVersion, nil
}

// Normalize lowercases, collapses whitespace and trims surrounding punctuation.
func Normalize(s string) string {
	s = strings.Join(strings.Fields(strings.ToLower(s)), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

func literalKey(organizationID, kbVersion, normalized string) string {
	sum := blake3.Sum256([]byte(organizationID + "\x00" + kbVersion + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}
