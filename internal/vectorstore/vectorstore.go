// Package vectorstore provides nearest-neighbour search over embedded text,
// scoped by organization and knowledge-base version.
package vectorstore

import (
	"context"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Collections stored in the index.
const (
	CollectionResponses = "response_cache"
	CollectionKB        = "kb_chunks"
)

// Record is one embedded entry.
type Record struct {
	ID             string
	Collection     string
	OrganizationID string
	KBVersion      string
	Key            string
	Text           string
	Embedding      []float32
	Metadata       map[string]string
	CreatedAt      time.Time
}

// Match is a record with its cosine similarity to the query vector.
type Match struct {
	Record
	Score float64
}

// Query selects candidates for a nearest-neighbour search. An empty KBVersion
// matches every version.
type Query struct {
	Collection     string
	OrganizationID string
	KBVersion      string
	Vector         []float32
	K              int
}

// Index is a vector index backend.
type Index interface {
	// Upsert inserts rec or replaces the record with the same ID.
	Upsert(ctx context.Context, rec Record) error

	// Nearest returns up to q.K records ordered by descending similarity.
	Nearest(ctx context.Context, q Query) ([]Match, error)
}

// EntryID derives a stable record ID from its identifying parts.
func EntryID(parts ...string) string {
	sum := blake3.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:16])
}

// Cosine returns the cosine similarity of a and b, or 0 when either is empty,
// zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
