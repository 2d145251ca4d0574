package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var _ Index = (*Postgres)(nil)

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS vector_entries (
	id              TEXT PRIMARY KEY,
	collection      TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	kb_version      TEXT NOT NULL,
	key             TEXT NOT NULL,
	text            TEXT NOT NULL,
	embedding       vector NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_vector_entries_scope
	ON vector_entries (collection, organization_id, kb_version);
`

// Postgres is a pgvector-backed index sharing the desk database pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pool. Call Migrate once at startup.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the pgvector extension and the entries table.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("vectorstore: migrate: %w", err)
	}
	return nil
}

// Upsert inserts rec or replaces the record with the same ID.
func (p *Postgres) Upsert(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("vectorstore: encode metadata: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO vector_entries (id, collection, organization_id, kb_version, key, text, embedding, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata,
			created_at = EXCLUDED.created_at`,
		rec.ID, rec.Collection, rec.OrganizationID, rec.KBVersion, rec.Key, rec.Text,
		pgvector.NewVector(rec.Embedding), meta, createdAt,
	)
	if err != nil {
		return fmt.Errorf("vectorstore: upsert %s: %w", rec.ID, err)
	}
	return nil
}

// Nearest orders candidates by cosine distance inside Postgres.
func (p *Postgres) Nearest(ctx context.Context, q Query) ([]Match, error) {
	if q.K <= 0 {
		q.K = 1
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, collection, organization_id, kb_version, key, text, metadata, created_at,
		       1 - (embedding <=> $1) AS score
		FROM vector_entries
		WHERE collection = $2 AND organization_id = $3 AND ($4 = '' OR kb_version = $4)
		ORDER BY embedding <=> $1
		LIMIT $5`,
		pgvector.NewVector(q.Vector), q.Collection, q.OrganizationID, q.KBVersion, q.K,
	)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: nearest: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var meta []byte
		if err := rows.Scan(&m.ID, &m.Collection, &m.OrganizationID, &m.KBVersion, &m.Key, &m.Text, &meta, &m.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("vectorstore: scan match: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("vectorstore: decode metadata for %s: %w", m.ID, err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
