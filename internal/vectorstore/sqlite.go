package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	_ "modernc.org/sqlite"
)

var _ Index = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vector_entries (
	id              TEXT PRIMARY KEY,
	collection      TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	kb_version      TEXT NOT NULL,
	key             TEXT NOT NULL,
	text            TEXT NOT NULL,
	embedding       BLOB NOT NULL,
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vector_entries_scope
	ON vector_entries (collection, organization_id, kb_version);
`

// SQLite is a brute-force cosine index over float32 blobs. It suits a single
// node and tests; use Postgres for shared deployments.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at dsn and prepares the schema.
// Use ":memory:" for an ephemeral index.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	s, err := NewSQLite(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLite wraps an existing database and creates the schema if needed.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("creating vector schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Upsert inserts rec or replaces the record with the same ID.
func (s *SQLite) Upsert(ctx context.Context, rec Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vector_entries (id, collection, organization_id, kb_version, key, text, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			embedding = excluded.embedding,
			metadata = excluded.metadata,
			created_at = excluded.created_at`,
		rec.ID, rec.Collection, rec.OrganizationID, rec.KBVersion, rec.Key, rec.Text,
		encodeFloat32s(rec.Embedding), string(meta), createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting record %s: %w", rec.ID, err)
	}
	return nil
}

// Nearest scans every record in scope and returns the top q.K by cosine similarity.
func (s *SQLite) Nearest(ctx context.Context, q Query) ([]Match, error) {
	if q.K <= 0 {
		q.K = 1
	}

	query := `SELECT id, collection, organization_id, kb_version, key, text, embedding, metadata, created_at
		FROM vector_entries WHERE collection = ? AND organization_id = ?`
	args := []any{q.Collection, q.OrganizationID}
	if q.KBVersion != "" {
		query += ` AND kb_version = ?`
		args = append(args, q.KBVersion)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var r Record
		var blob []byte
		var meta, createdAt string
		if err := rows.Scan(&r.ID, &r.Collection, &r.OrganizationID, &r.KBVersion, &r.Key, &r.Text, &blob, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if r.Embedding, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for %s: %w", r.ID, err)
		}
		matches = append(matches, Match{Record: r, Score: Cosine(q.Vector, r.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > q.K {
		matches = matches[:q.K]
	}
	return matches, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
