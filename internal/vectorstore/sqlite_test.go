package vectorstore

import (
	"context"
	"math"
	"testing"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_NearestOrdersBySimilarity(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	recs := []Record{
		{ID: "a", Collection: CollectionResponses, OrganizationID: "org1", KBVersion: "v1", Key: "a", Text: "A", Embedding: []float32{1, 0, 0}},
		{ID: "b", Collection: CollectionResponses, OrganizationID: "org1", KBVersion: "v1", Key: "b", Text: "B", Embedding: []float32{0.7, 0.7, 0}},
		{ID: "c", Collection: CollectionResponses, OrganizationID: "org1", KBVersion: "v1", Key: "c", Text: "C", Embedding: []float32{0, 0, 1}},
	}
	for _, r := range recs {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert(%s) error = %v", r.ID, err)
		}
	}

	got, err := s.Nearest(ctx, Query{Collection: CollectionResponses, OrganizationID: "org1", KBVersion: "v1", Vector: []float32{1, 0.1, 0}, K: 2})
	if err != nil {
		t.Fatalf("Nearest() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("scores not descending: %v, %v", got[0].Score, got[1].Score)
	}
}

func TestSQLite_NearestFiltersScope(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	vec := []float32{1, 0}
	for _, r := range []Record{
		{ID: "other-org", Collection: CollectionResponses, OrganizationID: "org2", KBVersion: "v1", Embedding: vec},
		{ID: "old-version", Collection: CollectionResponses, OrganizationID: "org1", KBVersion: "v1", Embedding: vec},
		{ID: "kb", Collection: CollectionKB, OrganizationID: "org1", KBVersion: "v2", Embedding: vec},
	} {
		if err := s.Upsert(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Nearest(ctx, Query{Collection: CollectionResponses, OrganizationID: "org1", KBVersion: "v2", Vector: vec, K: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d matches across scopes, want 0", len(got))
	}

	all, err := s.Nearest(ctx, Query{Collection: CollectionKB, OrganizationID: "org1", Vector: vec, K: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != "kb" {
		t.Errorf("unversioned query = %+v", all)
	}
}

func TestSQLite_UpsertReplaces(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := Record{ID: "x", Collection: CollectionResponses, OrganizationID: "o", KBVersion: "v1", Text: "first", Embedding: []float32{1, 0}, Metadata: map[string]string{"n": "1"}}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}
	rec.Text = "second"
	rec.Metadata = map[string]string{"n": "2"}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.Nearest(ctx, Query{Collection: CollectionResponses, OrganizationID: "o", KBVersion: "v1", Vector: []float32{1, 0}, K: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Text != "second" || got[0].Metadata["n"] != "2" {
		t.Errorf("got %+v", got)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cosine(tt.a, tt.b); math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("Cosine = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEntryID_Stable(t *testing.T) {
	if EntryID("a", "b") != EntryID("a", "b") {
		t.Error("EntryID not deterministic")
	}
	if EntryID("ab", "") == EntryID("a", "b") {
		t.Error("EntryID parts collide")
	}
}
