package store

import (
	"strings"
	"testing"
	"time"

	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/model"
)

func TestBuildUpdate_PatchOnly(t *testing.T) {
	query, args := buildUpdate("t1", desk.Guard{}, desk.TicketPatch{
		Status:        desk.Ptr(model.StatusEscalated),
		IsAIEscalated: desk.Ptr(true),
	})

	want := "UPDATE tickets SET updated_at = now(), status = $1, is_ai_escalated = $2 WHERE id = $3"
	if query != want {
		t.Errorf("query = %q\nwant    %q", query, want)
	}
	if len(args) != 3 || args[0] != "ESCALATED" || args[1] != true || args[2] != "t1" {
		t.Errorf("args = %v", args)
	}
}

func TestBuildUpdate_ProcessingClaim(t *testing.T) {
	cutoff := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	query, args := buildUpdate("t1",
		desk.Guard{IsAIEscalated: desk.Ptr(false), ProcessingFreeAsOf: &cutoff},
		desk.TicketPatch{IsAIProcessing: desk.Ptr(true)})

	for _, part := range []string{
		"is_ai_processing = $1",
		"ai_processing_since = CASE WHEN $1::boolean THEN now() ELSE NULL END",
		"WHERE id = $2 AND is_ai_escalated = $3",
		"ai_processing_since < $4)",
	} {
		if !strings.Contains(query, part) {
			t.Errorf("query %q lacks %q", query, part)
		}
	}
	if len(args) != 4 || args[3] != cutoff {
		t.Errorf("args = %v", args)
	}
}

func TestBuildUpdate_Tags(t *testing.T) {
	query, args := buildUpdate("t1", desk.Guard{}, desk.TicketPatch{AddTags: []string{"billing", "refund"}})
	if !strings.Contains(query, "tags = tags || ARRAY(SELECT t FROM unnest($1::text[])") {
		t.Errorf("query = %q", query)
	}
	tags, ok := args[0].([]string)
	if !ok || len(tags) != 2 {
		t.Errorf("args = %v", args)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("001_desk.sql")
	if err != nil || v != 1 {
		t.Errorf("parseMigrationVersion = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("desk.sql"); err == nil {
		t.Error("expected an error for a file without a version prefix")
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil || len(entries) == 0 {
		t.Fatalf("embedded migrations = %v, %v", entries, err)
	}
}
