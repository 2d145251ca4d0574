package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

func TestHistory_BuildsAlternatingTurns(t *testing.T) {
	h := &history{logger: logger.Wrap(zaptest.NewLogger(t))}
	thread := []model.Message{
		{AuthorType: model.AuthorAI, Content: "Welcome!"},
		{AuthorType: model.AuthorCustomer, Content: "My order is late."},
		{AuthorType: model.AuthorCustomer, Content: "Order 1234."},
		{AuthorType: model.AuthorAgent, Content: "Checking."},
	}

	got := h.build(context.Background(), thread, "Any news?")

	if len(got) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(got), got)
	}
	if got[0].Role != llm.RoleUser || got[0].Content != "My order is late.\n\nOrder 1234." {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Role != llm.RoleAssistant || got[1].Content != "[Human agent] Checking." {
		t.Errorf("second = %+v", got[1])
	}
	if got[2].Role != llm.RoleUser || got[2].Content != "Any news?" {
		t.Errorf("third = %+v", got[2])
	}
}

func TestHistory_FetchesImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("PNGDATA"))
	}))
	defer srv.Close()

	h := &history{http: srv.Client(), logger: logger.Wrap(zaptest.NewLogger(t))}
	thread := []model.Message{{
		AuthorType: model.AuthorCustomer,
		Content:    "See the screenshot.",
		Attachments: []model.Attachment{
			{URL: srv.URL + "/shot.png", MediaType: "image/png"},
			{URL: srv.URL + "/missing.png", MediaType: "image/png"},
			{URL: srv.URL + "/invoice.pdf", MediaType: "application/pdf"},
		},
	}}

	got := h.build(context.Background(), thread, "See the screenshot.")

	if len(got) != 1 {
		t.Fatalf("messages = %d", len(got))
	}
	if len(got[0].Images) != 1 || string(got[0].Images[0].Data) != "PNGDATA" || got[0].Images[0].MediaType != "image/png" {
		t.Errorf("images = %+v", got[0].Images)
	}
}

func TestRecentCustomer(t *testing.T) {
	thread := []model.Message{
		{AuthorType: model.AuthorCustomer, Content: "old question"},
		{AuthorType: model.AuthorAI, Content: "Would you like a refund?"},
		{AuthorType: model.AuthorCustomer, Content: "yes"},
	}

	msgs, lastAgent := recentCustomer(thread, "please", 3)

	if lastAgent != "Would you like a refund?" {
		t.Errorf("last agent = %q", lastAgent)
	}
	if len(msgs) != 2 || msgs[0] != "yes" || msgs[1] != "please" {
		t.Errorf("messages = %v", msgs)
	}
}
