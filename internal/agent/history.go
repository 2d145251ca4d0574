package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

const (
	historyLimit      = 30
	imageMessages     = 3
	maxImageBytes     = 5 << 20
	imageFetchTimeout = 10 * time.Second
)

// history turns a ticket thread into model messages. Image attachments of
// the most recent customer messages are downloaded in parallel; an image
// that cannot be fetched is left out.
type history struct {
	http   *http.Client
	logger *logger.Logger
}

type turnMessage struct {
	role    string
	content string
	images  []llm.Image

	// source is the thread index the turn was built from, or -1.
	source int
}

func (h *history) build(ctx context.Context, thread []model.Message, latest string) []llm.ChatMessage {
	turns := make([]turnMessage, 0, len(thread)+1)
	for i, m := range thread {
		switch m.AuthorType {
		case model.AuthorCustomer:
			turns = append(turns, turnMessage{role: llm.RoleUser, content: m.Content, source: i})
		case model.AuthorAI:
			turns = append(turns, turnMessage{role: llm.RoleAssistant, content: m.Content, source: i})
		case model.AuthorAgent:
			turns = append(turns, turnMessage{role: llm.RoleAssistant, content: "[Human agent] " + m.Content, source: i})
		case model.AuthorSystem:
			turns = append(turns, turnMessage{role: llm.RoleUser, content: "[System note] " + m.Content, source: i})
		}
	}

	if latest = strings.TrimSpace(latest); latest != "" && !endsWithCustomer(thread, latest) {
		turns = append(turns, turnMessage{role: llm.RoleUser, content: latest, source: -1})
	}

	h.attachImages(ctx, thread, turns)
	return merge(turns)
}

func endsWithCustomer(thread []model.Message, content string) bool {
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].AuthorType == model.AuthorCustomer {
			return strings.TrimSpace(thread[i].Content) == content
		}
	}
	return false
}

func (h *history) attachImages(ctx context.Context, thread []model.Message, turns []turnMessage) {
	if h.http == nil {
		return
	}

	type fetchJob struct {
		turn int
		att  model.Attachment
	}
	var jobs []fetchJob
	seen := 0
	for t := len(turns) - 1; t >= 0 && seen < imageMessages; t-- {
		if turns[t].source < 0 || turns[t].role != llm.RoleUser {
			continue
		}
		m := thread[turns[t].source]
		if m.AuthorType != model.AuthorCustomer {
			continue
		}
		seen++
		for _, a := range m.Attachments {
			if a.IsImage() {
				jobs = append(jobs, fetchJob{turn: t, att: a})
			}
		}
	}
	if len(jobs) == 0 {
		return
	}

	data := make([][]byte, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			b, err := h.fetch(gctx, j.att.URL)
			if err != nil {
				h.logger.Warn("image attachment skipped", zap.String("url", j.att.URL), zap.Error(err))
				return nil
			}
			data[i] = b
			return nil
		})
	}
	_ = g.Wait()

	// jobs were collected newest first; attach oldest first.
	for i := len(jobs) - 1; i >= 0; i-- {
		if data[i] == nil {
			continue
		}
		j := jobs[i]
		turns[j.turn].images = append(turns[j.turn].images, llm.Image{MediaType: j.att.MediaType, Data: data[i]})
	}
}

func (h *history) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, imageFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(b) > maxImageBytes {
		return nil, fmt.Errorf("image larger than %d bytes", maxImageBytes)
	}
	return b, nil
}

// merge folds consecutive turns of the same role and drops leading assistant
// turns. The result always opens with a user turn.
func merge(turns []turnMessage) []llm.ChatMessage {
	var out []llm.ChatMessage
	for _, t := range turns {
		if len(out) == 0 && t.role != llm.RoleUser {
			continue
		}
		if strings.TrimSpace(t.content) == "" && len(t.images) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == t.role {
			out[n-1].Content += "\n\n" + t.content
			out[n-1].Images = append(out[n-1].Images, t.images...)
			continue
		}
		out = append(out, llm.ChatMessage{Role: t.role, Content: t.content, Images: t.images})
	}
	return out
}

// recentCustomer returns up to n customer messages written since the last
// AI or agent message, and that message.
func recentCustomer(thread []model.Message, latest string, n int) ([]string, string) {
	var msgs []string
	lastAgent := ""
scan:
	for i := len(thread) - 1; i >= 0; i-- {
		m := thread[i]
		switch m.AuthorType {
		case model.AuthorCustomer:
			msgs = append([]string{m.Content}, msgs...)
		case model.AuthorAI, model.AuthorAgent:
			lastAgent = m.Content
			break scan
		}
	}
	if latest = strings.TrimSpace(latest); latest != "" && !endsWithCustomer(thread, latest) {
		msgs = append(msgs, latest)
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, lastAgent
}
