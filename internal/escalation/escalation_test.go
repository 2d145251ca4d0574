package escalation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/capitalize-ai/supportdesk/internal/desk"
	"github.com/capitalize-ai/supportdesk/internal/llm"
	"github.com/capitalize-ai/supportdesk/internal/model"
	"github.com/capitalize-ai/supportdesk/internal/queue"
	"github.com/capitalize-ai/supportdesk/pkg/logger"
)

// Friday 16 October 2026, 18:00 UTC.
var friday = time.Date(2026, 10, 16, 18, 0, 0, 0, time.UTC)

func weekdays() model.BusinessHours {
	days := map[time.Weekday]model.OpeningHours{}
	for d := time.Monday; d <= time.Friday; d++ {
		days[d] = model.OpeningHours{Open: "09:00", Close: "17:00"}
	}
	return model.BusinessHours{Timezone: "UTC", Days: days}
}

type fakeModels struct {
	invokeFn func(req *llm.CompletionRequest) (*llm.CompletionResponse, error)
	calls    int
}

func (f *fakeModels) Invoke(ctx context.Context, logical string, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	return f.invokeFn(req)
}

type fixture struct {
	manager *Manager
	desk    *desk.Memory
	queue   *queue.Memory
	ticket  *model.Ticket
}

func newFixture(t *testing.T, models Models) *fixture {
	t.Helper()
	log := logger.Wrap(zaptest.NewLogger(t))

	d := desk.NewMemory()
	d.SetClock(func() time.Time { return friday })
	d.PutSettings(model.OrganizationSettings{OrganizationID: "org1", BusinessHours: weekdays()})
	d.PutCustomer(model.Customer{ID: "c1", OrganizationID: "org1", Name: "Grace Hopper"})
	ticket := model.Ticket{ID: "t1", OrganizationID: "org1", CustomerID: "c1", Channel: model.ChannelChat, Status: model.StatusOpen}
	d.PutTicket(ticket)

	registry := queue.NewRegistry()
	q := queue.NewMemory(registry, 2, log)
	t.Cleanup(q.Close)

	m := New(Options{
		Tickets:   d,
		Threads:   d,
		Settings:  d,
		Customers: d,
		Notifier:  d,
		Queue:     q,
		Composer:  NewComposer(models, log),
		Job:       queue.EnqueueOptions{Backoff: time.Millisecond},
		Logger:    log,
		Now:       func() time.Time { return friday },
	})
	m.Register(registry)
	return &fixture{manager: m, desk: d, queue: q, ticket: &ticket}
}

func (f *fixture) get(t *testing.T) *model.Ticket {
	t.Helper()
	got, err := f.desk.Get(context.Background(), f.ticket.ID)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestEscalate_OnceWithSingleNotice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	d := model.Escalate("customer asked for a manager", "wants refund over limit", 90)

	ok, err := f.manager.Escalate(ctx, f.ticket, d)
	if err != nil || !ok {
		t.Fatalf("first escalate = %v, %v", ok, err)
	}
	ok, err = f.manager.Escalate(ctx, f.ticket, d)
	if err != nil || ok {
		t.Fatalf("second escalate = %v, %v, want false", ok, err)
	}
	f.queue.Wait()

	got := f.get(t)
	if !got.IsAIEscalated || got.Status != model.StatusEscalated || !got.EscalationNoticeSent {
		t.Errorf("ticket = %+v", got)
	}
	if got.EscalationReason != "customer asked for a manager" {
		t.Errorf("reason = %q", got.EscalationReason)
	}

	notices := f.desk.Sent("t1", model.AuthorAI)
	if len(notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notices))
	}
	if !strings.Contains(notices[0].Content, "Grace") || !strings.Contains(notices[0].Content, "Monday at 09:00") {
		t.Errorf("notice = %q", notices[0].Content)
	}

	events := f.desk.Events()
	if len(events) != 1 || events[0].Type != model.EventTypeEscalated {
		t.Errorf("events = %+v", events)
	}
}

func TestOnCustomerMessage_CheckpointScenario(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.manager.Escalate(ctx, f.ticket, model.Escalate("needs human", "", 50)); err != nil {
		t.Fatal(err)
	}
	f.queue.Wait()

	var outcomes []Outcome
	for i := 0; i < 6; i++ {
		out, err := f.manager.OnCustomerMessage(ctx, f.get(t))
		if err != nil {
			t.Fatal(err)
		}
		outcomes = append(outcomes, out)
		f.queue.Wait()
	}

	want := []Outcome{Absorbed, Absorbed, Absorbed, Absorbed, CheckNewTopic, Absorbed}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Errorf("message %d outcome = %s, want %s", i+1, outcomes[i], want[i])
		}
	}

	// One notice plus one intervention.
	sent := f.desk.Sent("t1", model.AuthorAI)
	if len(sent) != 2 {
		t.Fatalf("AI messages = %d, want 2", len(sent))
	}
	if !strings.Contains(sent[1].Content, "new, unrelated question") {
		t.Errorf("intervention = %q", sent[1].Content)
	}

	got := f.get(t)
	if got.EscalationReplyCount != 6 || got.IsWaitingForNewTopicCheck {
		t.Errorf("count = %d waiting = %v", got.EscalationReplyCount, got.IsWaitingForNewTopicCheck)
	}
	if !got.IsAIEscalated {
		t.Error("ticket left escalation without a human")
	}
}

func TestOnCustomerMessage_CountIsMonotonic(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.manager.Escalate(ctx, f.ticket, model.Escalate("x", "", 0)); err != nil {
		t.Fatal(err)
	}

	prev := 0
	for i := 0; i < 10; i++ {
		if _, err := f.manager.OnCustomerMessage(ctx, f.get(t)); err != nil {
			t.Fatal(err)
		}
		n := f.get(t).EscalationReplyCount
		if n <= prev {
			t.Fatalf("count went from %d to %d", prev, n)
		}
		prev = n
	}
}

func TestRestartCount_StartsNewCycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.manager.RestartCount(ctx, f.ticket); err != nil {
		t.Fatal(err)
	}
	if got := f.get(t); got.IsAIEscalated || got.EscalationReplyCount != 0 {
		t.Fatalf("restart touched a ticket that is not escalated: %+v", got)
	}

	if _, err := f.manager.Escalate(ctx, f.ticket, model.Escalate("needs human", "", 50)); err != nil {
		t.Fatal(err)
	}
	f.queue.Wait()
	for i := 0; i < 5; i++ {
		if _, err := f.manager.OnCustomerMessage(ctx, f.get(t)); err != nil {
			t.Fatal(err)
		}
		f.queue.Wait()
	}

	if err := f.manager.RestartCount(ctx, f.get(t)); err != nil {
		t.Fatal(err)
	}
	got := f.get(t)
	if got.EscalationReplyCount != 0 || got.IsWaitingForNewTopicCheck || !got.EscalationNoticeSent {
		t.Fatalf("ticket = %+v", got)
	}

	for i := 0; i < 4; i++ {
		if _, err := f.manager.OnCustomerMessage(ctx, f.get(t)); err != nil {
			t.Fatal(err)
		}
		f.queue.Wait()
	}
	// Notice, first intervention, second intervention.
	if n := len(f.desk.Sent("t1", model.AuthorAI)); n != 3 {
		t.Errorf("AI messages = %d, want 3", n)
	}
}

func TestNewTopic_NotifiesHumans(t *testing.T) {
	f := newFixture(t, nil)

	f.manager.NewTopic(context.Background(), f.ticket, "t2", "How do I change my billing email?")

	events := f.desk.Events()
	if len(events) != 1 || events[0].Type != model.EventTypeNewTopic || events[0].TicketID != "t1" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Metadata["new_ticket_id"] != "t2" {
		t.Errorf("metadata = %+v", events[0].Metadata)
	}
}

func TestDeescalate_ClearsEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.manager.Escalate(ctx, f.ticket, model.Escalate("x", "", 0)); err != nil {
		t.Fatal(err)
	}
	f.queue.Wait()
	for i := 0; i < 4; i++ {
		if _, err := f.manager.OnCustomerMessage(ctx, f.get(t)); err != nil {
			t.Fatal(err)
		}
	}
	f.queue.Wait()

	if err := f.manager.Deescalate(ctx, "t1", "agent-7"); err != nil {
		t.Fatal(err)
	}

	got := f.get(t)
	if got.IsAIEscalated || got.EscalationReplyCount != 0 || got.EscalationNoticeSent ||
		got.IsWaitingForNewTopicCheck || got.EscalationReason != "" || got.Status != model.StatusOpen {
		t.Errorf("ticket = %+v", got)
	}

	events := f.desk.Events()
	if last := events[len(events)-1]; last.Type != model.EventTypeDeescalated || last.Metadata["actor"] != "agent-7" {
		t.Errorf("last event = %+v", last)
	}

	// A new episode gets a new notice.
	if ok, _ := f.manager.Escalate(ctx, got, model.Escalate("again", "", 0)); !ok {
		t.Fatal("re-escalation was refused")
	}
	f.queue.Wait()
	if n := len(f.desk.Sent("t1", model.AuthorAI)); n != 3 {
		t.Errorf("AI messages = %d, want 3", n)
	}
}

func TestDeescalate_UnknownTicket(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.Deescalate(context.Background(), "missing", "agent")
	if !errors.Is(err, desk.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestHandleNotice_SkipsAfterDeescalation(t *testing.T) {
	f := newFixture(t, nil)
	err := f.manager.HandleNotice(context.Background(), &queue.Job{
		Type:    JobSendEscalationNotice,
		Payload: []byte(`{"ticket_id":"t1","organization_id":"org1"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := len(f.desk.Sent("t1", model.AuthorAI)); n != 0 {
		t.Errorf("AI messages = %d, want 0", n)
	}
}

func TestComposer_UsesModelAndFallsBack(t *testing.T) {
	log := logger.Wrap(zaptest.NewLogger(t))
	ticket := &model.Ticket{Channel: model.ChannelChat}
	customer := &model.Customer{Name: "Grace Hopper"}
	avail := Availability{Open: true, Now: friday}

	models := &fakeModels{invokeFn: func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if !strings.Contains(req.Messages[0].Content, "Grace") {
			t.Errorf("prompt lacks first name: %q", req.Messages[0].Content)
		}
		return &llm.CompletionResponse{Content: " A teammate will be with you soon, Grace. "}, nil
	}}
	got := NewComposer(models, log).Compose(context.Background(), KindNotice, ticket, customer, avail)
	if got != "A teammate will be with you soon, Grace." {
		t.Errorf("composed = %q", got)
	}

	models.invokeFn = func(req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return nil, errors.New("gateway down")
	}
	got = NewComposer(models, log).Compose(context.Background(), KindNotice, ticket, customer, avail)
	if got != Fallback(KindNotice, "Grace", avail) {
		t.Errorf("fallback = %q", got)
	}
}

func TestAvailability_Describe(t *testing.T) {
	hours := weekdays()
	tests := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, 10, 16, 7, 0, 0, 0, time.UTC), "today at 09:00"},
		{time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC), "tomorrow at 09:00"},
		{friday, "Monday at 09:00"},
		{time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC), ""},
	}
	for _, tt := range tests {
		if got := AvailabilityAt(hours, tt.now).Describe(); got != tt.want {
			t.Errorf("Describe at %v = %q, want %q", tt.now, got, tt.want)
		}
	}
}
