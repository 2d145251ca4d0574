package model

import (
	"testing"
	"time"
)

func weekdayHours() BusinessHours {
	days := map[time.Weekday]OpeningHours{}
	for d := time.Monday; d <= time.Friday; d++ {
		days[d] = OpeningHours{Open: "09:00", Close: "17:00"}
	}
	return BusinessHours{Timezone: "UTC", Days: days}
}

func TestBusinessHours_IsOpen(t *testing.T) {
	hours := weekdayHours()

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"monday morning", time.Date(2026, 10, 12, 10, 0, 0, 0, time.UTC), true},
		{"monday before open", time.Date(2026, 10, 12, 8, 59, 0, 0, time.UTC), false},
		{"monday at close", time.Date(2026, 10, 12, 17, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hours.IsOpen(tt.at); got != tt.want {
				t.Errorf("IsOpen(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestBusinessHours_EmptyScheduleAlwaysOpen(t *testing.T) {
	if !(BusinessHours{}).IsOpen(time.Now()) {
		t.Error("empty schedule should be open")
	}
}

func TestBusinessHours_NextOpening(t *testing.T) {
	hours := weekdayHours()
	saturday := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	next := hours.NextOpening(saturday)
	want := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextOpening = %v, want %v", next, want)
	}
}

func TestOrganizationSettings_MatchRestrictedTopic(t *testing.T) {
	s := OrganizationSettings{RestrictedTopics: []string{"Refund", " legal "}}

	if topic, ok := s.MatchRestrictedTopic("I want a REFUND now"); !ok || topic != "Refund" {
		t.Errorf("got (%q, %v), want (Refund, true)", topic, ok)
	}
	if _, ok := s.MatchRestrictedTopic("where is my order"); ok {
		t.Error("unexpected match")
	}
}

func TestDecision_ApplyThreshold(t *testing.T) {
	d := Reply("Your order ships tomorrow.", 70).ApplyThreshold(85)

	if d.Action != ActionEscalate {
		t.Fatalf("action = %s, want ESCALATE", d.Action)
	}
	if d.Reason != "Confidence 70% below threshold 85%" {
		t.Errorf("reason = %q", d.Reason)
	}
	if d.Summary != "Your order ships tomorrow." {
		t.Errorf("summary = %q", d.Summary)
	}

	kept := Reply("ok", 90).ApplyThreshold(85)
	if kept.Action != ActionReply {
		t.Errorf("confident reply was converted to %s", kept.Action)
	}

	ignore := Ignore(10).ApplyThreshold(85)
	if ignore.Action != ActionIgnore {
		t.Errorf("ignore was converted to %s", ignore.Action)
	}
}

func TestDecision_ApplyThresholdKeepsForcedReplies(t *testing.T) {
	for _, source := range []string{SourcePlainText, SourceRepaired} {
		d := Reply("Refunds are processed within five business days.", 80)
		d.Meta.Source = source

		got := d.ApplyThreshold(85)
		if got.Action != ActionReply {
			t.Errorf("%s: action = %s, want REPLY", source, got.Action)
		}
		if got.Meta.Source != source {
			t.Errorf("%s: source = %q", source, got.Meta.Source)
		}
	}

	tool := Reply("maybe", 80)
	tool.Meta.Source = SourceTool
	if got := tool.ApplyThreshold(85); got.Action != ActionEscalate {
		t.Errorf("tool reply below threshold = %s, want ESCALATE", got.Action)
	}
}

func TestTicket_Escalated(t *testing.T) {
	tests := []struct {
		name   string
		ticket Ticket
		want   bool
	}{
		{"open", Ticket{Status: StatusOpen}, false},
		{"flag", Ticket{Status: StatusOpen, IsAIEscalated: true}, true},
		{"status", Ticket{Status: StatusEscalated}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ticket.Escalated(); got != tt.want {
				t.Errorf("Escalated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCustomer_FirstName(t *testing.T) {
	c := &Customer{Name: "Ada Lovelace"}
	if got := c.FirstName(); got != "Ada" {
		t.Errorf("FirstName = %q, want Ada", got)
	}
	var nilCustomer *Customer
	if got := nilCustomer.FirstName(); got != "" {
		t.Errorf("nil FirstName = %q", got)
	}
}
