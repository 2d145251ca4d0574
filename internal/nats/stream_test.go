package nats

import (
	"testing"

	"github.com/capitalize-ai/supportdesk/internal/model"
)

func TestSubjects(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"message", MessageSubject("org1", "t1", model.AuthorAI), "desk.org1.t1.msg.ai"},
		{"event", EventSubject("org1", "t1", model.EventTypeEscalated), "desk.org1.t1.event.escalated"},
		{"job", JobSubject("generate-reply"), "jobs.run.generate-reply"},
		{"dead letter", DeadLetterSubject("send-intervention"), "jobs.dead.send-intervention"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
