package model

import (
	"fmt"
)

// Action is the tag of a terminal decision.
type Action string

const (
	ActionReply    Action = "REPLY"
	ActionEscalate Action = "ESCALATE"
	ActionIgnore   Action = "IGNORE"
)

// Decision is the single outcome of a reasoning-loop run.
type Decision struct {
	Action Action `json:"action"`

	// Content is set for REPLY, and for an IGNORE that moved the message to
	// a new ticket.
	Content string `json:"content,omitempty"`

	// Reason and Summary are set for ESCALATE.
	Reason  string `json:"reason,omitempty"`
	Summary string `json:"summary,omitempty"`

	// Confidence is in [0,100].
	Confidence float64 `json:"confidence"`

	Meta DecisionMeta `json:"meta"`
}

// DecisionMeta carries token and performance data for a run.
type DecisionMeta struct {
	Source     string `json:"source"`
	Model      string `json:"model,omitempty"`
	Turns      int    `json:"turns"`
	TokensIn   int    `json:"tokens_in"`
	TokensOut  int    `json:"tokens_out"`
	DurationMs int64  `json:"duration_ms"`
	CacheMatch string `json:"cache_match,omitempty"`

	// NewTicketID is the ticket opened for an unrelated topic.
	NewTicketID string `json:"new_ticket_id,omitempty"`
}

// Decision sources recorded in DecisionMeta.Source.
const (
	SourceIntent      = "intent"
	SourceCache       = "cache"
	SourceTool        = "tool"
	SourcePlainText   = "plain_text"
	SourceRepaired    = "repaired_tool_call"
	SourceExhausted   = "exhausted"
	SourceError       = "error"
	SourceThreshold   = "threshold"
	SourceRestriction = "restricted_topic"
)

// Reply builds a REPLY decision.
func Reply(content string, confidence float64) Decision {
	return Decision{Action: ActionReply, Content: content, Confidence: ClampConfidence(confidence)}
}

// Escalate builds an ESCALATE decision.
func Escalate(reason, summary string, confidence float64) Decision {
	return Decision{Action: ActionEscalate, Reason: reason, Summary: summary, Confidence: ClampConfidence(confidence)}
}

// Ignore builds an IGNORE decision.
func Ignore(confidence float64) Decision {
	return Decision{Action: ActionIgnore, Confidence: ClampConfidence(confidence)}
}

// ApplyThreshold converts a REPLY below the organization threshold into an
// ESCALATE carrying the original answer as the summary. Replies accepted at
// forced termination keep their action whatever their score.
func (d Decision) ApplyThreshold(threshold float64) Decision {
	if d.Action != ActionReply || d.Confidence >= threshold || d.thresholdExempt() {
		return d
	}
	out := Escalate(
		fmt.Sprintf("Confidence %.0f%% below threshold %.0f%%", d.Confidence, threshold),
		d.Content,
		d.Confidence,
	)
	out.Meta = d.Meta
	out.Meta.Source = SourceThreshold
	return out
}

func (d Decision) thresholdExempt() bool {
	switch d.Meta.Source {
	case SourcePlainText, SourceRepaired:
		return true
	}
	return false
}

// ClampConfidence bounds c to [0,100].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}
