package model

import (
	"fmt"
	"strings"
	"time"
)

// OrganizationSettings holds the per-tenant automation settings.
type OrganizationSettings struct {
	OrganizationID            string           `json:"organization_id"`
	Name                      string           `json:"name"`
	AutoReplyEnabledByChannel map[Channel]bool `json:"auto_reply_enabled_by_channel"`
	ConfidenceThreshold       float64          `json:"confidence_threshold"`
	RestrictedTopics          []string         `json:"restricted_topics,omitempty"`
	BusinessHours             BusinessHours    `json:"business_hours"`
	KBVersion                 string           `json:"kb_version"`
}

// AutoReplyEnabled reports whether automation is on for the channel.
func (s *OrganizationSettings) AutoReplyEnabled(ch Channel) bool {
	return s.AutoReplyEnabledByChannel[ch]
}

// MatchRestrictedTopic returns the first restricted topic mentioned in text.
func (s *OrganizationSettings) MatchRestrictedTopic(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, topic := range s.RestrictedTopics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t != "" && strings.Contains(lower, t) {
			return topic, true
		}
	}
	return "", false
}

// BusinessHours describes when human agents are available.
type BusinessHours struct {
	Timezone string                       `json:"timezone"`
	Days     map[time.Weekday]OpeningHours `json:"days"`
}

// OpeningHours is a same-day opening window in "HH:MM" local time.
type OpeningHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Location resolves the configured timezone, defaulting to UTC.
func (b BusinessHours) Location() *time.Location {
	if b.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsOpen reports whether t falls inside the opening window of its weekday.
// An empty schedule is treated as always open.
func (b BusinessHours) IsOpen(t time.Time) bool {
	if len(b.Days) == 0 {
		return true
	}
	local := t.In(b.Location())
	window, ok := b.Days[local.Weekday()]
	if !ok {
		return false
	}
	opens, closes, err := window.bounds(local)
	if err != nil {
		return false
	}
	return !local.Before(opens) && local.Before(closes)
}

// NextOpening returns the next time the team opens after t, searching a week
// ahead. The zero time is returned when the schedule has no opening.
func (b BusinessHours) NextOpening(t time.Time) time.Time {
	if len(b.Days) == 0 {
		return t
	}
	local := t.In(b.Location())
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		window, ok := b.Days[day.Weekday()]
		if !ok {
			continue
		}
		opens, _, err := window.bounds(day)
		if err != nil {
			continue
		}
		if opens.After(local) {
			return opens
		}
	}
	return time.Time{}
}

func (h OpeningHours) bounds(day time.Time) (time.Time, time.Time, error) {
	opens, err := clockOn(day, h.Open)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	closes, err := clockOn(day, h.Close)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return opens, closes, nil
}

func clockOn(day time.Time, hhmm string) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", hhmm, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location()), nil
}
