package model

import (
	"errors"
	"strings"
)

// ErrMalformed marks capability output that could not be understood.
var ErrMalformed = errors.New("malformed capability output")

// Score 分类结果
type Score struct {
	IsUnwanted bool    `json:"is_unwanted"`
	Confidence float64 `json:"confidence"`
}

// EventPayload 事件抽取结果，所有字段可选
type EventPayload struct {
	Title       string `json:"title,omitempty"`
	Date        string `json:"date,omitempty"`
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

// HasAnchor reports whether the payload carries a date or a start time.
func (p *EventPayload) HasAnchor() bool {
	return strings.TrimSpace(p.Date) != "" || strings.TrimSpace(p.StartTime) != ""
}

// IsEvent: a payload lacking both a title and a date/time anchor is no event.
func (p *EventPayload) IsEvent() bool {
	if p == nil {
		return false
	}
	return strings.TrimSpace(p.Title) != "" || p.HasAnchor()
}

const (
	maxTitleLen    = 100
	maxLocationLen = 100
	maxBodyExcerpt = 500
)

// ForMessage fills the payload from the message it was extracted from:
// title falls back to the subject, title and location are capped, and the
// description points back at the message.
func (p EventPayload) ForMessage(subject, body string) EventPayload {
	out := p
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = strings.TrimSpace(subject)
	}
	out.Title = truncateRunes(title, maxTitleLen)
	out.Location = truncateRunes(strings.TrimSpace(p.Location), maxLocationLen)
	out.Description = "Event extracted from email: " + subject + "\n\n" + truncateRunes(body, maxBodyExcerpt) + "..."
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
