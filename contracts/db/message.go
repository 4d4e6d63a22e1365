package db

import (
	"encoding/json"
	"time"
)

// Message status
const (
	StatusUnprocessed = "unprocessed"
	StatusProcessed   = "processed"
)

// Message category
const (
	CategoryUnprocessed   = "unprocessed"
	CategoryUnwanted      = "unwanted"
	CategoryEvent         = "event"
	CategoryInformational = "informational"
)

// IsTerminalCategory reports whether c may be stored on a processed message.
func IsTerminalCategory(c string) bool {
	switch c {
	case CategoryUnwanted, CategoryEvent, CategoryInformational:
		return true
	}
	return false
}

// Message 表示 messages 表的完整结构
type Message struct {
	AccountID   string     `json:"account_id"`
	MessageID   string     `json:"message_id"`
	Subject     string     `json:"subject"`
	Sender      string     `json:"sender"`
	RawBody     string     `json:"raw_body"`
	Status      string     `json:"status"`
	Category    string     `json:"category"`
	Confidence  float64    `json:"confidence"`
	EventRef    string     `json:"event_ref,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// MessageOutcome 是一次分类的终态结果（写入 CommitMessage）
type MessageOutcome struct {
	Category    string
	Confidence  float64
	EventRef    string
	Summary     string
	ProcessedAt time.Time
}

// EventCacheEntry 表示 event_cache 表的结构；只插入，不修改
type EventCacheEntry struct {
	AccountID    string          `json:"account_id"`
	MessageID    string          `json:"message_id"`
	EventPayload json.RawMessage `json:"event_payload"`
	CalendarRef  string          `json:"calendar_ref"`
	CreatedAt    time.Time       `json:"created_at"`
}
