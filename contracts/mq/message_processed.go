package mq

import "time"

// RoutingKeyMessageProcessed 消息处理完成事件
const RoutingKeyMessageProcessed = "message.processed"

// MessageProcessedPayload 消息进入终态后发布的 payload
type MessageProcessedPayload struct {
	RunID       string    `json:"run_id,omitempty"`
	AccountID   string    `json:"account_id"`
	MessageID   string    `json:"message_id"`
	Subject     string    `json:"subject"`
	Category    string    `json:"category"`
	EventRef    string    `json:"event_ref,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}
