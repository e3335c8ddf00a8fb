package domain

import "time"

// MessageSource tags where a queued message originated, per spec.md §3
// "Queued message" and §9's "tagged variants" redesign note.
type MessageSource string

const (
	SourceWebChat      MessageSource = "web_chat"
	SourceExternalChat MessageSource = "external_chat"
	SourceSystemEvent  MessageSource = "system_event"
)

// MessageStatus tracks a queued message through its lifecycle. Monotonic
// except pending->pending on retry, which increments RetryCount.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
	MessageCancelled  MessageStatus = "cancelled"
)

// WebChatMeta carries routing metadata for a web_chat-sourced message.
type WebChatMeta struct {
	ConnectionID string `json:"connection_id"`
}

// ExternalChatMeta carries routing metadata for an external_chat-sourced
// message. Resolve is an in-memory-only callback (non-persistable): on
// restart it is nil and routing falls back to Channel/Thread/User.
type ExternalChatMeta struct {
	Channel string `json:"channel"`
	Thread  string `json:"thread,omitempty"`
	User    string `json:"user,omitempty"`
	Resolve func(response string) error `json:"-"`
}

// SystemEventMeta marks an internally generated message whose response is
// always discarded on completion.
type SystemEventMeta struct {
	Reason string `json:"reason,omitempty"`
}

// QueuedMessage is one item of the centralized FIFO (spec.md §3, §4.7).
type QueuedMessage struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	ConversationID string            `json:"conversation_id"`
	TargetSession  string            `json:"target_session"`
	Source         MessageSource     `json:"source"`
	WebChat        *WebChatMeta      `json:"web_chat,omitempty"`
	ExternalChat   *ExternalChatMeta `json:"external_chat,omitempty"`
	SystemEvent    *SystemEventMeta  `json:"system_event,omitempty"`
	Status         MessageStatus     `json:"status"`
	Response       string            `json:"response,omitempty"`
	Error          string            `json:"error,omitempty"`
	RetryCount     int               `json:"retry_count"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
}
