// Package coordinator implements C13: routing a completed or failed queue
// item back to the source it came from (spec.md §4.7 "Routing"). It is
// pure glue — no business logic of its own — grounded on the teacher's
// cmd/server/main.go composition style of small types that hold
// references to the pieces they wire together.
package coordinator

import (
	"context"
	"log/slog"

	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/ashureev/orchestratord/internal/queue"
)

// WebSocketRouter delivers a response to the WebSocket gateway connection
// bound to a conversation id.
type WebSocketRouter interface {
	SendToConversation(conversationID, text string) error
}

// ExternalNotifier records a cross-channel notification for the
// reconciler (C12) to deliver, used as the restart-case fallback when an
// item's in-memory resolve callback is unavailable.
type ExternalNotifier interface {
	Enqueue(channel, thread, text string) (string, error)
}

// Coordinator subscribes to a queue's completion events and routes each
// response by source tag (spec.md §4.7 "Routing").
type Coordinator struct {
	events <-chan queue.Event
	ws     WebSocketRouter
	ext    ExternalNotifier
	logger *slog.Logger
}

// New creates a Coordinator over events, the queue's event stream.
func New(events <-chan queue.Event, ws WebSocketRouter, ext ExternalNotifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{events: events, ws: ws, ext: ext, logger: logger}
}

// Run drains events until ctx is cancelled, routing each completed/failed
// item and ignoring other event types.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			if ev.Type == queue.EventCompleted || ev.Type == queue.EventFailed {
				c.route(ev.Message)
			}
		case <-ctx.Done():
			return
		}
	}
}

// route delivers msg's response (or error) to its originating source
// (spec.md §4.7: web_chat -> WebSocket gateway; external_chat -> resolve
// callback or, on restart, the reconciler fallback; system_event ->
// discard).
func (c *Coordinator) route(msg domain.QueuedMessage) {
	text := msg.Response
	if msg.Status == domain.MessageFailed {
		text = msg.Error
	}

	switch msg.Source {
	case domain.SourceWebChat:
		if c.ws == nil {
			return
		}
		if err := c.ws.SendToConversation(msg.ConversationID, text); err != nil {
			c.logger.Warn("failed to route response to web chat", "id", msg.ID, "conversation_id", msg.ConversationID, "error", err)
		}

	case domain.SourceExternalChat:
		if msg.ExternalChat == nil {
			c.logger.Warn("external_chat message missing routing metadata, dropping", "id", msg.ID)
			return
		}
		if msg.ExternalChat.Resolve != nil {
			if err := msg.ExternalChat.Resolve(text); err != nil {
				c.logger.Warn("external chat resolve callback failed", "id", msg.ID, "error", err)
			}
			return
		}
		if c.ext == nil {
			return
		}
		if _, err := c.ext.Enqueue(msg.ExternalChat.Channel, msg.ExternalChat.Thread, text); err != nil {
			c.logger.Warn("failed to enqueue external-chat fallback notification", "id", msg.ID, "error", err)
		}

	case domain.SourceSystemEvent:
		// response discarded by design (spec.md §4.7)
	}
}
