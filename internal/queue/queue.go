// Package queue implements the centralized message queue (C10): a single
// FIFO of heterogeneous-source items consumed by exactly one worker, with
// persistence, restart recovery, retry-on-not-ready, and cancellation
// (spec.md §4.7). Grounded on the teacher's internal/agent/handler.go
// SSEMessageQueue (bounded, mutex-protected container/list.List queue),
// generalized from per-session sharded queues to a single global FIFO.
package queue

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/orchestratord/internal/atomicstore"
	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/google/uuid"
)

// DefaultMaxNotReadyRetries bounds the "agent not ready" re-enqueue budget
// (spec.md §4.7 "capped at a small budget").
const DefaultMaxNotReadyRetries = 5

// DefaultNotReadyRetryDelay is the short delay before a not-ready item is
// re-enqueued, mirroring internal/delivery's MessageRetryDelay.
const DefaultNotReadyRetryDelay = 1 * time.Second

// DefaultMaxHistory bounds the most-recent-first completed/failed/cancelled
// history retained in persisted state.
const DefaultMaxHistory = 500

// Options configures a Queue's retry budget and history bound. Zero
// fields fall back to the Default* constants.
type Options struct {
	MaxNotReadyRetries int
	NotReadyRetryDelay time.Duration
	MaxHistory         int
}

func (o Options) withDefaults() Options {
	if o.MaxNotReadyRetries <= 0 {
		o.MaxNotReadyRetries = DefaultMaxNotReadyRetries
	}
	if o.NotReadyRetryDelay <= 0 {
		o.NotReadyRetryDelay = DefaultNotReadyRetryDelay
	}
	if o.MaxHistory <= 0 {
		o.MaxHistory = DefaultMaxHistory
	}
	return o
}

const statePath = "queue-state.json"

// EnqueueInput is the caller-supplied shape of a new queue item.
type EnqueueInput struct {
	Content        string
	ConversationID string
	TargetSession  string
	Source         domain.MessageSource
	WebChat        *domain.WebChatMeta
	ExternalChat   *domain.ExternalChatMeta
	SystemEvent    *domain.SystemEventMeta
}

// Totals accumulates lifetime counters across restarts.
type Totals struct {
	Enqueued  int `json:"enqueued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// persistedState is the full on-disk shape written after every mutation
// (spec.md §4.7 "Persistence").
type persistedState struct {
	Pending []*domain.QueuedMessage `json:"pending"`
	Current *domain.QueuedMessage   `json:"current"`
	History []*domain.QueuedMessage `json:"history"`
	Totals  Totals                  `json:"totals"`
}

// EventType tags a queue lifecycle notification.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is emitted on every queue state transition a downstream router
// (C13) cares about.
type Event struct {
	Type    EventType
	Message domain.QueuedMessage
}

// DeliverResult reports the outcome of processing one item.
type DeliverResult struct {
	Response string
	NotReady bool // agent-not-ready: re-enqueue at tail, not terminal
	Err      error
}

// Deliverer hands a popped item to reliable delivery (C6) and awaits the
// agent's reply.
type Deliverer interface {
	Deliver(ctx context.Context, msg *domain.QueuedMessage) DeliverResult
}

// Queue is the single centralized FIFO (spec.md §3 "at most one message is
// in processing at any time for the whole queue").
type Queue struct {
	store  *atomicstore.Store
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	pending *list.List // of *domain.QueuedMessage
	current *domain.QueuedMessage
	history []*domain.QueuedMessage
	totals  Totals

	notify chan struct{}
	events chan Event
}

// New creates a Queue over store, loading any persisted state and
// demoting a dangling `processing` item back to the pending head (the
// single-worker guarantee prevents it having been doubled).
func New(store *atomicstore.Store, opts Options, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		store:   store,
		opts:    opts.withDefaults(),
		logger:  logger,
		pending: list.New(),
		notify:  make(chan struct{}, 1),
		events:  make(chan Event, 256),
	}

	var state persistedState
	if err := store.SafeReadJSON(store.Path(statePath), &state); err != nil {
		return nil, err
	}
	for _, m := range state.Pending {
		q.pending.PushBack(m)
	}
	if state.Current != nil {
		state.Current.Status = domain.MessagePending
		q.pending.PushFront(state.Current)
		logger.Warn("queue recovered a dangling processing item, demoted to pending head",
			"id", state.Current.ID)
	}
	q.history = state.History
	q.totals = state.Totals

	if q.pending.Len() > 0 {
		q.wake()
	}
	return q, nil
}

// Events returns the channel lifecycle notifications are published on. A
// full channel drops the event rather than blocking the worker.
func (q *Queue) Events() <-chan Event {
	return q.events
}

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
		q.logger.Warn("queue event channel full, dropping event", "type", ev.Type, "id", ev.Message.ID)
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue appends a new item to the tail, persists state, and wakes the
// worker (spec.md §4.7 "enqueue(input) -> id").
func (q *Queue) Enqueue(in EnqueueInput) (string, error) {
	msg := &domain.QueuedMessage{
		ID:             uuid.NewString(),
		Content:        in.Content,
		ConversationID: in.ConversationID,
		TargetSession:  in.TargetSession,
		Source:         in.Source,
		WebChat:        in.WebChat,
		ExternalChat:   in.ExternalChat,
		SystemEvent:    in.SystemEvent,
		Status:         domain.MessagePending,
		EnqueuedAt:     time.Now(),
	}

	q.mu.Lock()
	q.pending.PushBack(msg)
	q.totals.Enqueued++
	q.mu.Unlock()

	if err := q.persist(); err != nil {
		return "", err
	}
	q.emit(Event{Type: EventEnqueued, Message: *msg})
	q.wake()
	return msg.ID, nil
}

// Cancel marks a pending item cancelled and removes it from the queue. The
// currently-processing item cannot be cancelled (spec.md §4.7).
func (q *Queue) Cancel(id string) (bool, error) {
	q.mu.Lock()
	var found *list.Element
	for e := q.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*domain.QueuedMessage).ID == id {
			found = e
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return false, nil
	}
	msg := found.Value.(*domain.QueuedMessage)
	q.pending.Remove(found)
	msg.Status = domain.MessageCancelled
	q.totals.Cancelled++
	q.pushHistory(msg)
	q.mu.Unlock()

	if err := q.persist(); err != nil {
		return false, err
	}
	q.emit(Event{Type: EventCancelled, Message: *msg})
	return true, nil
}

// QueueStatus is a point-in-time snapshot (spec.md §6 "getStatus() ->
// QueueStatus").
type QueueStatus struct {
	Pending []domain.QueuedMessage
	Current *domain.QueuedMessage
	History []domain.QueuedMessage
	Totals  Totals
}

// GetStatus returns a defensive copy of the queue's current state.
func (q *Queue) GetStatus() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	status := QueueStatus{Totals: q.totals}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		status.Pending = append(status.Pending, *e.Value.(*domain.QueuedMessage))
	}
	if q.current != nil {
		cur := *q.current
		status.Current = &cur
	}
	for _, m := range q.history {
		status.History = append(status.History, *m)
	}
	return status
}

func (q *Queue) pushHistory(msg *domain.QueuedMessage) {
	q.history = append([]*domain.QueuedMessage{msg}, q.history...)
	if len(q.history) > q.opts.MaxHistory {
		q.history = q.history[:q.opts.MaxHistory]
	}
}

func (q *Queue) persist() error {
	q.mu.Lock()
	state := persistedState{Totals: q.totals}
	for e := q.pending.Front(); e != nil; e = e.Next() {
		state.Pending = append(state.Pending, e.Value.(*domain.QueuedMessage))
	}
	state.Current = q.current
	state.History = q.history
	q.mu.Unlock()

	return q.store.AtomicWriteJSON(q.store.Path(statePath), state)
}

// Run drains the queue with a single worker until ctx is cancelled,
// invoking deliver for each popped item (spec.md §4.7 worker loop). An
// error from deliver marks that item failed and records the error on it;
// it never stops the loop.
func (q *Queue) Run(ctx context.Context, deliver Deliverer) {
	for {
		msg := q.popHead()
		if msg == nil {
			select {
			case <-q.notify:
				continue
			case <-ctx.Done():
				return
			}
		}
		q.process(ctx, msg, deliver)
	}
}

func (q *Queue) popHead() *domain.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.pending.Front()
	if front == nil {
		return nil
	}
	msg := front.Value.(*domain.QueuedMessage)
	q.pending.Remove(front)
	msg.Status = domain.MessageProcessing
	now := time.Now()
	msg.StartedAt = &now
	q.current = msg
	return msg
}

func (q *Queue) process(ctx context.Context, msg *domain.QueuedMessage, deliver Deliverer) {
	if err := q.persist(); err != nil {
		q.logger.Error("persist before processing failed", "id", msg.ID, "error", err)
	}

	result := deliver.Deliver(ctx, msg)

	if result.NotReady && msg.RetryCount < q.opts.MaxNotReadyRetries {
		q.mu.Lock()
		q.current = nil
		msg.Status = domain.MessagePending
		msg.RetryCount++
		q.mu.Unlock()

		t := time.NewTimer(q.opts.NotReadyRetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}

		q.mu.Lock()
		q.pending.PushBack(msg)
		q.mu.Unlock()
		if err := q.persist(); err != nil {
			q.logger.Error("persist after not-ready retry failed", "id", msg.ID, "error", err)
		}
		q.wake()
		return
	}

	now := time.Now()
	msg.FinishedAt = &now

	q.mu.Lock()
	q.current = nil
	if result.Err != nil || (result.NotReady && msg.RetryCount >= q.opts.MaxNotReadyRetries) {
		msg.Status = domain.MessageFailed
		if result.Err != nil {
			msg.Error = result.Err.Error()
		} else {
			msg.Error = "agent not ready: retry budget exhausted"
		}
		q.totals.Failed++
	} else {
		msg.Status = domain.MessageCompleted
		msg.Response = result.Response
		q.totals.Completed++
	}
	q.pushHistory(msg)
	q.mu.Unlock()

	if err := q.persist(); err != nil {
		q.logger.Error("persist after completion failed", "id", msg.ID, "error", err)
	}

	evType := EventCompleted
	if msg.Status == domain.MessageFailed {
		evType = EventFailed
	}
	q.emit(Event{Type: evType, Message: *msg})
}
