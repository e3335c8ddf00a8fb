// Package dispatch is the glue between C10/C11 and the rest of the
// system: a queue.Deliverer that drives a queued message through C6
// reliable delivery, and a scheduler.Dispatcher that turns a fired job
// into a system_event queue item. Neither holds state of its own beyond
// the collaborators it wires together, in the same spirit as
// internal/coordinator.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/ashureev/orchestratord/internal/agentreg"
	"github.com/ashureev/orchestratord/internal/delivery"
	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/ashureev/orchestratord/internal/errs"
	"github.com/ashureev/orchestratord/internal/queue"
	"github.com/ashureev/orchestratord/internal/runtime"
)

// responseLines bounds how much captured output is read back as a
// delivered message's response.
const responseLines = 50

// QueueDeliverer implements queue.Deliverer (C10) over C6 reliable
// delivery, treating a suspended target as not-ready rather than a hard
// failure so the queue retries it instead of discarding it.
type QueueDeliverer struct {
	delivery *delivery.Delivery
	adapter  *runtime.Adapter
	registry *agentreg.Registry
	logger   *slog.Logger
}

// NewQueueDeliverer creates a QueueDeliverer over the given collaborators.
func NewQueueDeliverer(d *delivery.Delivery, adapter *runtime.Adapter, registry *agentreg.Registry, logger *slog.Logger) *QueueDeliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDeliverer{delivery: d, adapter: adapter, registry: registry, logger: logger}
}

// Deliver sends msg.Content into msg.TargetSession and reads back the
// session's recent output as the response.
func (q *QueueDeliverer) Deliver(ctx context.Context, msg *domain.QueuedMessage) queue.DeliverResult {
	if q.registry.IsSuspended(msg.TargetSession) {
		return queue.DeliverResult{NotReady: true}
	}
	if !q.adapter.IsRunning(msg.TargetSession) {
		return queue.DeliverResult{Err: errs.NotFound("target session " + msg.TargetSession + " is not running")}
	}

	result, err := q.delivery.Deliver(ctx, msg.TargetSession, msg.Content, delivery.Options{})
	if err != nil {
		if result.Failure == delivery.FailurePromptNotReady {
			return queue.DeliverResult{NotReady: true}
		}
		return queue.DeliverResult{Err: err}
	}

	out, err := q.adapter.GetOutput(msg.TargetSession, responseLines)
	if err != nil {
		q.logger.Warn("delivered message but failed to capture response", "session", msg.TargetSession, "error", err)
	}
	return queue.DeliverResult{Response: out}
}

// SchedulerDispatcher implements scheduler.Dispatcher (C11), turning a
// fired job into a system_event item on the centralized queue (C10).
type SchedulerDispatcher struct {
	queue *queue.Queue
}

// NewSchedulerDispatcher creates a SchedulerDispatcher over q.
func NewSchedulerDispatcher(q *queue.Queue) *SchedulerDispatcher {
	return &SchedulerDispatcher{queue: q}
}

// Dispatch enqueues job as a system_event message targeting job's session.
func (d *SchedulerDispatcher) Dispatch(ctx context.Context, job *domain.ScheduledJob) error {
	_, err := d.queue.Enqueue(queue.EnqueueInput{
		Content:       job.Message,
		TargetSession: job.TargetSession,
		Source:        domain.SourceSystemEvent,
		SystemEvent:   &domain.SystemEventMeta{Reason: string(job.Type)},
	})
	return err
}
