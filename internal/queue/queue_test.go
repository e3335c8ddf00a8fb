package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/orchestratord/internal/atomicstore"
	"github.com/ashureev/orchestratord/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, *atomicstore.Store) {
	t.Helper()
	store, err := atomicstore.New(filepath.Join(t.TempDir(), "state"), nil)
	if err != nil {
		t.Fatalf("atomicstore.New() error = %v", err)
	}
	q, err := New(store, Options{}, nil)
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	return q, store
}

// recordingDeliverer records the order messages were delivered in and
// always completes successfully, to test FIFO ordering (spec.md §8 S-2
// "for any two items A and B ... A reaches processing before B").
type recordingDeliverer struct {
	mu    sync.Mutex
	order []string
}

func (r *recordingDeliverer) Deliver(ctx context.Context, msg *domain.QueuedMessage) DeliverResult {
	r.mu.Lock()
	r.order = append(r.order, msg.ID)
	r.mu.Unlock()
	return DeliverResult{Response: "ok"}
}

func TestQueue_FIFOOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	d := &recordingDeliverer{}

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(EnqueueInput{Content: "msg", Source: domain.SourceSystemEvent})
		if err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, d)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		n := len(d.order)
		d.mu.Unlock()
		if n == len(ids) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for all items to be delivered, got %d/%d", n, len(ids))
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	for i, id := range ids {
		if d.order[i] != id {
			t.Errorf("order[%d] = %s, want %s (FIFO violated)", i, d.order[i], id)
		}
	}
}

func TestQueue_CancelPendingItem(t *testing.T) {
	q, _ := newTestQueue(t)
	id, err := q.Enqueue(EnqueueInput{Content: "msg", Source: domain.SourceWebChat})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ok, err := q.Cancel(id)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if !ok {
		t.Errorf("Cancel() = false, want true for a pending item")
	}

	status := q.GetStatus()
	if len(status.Pending) != 0 {
		t.Errorf("Pending has %d items, want 0 after cancel", len(status.Pending))
	}
	if len(status.History) != 1 || status.History[0].Status != domain.MessageCancelled {
		t.Errorf("history does not show the cancelled item")
	}
}

func TestQueue_CancelUnknownIDReturnsFalse(t *testing.T) {
	q, _ := newTestQueue(t)
	ok, err := q.Cancel("does-not-exist")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if ok {
		t.Errorf("Cancel() = true for an unknown id, want false")
	}
}

// notReadyThenOK fails with NotReady on the first N deliveries of an id,
// then succeeds, to test the retry-on-not-ready path.
type notReadyThenOK struct {
	mu       sync.Mutex
	attempts map[string]int
	okAfter  int
}

func (n *notReadyThenOK) Deliver(ctx context.Context, msg *domain.QueuedMessage) DeliverResult {
	n.mu.Lock()
	n.attempts[msg.ID]++
	attempt := n.attempts[msg.ID]
	n.mu.Unlock()
	if attempt < n.okAfter {
		return DeliverResult{NotReady: true}
	}
	return DeliverResult{Response: "done"}
}

func TestQueue_RetriesOnNotReadyThenCompletes(t *testing.T) {
	q, _ := newTestQueue(t)
	d := &notReadyThenOK{attempts: make(map[string]int), okAfter: 3}

	id, err := q.Enqueue(EnqueueInput{Content: "msg", Source: domain.SourceSystemEvent})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, d)

	deadline := time.Now().Add(5 * time.Second)
	for {
		status := q.GetStatus()
		if len(status.History) == 1 {
			if status.History[0].ID != id {
				t.Fatalf("unexpected history entry id %s", status.History[0].ID)
			}
			if status.History[0].Status != domain.MessageCompleted {
				t.Fatalf("Status = %q, want completed", status.History[0].Status)
			}
			if status.History[0].RetryCount < 2 {
				t.Errorf("RetryCount = %d, want at least 2 retries before success", status.History[0].RetryCount)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for message to complete after retries")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type alwaysFails struct{}

func (alwaysFails) Deliver(ctx context.Context, msg *domain.QueuedMessage) DeliverResult {
	return DeliverResult{Err: errors.New("boom")}
}

func TestQueue_DeliveryErrorMarksFailed(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.Enqueue(EnqueueInput{Content: "msg", Source: domain.SourceSystemEvent}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, alwaysFails{})

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := q.GetStatus()
		if len(status.History) == 1 {
			if status.History[0].Status != domain.MessageFailed {
				t.Errorf("Status = %q, want failed", status.History[0].Status)
			}
			if status.History[0].Error == "" {
				t.Errorf("expected a recorded error message")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for message to fail")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueue_RestartDemotesProcessingToPending(t *testing.T) {
	store, err := atomicstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("atomicstore.New() error = %v", err)
	}
	q1, err := New(store, Options{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	id, err := q1.Enqueue(EnqueueInput{Content: "msg", Source: domain.SourceSystemEvent})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	msg := q1.popHead() // simulate a worker that crashed mid-delivery
	if msg.ID != id {
		t.Fatalf("popHead() id = %s, want %s", msg.ID, id)
	}
	if err := q1.persist(); err != nil {
		t.Fatalf("persist() error = %v", err)
	}

	q2, err := New(store, Options{}, nil)
	if err != nil {
		t.Fatalf("New() on restart error = %v", err)
	}
	status := q2.GetStatus()
	if len(status.Pending) != 1 || status.Pending[0].ID != id {
		t.Fatalf("expected the dangling processing item demoted to pending, got %+v", status.Pending)
	}
	if status.Pending[0].Status != domain.MessagePending {
		t.Errorf("Status = %q, want pending after restart recovery", status.Pending[0].Status)
	}
}
