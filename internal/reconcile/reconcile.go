// Package reconcile implements external-chat (Slack) reconciliation
// (C12, spec.md §4.9): a periodic, mutex-guarded scan of pending
// cross-channel notifications with bounded delivery attempts. Grounded on
// the teacher's internal/container/ttl.go ticker-worker shape (startup
// delay then fixed interval, logged-not-fatal per-item errors).
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/orchestratord/internal/atomicstore"
	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/google/uuid"
)

const notificationsPath = "external-notifications.json"

// Defaults applied when the caller passes a zero value (spec.md §4.9
// leaves the exact figures to the implementation).
const (
	DefaultStartupDelay = 30 * time.Second
	DefaultScanInterval = 5 * time.Minute
	DefaultMaxAge       = 24 * time.Hour
	DefaultMaxAttempts  = 5
)

// Bridge posts a notification to an external chat system. Implemented by
// a thin adapter over *slack.Client.
type Bridge interface {
	Send(ctx context.Context, channel, thread, text string) error
}

// Options configures a Reconciler. Zero values fall back to the Default*
// constants.
type Options struct {
	StartupDelay time.Duration
	ScanInterval time.Duration
	MaxAge       time.Duration
	MaxAttempts  int
}

func (o Options) withDefaults() Options {
	if o.StartupDelay <= 0 {
		o.StartupDelay = DefaultStartupDelay
	}
	if o.ScanInterval <= 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	return o
}

// Reconciler scans persisted external-chat notifications and retries
// delivery of pending ones within budget.
type Reconciler struct {
	store  *atomicstore.Store
	bridge Bridge
	opts   Options
	logger *slog.Logger

	runMu sync.Mutex // guards against concurrent scans (spec.md §4.9)

	mu            sync.Mutex
	notifications []*domain.ExternalNotification
}

// New creates a Reconciler over store, loading any persisted notification
// backlog.
func New(store *atomicstore.Store, bridge Bridge, opts Options, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		store:  store,
		bridge: bridge,
		opts:   opts.withDefaults(),
		logger: logger,
	}
	if err := store.SafeReadJSON(store.Path(notificationsPath), &r.notifications); err != nil {
		return nil, err
	}
	return r, nil
}

// Enqueue registers a new pending cross-channel notification, e.g. from
// the queue's routing step when the in-memory resolve callback is
// unavailable (restart case).
func (r *Reconciler) Enqueue(channel, thread, text string) (string, error) {
	n := &domain.ExternalNotification{
		ID:        uuid.NewString(),
		Channel:   channel,
		Thread:    thread,
		Text:      text,
		Status:    domain.NotificationPending,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.notifications = append(r.notifications, n)
	r.mu.Unlock()
	return n.ID, r.persist()
}

// Run starts the startup-delay-then-fixed-interval scan loop. Blocks
// until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTimer(r.opts.StartupDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(r.opts.ScanInterval)
	defer ticker.Stop()
	for {
		r.scan(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// scan is guarded by runMu so overlapping timers (a slow previous scan
// plus a fired ticker) never run concurrently (spec.md §4.9 "Guard
// against concurrent runs with a mutex"). Redelivery of a message is
// bounded only by its attempt count (MaxAttempts), not by the time since
// its last attempt.
func (r *Reconciler) scan(ctx context.Context) {
	if !r.runMu.TryLock() {
		r.logger.Debug("reconciliation scan already in progress, skipping this tick")
		return
	}
	defer r.runMu.Unlock()

	r.mu.Lock()
	due := make([]*domain.ExternalNotification, 0, len(r.notifications))
	for _, n := range r.notifications {
		if n.Status == domain.NotificationPending && time.Since(n.CreatedAt) < r.opts.MaxAge {
			due = append(due, n)
		}
	}
	r.mu.Unlock()

	if len(due) == 0 {
		return
	}

	for _, n := range due {
		r.attempt(ctx, n)
	}
	if err := r.persist(); err != nil {
		r.logger.Error("persisting reconciliation state failed", "error", err)
	}
}

func (r *Reconciler) attempt(ctx context.Context, n *domain.ExternalNotification) {
	if n.AttemptCount >= r.opts.MaxAttempts {
		n.Status = domain.NotificationFailed
		n.LastError = "max delivery attempts exceeded"
		return
	}

	now := time.Now()
	n.LastAttemptAt = &now
	n.AttemptCount++

	err := r.bridge.Send(ctx, n.Channel, n.Thread, n.Text)
	if err != nil {
		n.LastError = err.Error()
		if n.AttemptCount >= r.opts.MaxAttempts {
			n.Status = domain.NotificationFailed
			n.LastError = "max delivery attempts exceeded: " + err.Error()
		}
		r.logger.Warn("external-chat delivery attempt failed",
			"id", n.ID, "channel", n.Channel, "attempt", n.AttemptCount, "error", err)
		return
	}

	n.Status = domain.NotificationDelivered
	n.LastError = ""
}

func (r *Reconciler) persist() error {
	r.mu.Lock()
	snapshot := append([]*domain.ExternalNotification(nil), r.notifications...)
	r.mu.Unlock()
	return r.store.AtomicWriteJSON(r.store.Path(notificationsPath), snapshot)
}
