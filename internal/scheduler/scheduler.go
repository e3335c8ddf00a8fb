// Package scheduler implements one-shot, recurring, continuation, and
// adaptive scheduled jobs (C11, spec.md §4.8). Each job is armed with its
// own time.AfterFunc timer; there is no shared ticker loop. The
// fire-then-advance-or-disable bookkeeping is grounded on the teacher's internal/container/ttl.go StartTTLWorker, and
// the one-shot-vs-recurring advance-or-disable split and per-job
// re-arm-after-fire pattern are grounded on nevindra-oasis/scheduler.go's
// checkAndRun/execute.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/orchestratord/internal/atomicstore"
	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/google/uuid"
)

// Default adaptive interval bounds and adjustment factor (spec.md §4.8
// defaults "5 / 15 / 60 minutes with factor 1.5"), applied by
// Options.withDefaults when the caller leaves a field zero.
const (
	DefaultMinAdaptiveInterval  = 5 * time.Minute
	DefaultBaseAdaptiveInterval = 15 * time.Minute
	DefaultMaxAdaptiveInterval  = 60 * time.Minute
	AdaptiveAdjustmentFactor    = 1.5
)

// Options configures a Scheduler's adaptive interval bounds. Zero fields
// fall back to the Default* constants.
type Options struct {
	MinAdaptiveInterval  time.Duration
	BaseAdaptiveInterval time.Duration
	MaxAdaptiveInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinAdaptiveInterval <= 0 {
		o.MinAdaptiveInterval = DefaultMinAdaptiveInterval
	}
	if o.BaseAdaptiveInterval <= 0 {
		o.BaseAdaptiveInterval = DefaultBaseAdaptiveInterval
	}
	if o.MaxAdaptiveInterval <= 0 {
		o.MaxAdaptiveInterval = DefaultMaxAdaptiveInterval
	}
	return o
}

// Named defaults for the built-in check types (spec.md §4.8 "Defaults").
const (
	DefaultInitialCheckDelay      = 5 * time.Minute
	DefaultProgressCheckInterval  = 30 * time.Minute
	DefaultCommitReminderInterval = 25 * time.Minute
)

const statePath = "scheduled-jobs.json"

// Dispatcher delivers a fired job's message, typically by enqueuing into
// C10 or, for short low-priority pings, writing directly to the session.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.ScheduledJob) error
}

// Stats summarizes scheduler state for get_stats().
type Stats struct {
	Active    int
	Recurring int
	Adaptive  int
	Fired     int
}

type jobEntry struct {
	job      *domain.ScheduledJob
	timer    *time.Timer
	cancelCh chan struct{}
	// adaptive-only bookkeeping
	interval time.Duration
}

// Scheduler owns every live ScheduledJob and its firing timer.
type Scheduler struct {
	store      *atomicstore.Store
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*jobEntry
	fired    int
	activity map[string]time.Time // session -> last observed PTY output
}

// New creates a Scheduler over store, loading persisted jobs. Recurring
// and adaptive jobs re-arm from now rather than from their last stored
// fire time (an open design choice: the simpler semantics given no
// client depends on exact historical cadence survives restarts).
func New(store *atomicstore.Store, dispatcher Dispatcher, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts.withDefaults(),
		logger:     logger,
		jobs:       make(map[string]*jobEntry),
		activity:   make(map[string]time.Time),
	}

	var jobs []*domain.ScheduledJob
	if err := store.SafeReadJSON(store.Path(statePath), &jobs); err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if !j.Enabled {
			continue
		}
		s.loadPersisted(j)
	}
	return s, nil
}

func (s *Scheduler) loadPersisted(j *domain.ScheduledJob) {
	var delay time.Duration
	interval := s.opts.BaseAdaptiveInterval
	if j.Recurring != nil {
		interval = j.Recurring.Interval
		delay = interval
	} else if j.Adaptive {
		delay = interval
	} else {
		delay = 0 // one-shot jobs that survive a restart fire promptly (catch-up)
	}
	s.arm(j, delay, interval)
}

// RecordActivity notes that sessionName produced PTY output, feeding the
// adaptive interval adjustment (spec.md §4.8 "per-agent activity signal
// updated by PTY output events").
func (s *Scheduler) RecordActivity(sessionName string) {
	s.mu.Lock()
	s.activity[sessionName] = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) wasActiveSince(sessionName string, since time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.activity[sessionName]
	return ok && last.After(since)
}

// ScheduleCheck arms a one-shot job that fires at `at` (spec.md §4.8
// "One-shot").
func (s *Scheduler) ScheduleCheck(session, message string, at time.Time, jobType domain.JobType) (string, error) {
	job := &domain.ScheduledJob{
		ID:            uuid.NewString(),
		TargetSession: session,
		ScheduledAt:   at,
		Message:       message,
		Type:          jobType,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	return s.register(job, delay, 0)
}

// ScheduleRecurring arms a job that re-arms itself after every fire until
// maxOccurrences is reached (0 = unbounded).
func (s *Scheduler) ScheduleRecurring(session, message string, interval time.Duration, maxOccurrences int, jobType domain.JobType) (string, error) {
	job := &domain.ScheduledJob{
		ID:            uuid.NewString(),
		TargetSession: session,
		ScheduledAt:   time.Now().Add(interval),
		Message:       message,
		Type:          jobType,
		Recurring:     &domain.RecurrenceConfig{Interval: interval, MaxOccurrences: maxOccurrences},
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	return s.register(job, interval, interval)
}

// ScheduleContinuation arms a one-shot JobContinuation job after delay.
func (s *Scheduler) ScheduleContinuation(session, message string, delay time.Duration) (string, error) {
	job := &domain.ScheduledJob{
		ID:            uuid.NewString(),
		TargetSession: session,
		ScheduledAt:   time.Now().Add(delay),
		Message:       message,
		Type:          domain.JobContinuation,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	return s.register(job, delay, 0)
}

// ScheduleAdaptive arms a recurring job whose interval shrinks toward
// MinAdaptiveInterval when the target session is active and grows toward
// MaxAdaptiveInterval when idle, centered on BaseAdaptiveInterval
// (spec.md §4.8 "Adaptive").
func (s *Scheduler) ScheduleAdaptive(session, message string) (string, error) {
	job := &domain.ScheduledJob{
		ID:            uuid.NewString(),
		TargetSession: session,
		ScheduledAt:   time.Now().Add(s.opts.BaseAdaptiveInterval),
		Message:       message,
		Type:          domain.JobCustom,
		Adaptive:      true,
		Enabled:       true,
		CreatedAt:     time.Now(),
	}
	return s.register(job, s.opts.BaseAdaptiveInterval, s.opts.BaseAdaptiveInterval)
}

func (s *Scheduler) register(job *domain.ScheduledJob, delay, interval time.Duration) (string, error) {
	s.arm(job, delay, interval)
	if err := s.persistAll(); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Scheduler) arm(job *domain.ScheduledJob, delay, interval time.Duration) {
	entry := &jobEntry{job: job, cancelCh: make(chan struct{}), interval: interval}
	entry.timer = time.AfterFunc(delay, func() { s.fire(entry) })

	s.mu.Lock()
	s.jobs[job.ID] = entry
	s.mu.Unlock()
}

func (s *Scheduler) fire(entry *jobEntry) {
	select {
	case <-entry.cancelCh:
		return // cancelled before it fired; cancellation of a fired one-shot is a no-op
	default:
	}

	job := entry.job
	s.mu.Lock()
	s.fired++
	s.mu.Unlock()

	now := time.Now()
	job.LastFiredAt = &now

	if s.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.dispatcher.Dispatch(ctx, job)
		cancel()
		if err != nil {
			// spec.md §4.8 "scheduler execution errors are logged and do
			// not stop the scheduler."
			s.logger.Error("scheduled job dispatch failed", "id", job.ID, "error", err)
		}
	}

	switch {
	case job.Adaptive:
		s.rearmAdaptive(entry)
	case job.Recurring != nil:
		s.rearmRecurring(entry)
	default:
		job.Enabled = false
		s.mu.Lock()
		delete(s.jobs, job.ID)
		s.mu.Unlock()
		s.persistAll()
	}
}

func (s *Scheduler) rearmRecurring(entry *jobEntry) {
	rc := entry.job.Recurring
	rc.CurrentOccurs++
	if rc.MaxOccurrences > 0 && rc.CurrentOccurs >= rc.MaxOccurrences {
		entry.job.Enabled = false
		s.mu.Lock()
		delete(s.jobs, entry.job.ID)
		s.mu.Unlock()
		s.persistAll()
		return
	}

	entry.job.ScheduledAt = time.Now().Add(rc.Interval)
	s.persistAll()
	entry.timer = time.AfterFunc(rc.Interval, func() { s.fire(entry) })
}

func (s *Scheduler) rearmAdaptive(entry *jobEntry) {
	windowStart := time.Now().Add(-entry.interval)
	if s.wasActiveSince(entry.job.TargetSession, windowStart) {
		entry.interval = time.Duration(float64(entry.interval) / AdaptiveAdjustmentFactor)
		if entry.interval < s.opts.MinAdaptiveInterval {
			entry.interval = s.opts.MinAdaptiveInterval
		}
	} else {
		entry.interval = time.Duration(float64(entry.interval) * AdaptiveAdjustmentFactor)
		if entry.interval > s.opts.MaxAdaptiveInterval {
			entry.interval = s.opts.MaxAdaptiveInterval
		}
	}

	entry.job.ScheduledAt = time.Now().Add(entry.interval)
	s.persistAll()
	entry.timer = time.AfterFunc(entry.interval, func() { s.fire(entry) })
}

// Cancel removes the next arm of id. Cancelling a job that has already
// fired (one-shot, already removed) is a no-op (spec.md §4.8).
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	entry.timer.Stop()
	close(entry.cancelCh)
	entry.job.Enabled = false
	s.persistAll()
	return true
}

// CancelAllFor cancels every live job targeting session, returning the
// count cancelled.
func (s *Scheduler) CancelAllFor(session string) int {
	s.mu.Lock()
	var ids []string
	for id, e := range s.jobs {
		if e.job.TargetSession == session {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, id := range ids {
		if s.Cancel(id) {
			n++
		}
	}
	return n
}

// GetStats reports current scheduler counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Stats{Active: len(s.jobs), Fired: s.fired}
	for _, e := range s.jobs {
		if e.job.Adaptive {
			stats.Adaptive++
		} else if e.job.Recurring != nil {
			stats.Recurring++
		}
	}
	return stats
}

// Cleanup removes disabled/fired job records from persisted state,
// keeping only currently-armed jobs on disk.
func (s *Scheduler) Cleanup() error {
	return s.persistAll()
}

func (s *Scheduler) persistAll() error {
	s.mu.Lock()
	all := s.snapshotLocked()
	s.mu.Unlock()
	return s.store.AtomicWriteJSON(s.store.Path(statePath), all)
}

func (s *Scheduler) snapshotLocked() []*domain.ScheduledJob {
	all := make([]*domain.ScheduledJob, 0, len(s.jobs))
	for _, e := range s.jobs {
		all = append(all, e.job)
	}
	return all
}
