package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/orchestratord/internal/atomicstore"
	"github.com/ashureev/orchestratord/internal/domain"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []*domain.ScheduledJob
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, job *domain.ScheduledJob) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *job
	d.jobs = append(d.jobs, &cp)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func newTestScheduler(t *testing.T, d Dispatcher) *Scheduler {
	t.Helper()
	store, err := atomicstore.New(filepath.Join(t.TempDir(), "state"), nil)
	if err != nil {
		t.Fatalf("atomicstore.New() error = %v", err)
	}
	s, err := New(store, d, Options{}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestScheduleCheck_FiresOnce(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	id, err := s.ScheduleCheck("sess", "hello", time.Now().Add(20*time.Millisecond), domain.JobCheckIn)
	if err != nil {
		t.Fatalf("ScheduleCheck() error = %v", err)
	}
	if id == "" {
		t.Fatalf("expected a non-empty job id")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for d.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if d.count() != 1 {
		t.Fatalf("Dispatch called %d times, want 1", d.count())
	}

	stats := s.GetStats()
	if stats.Active != 0 {
		t.Errorf("Active = %d, want 0 after a one-shot fires", stats.Active)
	}
}

func TestScheduleRecurring_StopsAtMaxOccurrences(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	_, err := s.ScheduleRecurring("sess", "ping", 15*time.Millisecond, 3, domain.JobProgressCheck)
	if err != nil {
		t.Fatalf("ScheduleRecurring() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for d.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if d.count() != 3 {
		t.Fatalf("Dispatch called %d times, want exactly 3", d.count())
	}

	// Give a further window to confirm it really stopped, not just slow.
	time.Sleep(60 * time.Millisecond)
	if d.count() != 3 {
		t.Errorf("Dispatch called %d times after max occurrences, want still 3", d.count())
	}
}

func TestCancel_PreventsFutureFire(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	id, err := s.ScheduleCheck("sess", "hello", time.Now().Add(50*time.Millisecond), domain.JobCheckIn)
	if err != nil {
		t.Fatalf("ScheduleCheck() error = %v", err)
	}

	ok := s.Cancel(id)
	if !ok {
		t.Errorf("Cancel() = false, want true for a pending job")
	}

	time.Sleep(120 * time.Millisecond)
	if d.count() != 0 {
		t.Errorf("Dispatch called %d times for a cancelled job, want 0", d.count())
	}

	if s.Cancel(id) {
		t.Errorf("second Cancel() = true, want false (already cancelled)")
	}
}

func TestCancelAllFor_OnlyCancelsMatchingSession(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	if _, err := s.ScheduleCheck("sess-a", "x", time.Now().Add(time.Hour), domain.JobCheckIn); err != nil {
		t.Fatalf("ScheduleCheck() error = %v", err)
	}
	if _, err := s.ScheduleCheck("sess-a", "y", time.Now().Add(time.Hour), domain.JobCheckIn); err != nil {
		t.Fatalf("ScheduleCheck() error = %v", err)
	}
	if _, err := s.ScheduleCheck("sess-b", "z", time.Now().Add(time.Hour), domain.JobCheckIn); err != nil {
		t.Fatalf("ScheduleCheck() error = %v", err)
	}

	n := s.CancelAllFor("sess-a")
	if n != 2 {
		t.Errorf("CancelAllFor() cancelled %d, want 2", n)
	}

	stats := s.GetStats()
	if stats.Active != 1 {
		t.Errorf("Active = %d, want 1 (only sess-b's job left)", stats.Active)
	}
}

func TestAdaptiveInterval_ShrinksWhenActive(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	id, err := s.ScheduleAdaptive("sess-active", "nudge")
	if err != nil {
		t.Fatalf("ScheduleAdaptive() error = %v", err)
	}
	s.mu.Lock()
	entry := s.jobs[id]
	s.mu.Unlock()
	if entry.interval != DefaultBaseAdaptiveInterval {
		t.Fatalf("initial interval = %v, want %v", entry.interval, DefaultBaseAdaptiveInterval)
	}
	defer entry.timer.Stop()

	s.RecordActivity("sess-active")
	s.rearmAdaptive(entry)
	if entry.interval >= DefaultBaseAdaptiveInterval {
		t.Errorf("interval after activity = %v, want shrunk below %v", entry.interval, DefaultBaseAdaptiveInterval)
	}
}

func TestAdaptiveInterval_GrowsWhenIdle(t *testing.T) {
	d := &recordingDispatcher{}
	s := newTestScheduler(t, d)

	id, err := s.ScheduleAdaptive("sess-idle", "nudge")
	if err != nil {
		t.Fatalf("ScheduleAdaptive() error = %v", err)
	}
	s.mu.Lock()
	entry := s.jobs[id]
	s.mu.Unlock()
	defer entry.timer.Stop()

	// No RecordActivity call for sess-idle: the session never produced
	// PTY output within the window, so the next interval should grow.
	s.rearmAdaptive(entry)
	if entry.interval <= DefaultBaseAdaptiveInterval {
		t.Errorf("interval after idle period = %v, want grown above %v", entry.interval, DefaultBaseAdaptiveInterval)
	}
}
