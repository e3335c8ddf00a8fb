package agentreg

import (
	"context"
	"sync"
	"time"
)

// restartLimiter bounds orchestrator restarts to max attempts within a
// rolling window (C9, spec.md §4.6/§8 invariant 7), grounded on the
// teacher's ttl.go rolling-window bookkeeping.
type restartLimiter struct {
	max    int
	window time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
	inFlight map[string]bool
}

func newRestartLimiter(max int, window time.Duration) *restartLimiter {
	if max <= 0 {
		max = 3
	}
	if window <= 0 {
		window = time.Hour
	}
	return &restartLimiter{
		max:      max,
		window:   window,
		attempts: make(map[string][]time.Time),
		inFlight: make(map[string]bool),
	}
}

// allowLocked reports whether a restart attempt for key may proceed,
// recording it if so. Attempts outside the rolling window are pruned
// first. Caller must hold l.mu.
func (l *restartLimiter) allowLocked(key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)
	kept := l.attempts[key][:0]
	for _, t := range l.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.max {
		l.attempts[key] = kept
		return false
	}
	l.attempts[key] = append(kept, now)
	return true
}

// AttemptRestart runs restartFn for key if it is not already in flight and
// the rolling-window budget allows it; otherwise it returns false without
// side effects (spec.md §8 invariant 7, scenario S7).
func (r *Registry) AttemptRestart(ctx context.Context, key string, restartFn func(ctx context.Context) error) (bool, error) {
	r.restart.mu.Lock()
	if r.restart.inFlight[key] {
		r.restart.mu.Unlock()
		return false, nil
	}
	if !r.restart.allowLocked(key) {
		r.restart.mu.Unlock()
		r.logger.Warn("restart rate limit exceeded", "key", key)
		return false, nil
	}
	r.restart.inFlight[key] = true
	r.restart.mu.Unlock()
	defer func() {
		r.restart.mu.Lock()
		delete(r.restart.inFlight, key)
		r.restart.mu.Unlock()
	}()

	if err := restartFn(ctx); err != nil {
		return false, err
	}
	return true, nil
}
