// Package delivery implements reliable message delivery (C6): at most one
// in-flight delivery per session, with prompt detection, confirmation
// polling, and bounded retry with backoff (spec.md §4.5).
package delivery

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/ashureev/orchestratord/internal/command"
	"github.com/ashureev/orchestratord/internal/errs"
)

// Default timeouts per spec.md §5, applied by Config.withDefaults when the
// caller leaves a field zero.
const (
	DefaultPromptDetectionTimeout      = 10 * time.Second
	DefaultDeliveryConfirmationTimeout = 5 * time.Second
	DefaultMessageRetryDelay           = 1 * time.Second
	DefaultTotalDeliveryTimeout        = 30 * time.Second
)

// promptPatterns recognizes a shell/assistant prompt in captured output,
// generalized per-runtime from the teacher's internal/terminal/monitor.go
// promptPatterns table.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\s*$`),
	regexp.MustCompile(`#\s*$`),
	regexp.MustCompile(`>\s*$`),
	regexp.MustCompile(`\w+@[\w.-]+:\S*\$\s*$`),
}

// Failure taxonomy (spec.md §4.5). Only SessionGone is terminal; the
// others are retried within budget.
const (
	FailurePromptNotReady       = "prompt_not_ready"
	FailureConfirmationTimeout  = "confirmation_timeout"
	FailureSessionGone          = "session_gone"
	FailureMaxRetriesExceeded   = "max_retries_exceeded"
)

// Session is the subset of internal/session.PTY delivery needs: a
// command.Writer plus an output capture, consumed by interface per
// spec.md §9's cyclic-reference redesign note.
type Session interface {
	command.Writer
	CaptureBytes() []byte
}

// SessionLookup resolves a session by name, returning errs.NotFound-kind
// error (wrapped FailureSessionGone) if it no longer exists.
type SessionLookup func(name string) (Session, error)

// Options configures one Deliver call.
type Options struct {
	MaxAttempts int // 0 = the Delivery's Config.MaxAttempts
	ClearFirst  bool
	// ConfirmationPattern matches the runtime-specific acknowledgement
	// that the message was received (e.g. an echoed prompt or a
	// processing indicator). Nil falls back to the first prompt pattern.
	ConfirmationPattern *regexp.Regexp
}

// DefaultMaxAttempts bounds retries when Options.MaxAttempts is unset.
const DefaultMaxAttempts = 3

// Config holds the process-wide delivery timeouts and default retry
// budget (spec.md §5), as opposed to Options which configures one Deliver
// call. Zero fields fall back to the Default* constants.
type Config struct {
	PromptDetectionTimeout      time.Duration
	DeliveryConfirmationTimeout time.Duration
	MessageRetryDelay           time.Duration
	TotalDeliveryTimeout        time.Duration
	MaxAttempts                 int
}

func (c Config) withDefaults() Config {
	if c.PromptDetectionTimeout <= 0 {
		c.PromptDetectionTimeout = DefaultPromptDetectionTimeout
	}
	if c.DeliveryConfirmationTimeout <= 0 {
		c.DeliveryConfirmationTimeout = DefaultDeliveryConfirmationTimeout
	}
	if c.MessageRetryDelay <= 0 {
		c.MessageRetryDelay = DefaultMessageRetryDelay
	}
	if c.TotalDeliveryTimeout <= 0 {
		c.TotalDeliveryTimeout = DefaultTotalDeliveryTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// Result reports the outcome of a Deliver call (spec.md §6 "deliver ->
// {delivered, attempts}").
type Result struct {
	Delivered bool
	Attempts  int
	Failure   string
}

// Delivery drives single-flight reliable delivery into PTY sessions.
type Delivery struct {
	lookup SessionLookup
	cmds   *command.Helper
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Delivery coordinator over the given timeouts and default
// retry budget.
func New(lookup SessionLookup, cmds *command.Helper, cfg Config, logger *slog.Logger) *Delivery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Delivery{
		lookup: lookup,
		cmds:   cmds,
		cfg:    cfg.withDefaults(),
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (d *Delivery) sessionLock(name string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.locks[name]
	if !ok {
		m = &sync.Mutex{}
		d.locks[name] = m
	}
	return m
}

// Deliver sends text into sessionName, waiting for a ready prompt, then
// polling for confirmation, retrying with backoff up to the configured
// budget and an overall TotalDeliveryTimeout wall-clock cap. At most one
// delivery runs per session at a time.
func (d *Delivery) Deliver(ctx context.Context, sessionName, text string, opts Options) (Result, error) {
	lock := d.sessionLock(sessionName)
	lock.Lock()
	defer lock.Unlock()

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	confirmPattern := opts.ConfirmationPattern
	if confirmPattern == nil {
		confirmPattern = promptPatterns[0]
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.TotalDeliveryTimeout)
	defer cancel()

	var lastFailure string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		s, err := d.lookup(sessionName)
		if err != nil {
			return Result{Delivered: false, Attempts: attempt, Failure: FailureSessionGone},
				errs.NotFound(FailureSessionGone + ": " + sessionName)
		}

		if !d.waitForPrompt(ctx, s, d.cfg.PromptDetectionTimeout) {
			lastFailure = FailurePromptNotReady
			if !d.sleepOrDone(ctx, d.cfg.MessageRetryDelay) {
				break
			}
			continue
		}

		if opts.ClearFirst {
			if err := d.cmds.ClearCurrentCommandLine(ctx, s); err != nil {
				return Result{Delivered: false, Attempts: attempt, Failure: FailureSessionGone}, err
			}
		}

		if err := d.cmds.SendMessage(ctx, s, text); err != nil {
			return Result{Delivered: false, Attempts: attempt, Failure: FailureSessionGone}, err
		}

		if d.waitForConfirmation(ctx, s, confirmPattern, d.cfg.DeliveryConfirmationTimeout) {
			return Result{Delivered: true, Attempts: attempt}, nil
		}

		lastFailure = FailureConfirmationTimeout
		if !d.sleepOrDone(ctx, d.cfg.MessageRetryDelay) {
			break
		}
	}

	if lastFailure == "" {
		lastFailure = FailureMaxRetriesExceeded
	}
	return Result{Delivered: false, Attempts: maxAttempts, Failure: FailureMaxRetriesExceeded},
		errs.Timeout(lastFailure)
}

func (d *Delivery) waitForPrompt(ctx context.Context, s Session, timeout time.Duration) bool {
	return d.pollUntil(ctx, timeout, func() bool {
		return detectPattern(s.CaptureBytes(), promptPatterns)
	})
}

func (d *Delivery) waitForConfirmation(ctx context.Context, s Session, pattern *regexp.Regexp, timeout time.Duration) bool {
	return d.pollUntil(ctx, timeout, func() bool {
		return pattern.Match(s.CaptureBytes())
	})
}

func (d *Delivery) pollUntil(ctx context.Context, timeout time.Duration, check func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if check() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (d *Delivery) sleepOrDone(ctx context.Context, delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func detectPattern(output []byte, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.Match(output) {
			return true
		}
	}
	return false
}
