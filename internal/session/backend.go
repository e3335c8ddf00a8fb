package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/ashureev/orchestratord/internal/errs"
)

// Capture limits per spec.md §4.2.
const (
	defaultCaptureLines = 100
	maxCaptureLines     = 500
	maxCapturePayload   = 16 * 1024
)

// Backend indexes PTY sessions by name: create/get/list/exists/kill/capture
// (spec.md §4.2 "C3"). It is a process-wide singleton assembled once by
// the composition root.
type Backend struct {
	mu       sync.RWMutex
	sessions map[string]*PTY
	logger   *slog.Logger
}

// NewBackend creates an empty session backend.
func NewBackend(logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		sessions: make(map[string]*PTY),
		logger:   logger,
	}
}

// CreateSession spawns a new PTY session under name. Fails with
// AlreadyExists if the name is already registered.
func (b *Backend) CreateSession(name string, opts Options) (*PTY, error) {
	b.mu.Lock()
	if _, exists := b.sessions[name]; exists {
		b.mu.Unlock()
		return nil, errs.AlreadyExists("session " + name)
	}
	// Reserve the name before releasing the lock so two concurrent
	// CreateSession(name) calls cannot both start a process.
	b.sessions[name] = nil
	b.mu.Unlock()

	if opts.Logger == nil {
		opts.Logger = b.logger
	}
	s, err := Start(name, opts)
	if err != nil {
		b.mu.Lock()
		delete(b.sessions, name)
		b.mu.Unlock()
		return nil, err
	}

	b.mu.Lock()
	b.sessions[name] = s
	b.mu.Unlock()

	unregister, _ := s.OnExit(func(int) {
		b.mu.Lock()
		delete(b.sessions, name)
		b.mu.Unlock()
	})
	_ = unregister // exit listener lives for the session's lifetime

	return s, nil
}

// GetSession returns the session registered under name, or NotFound.
func (b *Backend) GetSession(name string) (*PTY, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, exists := b.sessions[name]
	if !exists || s == nil {
		return nil, errs.NotFound("session " + name)
	}
	return s, nil
}

// SessionExists reports whether name currently names a live session.
func (b *Backend) SessionExists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, exists := b.sessions[name]
	return exists && s != nil
}

// ListSessions returns the names of all currently registered sessions.
func (b *Backend) ListSessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.sessions))
	for name, s := range b.sessions {
		if s != nil {
			names = append(names, name)
		}
	}
	return names
}

// KillSession kills and deregisters the named session. Tolerant of an
// already-dead or already-gone session (spec.md §4.2 "Kill is tolerant
// of already-dead sessions").
func (b *Backend) KillSession(ctx context.Context, name string) error {
	b.mu.RLock()
	s, exists := b.sessions[name]
	b.mu.RUnlock()
	if !exists || s == nil {
		return nil
	}
	if err := s.Kill(ctx, nil); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.sessions, name)
	b.mu.Unlock()
	return nil
}

// CaptureOutput returns at most the last `lines` lines of name's ring
// buffer (default defaultCaptureLines, hard max maxCaptureLines), capped
// at maxCapturePayload bytes per request.
func (b *Backend) CaptureOutput(name string, lines int) (string, error) {
	s, err := b.GetSession(name)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = defaultCaptureLines
	}
	if lines > maxCaptureLines {
		lines = maxCaptureLines
	}

	out := lastLines(s.CaptureBytes(), lines)
	if len(out) > maxCapturePayload {
		out = out[len(out)-maxCapturePayload:]
	}
	return string(out), nil
}

// lastLines returns the last n newline-delimited lines of data, in order.
func lastLines(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return nil
	}
	trimmed := bytes.TrimRight(data, "\n")
	idx := len(trimmed)
	count := 0
	for idx > 0 {
		nl := bytes.LastIndexByte(trimmed[:idx], '\n')
		count++
		if count >= n {
			return trimmed[nl+1:]
		}
		if nl == -1 {
			return trimmed
		}
		idx = nl
	}
	return trimmed
}
