// Package session implements the PTY session (C2) and session backend
// (C3): the orchestrator's only owner of live local PTY processes.
package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/orchestratord/internal/domain"
	"github.com/ashureev/orchestratord/internal/errs"
	"github.com/creack/pty"
)

// forceKillGrace is how long Kill waits for graceful exit before
// escalating to force_kill (spec.md §4.2 "forcibly kill waits a bounded
// time then escalates").
const forceKillGrace = 3 * time.Second

// ringBufferSize is the per-session capture window (spec.md §6 default 10 MiB).
const ringBufferSize = defaultRingBufferSize

// PTY owns one live local PTY process: spawn, fan-out of streaming
// output, resize, kill, idempotent listener registration (spec.md §4.2).
type PTY struct {
	info domain.Session

	cmd  *exec.Cmd
	ptmx *os.File

	buf   *ringBuffer
	bcast *broadcaster

	mu     sync.Mutex
	killed bool

	logger *slog.Logger
}

// Options configures a new PTY session.
type Options struct {
	Cwd    string
	Cols   int
	Rows   int
	Shell  string
	Env    map[string]string
	Logger *slog.Logger
}

// Start spawns a local PTY process running Options.Shell (or $SHELL, or
// /bin/bash) and begins streaming its output into the session's ring
// buffer and broadcaster.
func Start(name string, opts Options) (*PTY, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	shell := opts.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/bash"
	}

	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, errs.Internal("start pty for session "+name, err)
	}

	s := &PTY{
		info: domain.Session{
			Name:      name,
			PID:       cmd.Process.Pid,
			Cwd:       opts.Cwd,
			Cols:      cols,
			Rows:      rows,
			Shell:     shell,
			Env:       opts.Env,
			CreatedAt: time.Now(),
		},
		cmd:    cmd,
		ptmx:   ptmx,
		buf:    newRingBuffer(ringBufferSize),
		bcast:  newBroadcaster(logger),
		logger: logger,
	}

	go s.readLoop()
	go s.waitLoop()

	return s, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, len(base), len(base)+len(overrides))
	copy(env, base)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func (s *PTY) readLoop() {
	buf := make([]byte, 32*1024)
	wasTruncated := false
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			s.buf.Write(chunk)
			s.bcast.Publish(chunk)
			if !wasTruncated && s.buf.Dropped() > 0 {
				wasTruncated = true
				s.logger.Warn("session capture buffer full, oldest output being overwritten",
					"session", s.info.Name, "capacity", s.buf.Capacity())
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *PTY) waitLoop() {
	err := s.cmd.Wait()
	code := exitCodeFromWaitErr(s.cmd, err)
	s.mu.Lock()
	s.killed = true
	s.mu.Unlock()
	s.bcast.Exit(code)
}

func exitCodeFromWaitErr(cmd *exec.Cmd, err error) int {
	if err == nil {
		if cmd.ProcessState != nil {
			return cmd.ProcessState.ExitCode()
		}
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Info returns the session's static identity/configuration.
func (s *PTY) Info() domain.Session {
	return s.info
}

// Write sends bytes to the PTY's stdin. Writing to a killed session fails
// (spec.md §4.2).
func (s *PTY) Write(p []byte) (int, error) {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()
	if killed {
		return 0, errs.FailedPrecondition("write to killed session " + s.info.Name)
	}
	return s.ptmx.Write(p)
}

// Resize changes the PTY's terminal dimensions.
func (s *PTY) Resize(cols, rows int) error {
	s.mu.Lock()
	killed := s.killed
	s.mu.Unlock()
	if killed {
		return errs.FailedPrecondition("resize killed session " + s.info.Name)
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return errs.Internal("resize session "+s.info.Name, err)
	}
	s.mu.Lock()
	s.info.Cols, s.info.Rows = cols, rows
	s.mu.Unlock()
	return nil
}

// IsKilled reports whether the underlying process has exited or been killed.
func (s *PTY) IsKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// Kill terminates the session gracefully (SIGTERM, or the given signal)
// and is idempotent: killing an already-dead session is a no-op. If the
// process does not exit within forceKillGrace, it escalates to
// ForceKill (SIGKILL).
func (s *PTY) Kill(ctx context.Context, sig os.Signal) error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if sig == nil {
		sig = syscall.SIGTERM
	}
	if err := s.cmd.Process.Signal(sig); err != nil && !s.IsKilled() {
		s.logger.Debug("signal delivery failed, process may already be exiting", "session", s.info.Name, "error", err)
	}

	deadline := time.NewTimer(forceKillGrace)
	defer deadline.Stop()
	for {
		if s.IsKilled() {
			return nil
		}
		select {
		case <-deadline.C:
			return s.ForceKill()
		case <-ctx.Done():
			return s.ForceKill()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ForceKill sends SIGKILL immediately. Idempotent.
func (s *PTY) ForceKill() error {
	if s.IsKilled() {
		return nil
	}
	if err := s.cmd.Process.Kill(); err != nil {
		if strings.Contains(err.Error(), "process already finished") {
			return nil
		}
		return errs.Internal("force kill session "+s.info.Name, err)
	}
	return nil
}

// OnData registers a data listener. Unregister must be called exactly
// once when the caller is done.
func (s *PTY) OnData(cb func([]byte)) (unregister func(), err error) {
	return s.bcast.OnData(cb)
}

// OnExit registers an exit listener, fired exactly once.
func (s *PTY) OnExit(cb func(code int)) (unregister func(), err error) {
	return s.bcast.OnExit(cb)
}

// CaptureBytes returns the full ring-buffer contents.
func (s *PTY) CaptureBytes() []byte {
	return s.buf.Bytes()
}

// Truncated reports whether this session's capture window has already
// overwritten output (i.e. CaptureBytes no longer holds the full
// transcript since session start).
func (s *PTY) Truncated() bool {
	return s.buf.Dropped() > 0
}

var _ io.Writer = (*PTY)(nil)
