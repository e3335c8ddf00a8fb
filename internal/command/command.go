// Package command is the translation layer from high-level intents
// (send message, send key, clear line, set env var) to raw PTY byte
// writes with paced delays (spec.md §4.3, C4). The delays exist because
// downstream interactive CLIs need processing time after bracketed paste
// and key events; shortening them under load caused input loss.
package command

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Writer is the subset of internal/session.PTY that the command helper
// needs, kept as an interface so C4 doesn't import C2/C3 directly
// (spec.md §9's "cyclic references -> interface" redesign note).
type Writer interface {
	Write(p []byte) (int, error)
}

// Config holds the named delays C4 applies between writes, mirroring the
// teacher's PTYConfig: a struct of named durations with a constructor of
// defaults and a mutex-guarded accessor/setter.
type Config struct {
	// MessageDelay is the pause after send_message (spec.md default ~1000ms,
	// with a legacy fallback of 100ms).
	MessageDelay time.Duration
	// KeyDelay is the pause after send_key.
	KeyDelay time.Duration
	// ClearCommandDelay is the pause between Ctrl-C and Ctrl-U in
	// clear_current_command_line.
	ClearCommandDelay time.Duration
	// EnvVarDelay is the pause after set_environment_variable.
	EnvVarDelay time.Duration
}

// DefaultConfig returns spec.md §4.3's default delays.
func DefaultConfig() Config {
	return Config{
		MessageDelay:      1000 * time.Millisecond,
		KeyDelay:          200 * time.Millisecond,
		ClearCommandDelay: 200 * time.Millisecond,
		EnvVarDelay:       200 * time.Millisecond,
	}
}

// LegacyMessageDelay is the fallback MESSAGE_DELAY some older deployments
// still rely on (spec.md §4.3).
const LegacyMessageDelay = 100 * time.Millisecond

// Key names for the fixed key table (spec.md §4.3).
const (
	KeyEnter     = "Enter"
	KeyCtrlC     = "C-c"
	KeyCtrlU     = "C-u"
	KeyCtrlL     = "C-l"
	KeyCtrlD     = "C-d"
	KeyEscape    = "Escape"
	KeyTab       = "Tab"
	KeyBackspace = "Backspace"
	KeyArrowUp   = "ArrowUp"
	KeyArrowDown = "ArrowDown"
	KeyArrowLeft = "ArrowLeft"
	KeyArrowRight = "ArrowRight"
	KeyDelete    = "Delete"
	KeyHome      = "Home"
	KeyEnd       = "End"
	KeyPageUp    = "PageUp"
	KeyPageDown  = "PageDown"
)

// keyTable maps a human-readable key name to its raw byte sequence.
// Unknown keys are sent as literal bytes (spec.md §4.3).
var keyTable = map[string]string{
	KeyEnter:      "\r",
	KeyCtrlC:      "\x03",
	KeyCtrlU:      "\x15",
	KeyCtrlL:      "\x0c",
	KeyCtrlD:      "\x04",
	KeyEscape:     "\x1b",
	KeyTab:        "\t",
	KeyBackspace:  "\x7f",
	KeyArrowUp:    "\x1b[A",
	KeyArrowDown:  "\x1b[B",
	KeyArrowRight: "\x1b[C",
	KeyArrowLeft:  "\x1b[D",
	KeyDelete:     "\x1b[3~",
	KeyHome:       "\x1b[H",
	KeyEnd:        "\x1b[F",
	KeyPageUp:     "\x1b[5~",
	KeyPageDown:   "\x1b[6~",
}

// Helper applies human-readable actions (messages, keys, env vars) to a
// session's Writer.
type Helper struct {
	mu     sync.RWMutex
	config Config
	logger *slog.Logger
}

// NewHelper creates a command helper with the given delay configuration.
func NewHelper(config Config, logger *slog.Logger) *Helper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Helper{config: config, logger: logger}
}

// SetConfig replaces the delay configuration.
func (h *Helper) SetConfig(c Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.config = c
}

// GetConfig returns the current delay configuration.
func (h *Helper) GetConfig() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

func (h *Helper) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// SendMessage writes text followed by Enter, then sleeps MessageDelay.
func (h *Helper) SendMessage(ctx context.Context, w Writer, text string) error {
	if _, err := w.Write([]byte(text + "\r")); err != nil {
		return err
	}
	h.sleep(ctx, h.GetConfig().MessageDelay)
	return nil
}

// SendKey maps k via the fixed key table (unknown keys are sent literally)
// then sleeps KeyDelay.
func (h *Helper) SendKey(ctx context.Context, w Writer, k string) error {
	seq, ok := keyTable[k]
	if !ok {
		seq = k
	}
	if _, err := w.Write([]byte(seq)); err != nil {
		return err
	}
	h.sleep(ctx, h.GetConfig().KeyDelay)
	return nil
}

// ClearCurrentCommandLine sends Ctrl-C, sleeps ClearCommandDelay, sends
// Ctrl-U, then sleeps KeyDelay.
func (h *Helper) ClearCurrentCommandLine(ctx context.Context, w Writer) error {
	if _, err := w.Write([]byte(keyTable[KeyCtrlC])); err != nil {
		return err
	}
	h.sleep(ctx, h.GetConfig().ClearCommandDelay)
	if _, err := w.Write([]byte(keyTable[KeyCtrlU])); err != nil {
		return err
	}
	h.sleep(ctx, h.GetConfig().KeyDelay)
	return nil
}

// SetEnvironmentVariable writes `export k="v"` followed by Enter, then
// sleeps EnvVarDelay.
func (h *Helper) SetEnvironmentVariable(ctx context.Context, w Writer, k, v string) error {
	if _, err := w.Write([]byte(`export ` + k + `="` + v + "\"\r")); err != nil {
		return err
	}
	h.sleep(ctx, h.GetConfig().EnvVarDelay)
	return nil
}
