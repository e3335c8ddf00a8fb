package delivery

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/orchestratord/internal/command"
	"github.com/ashureev/orchestratord/internal/errs"
)

// fakeSession simulates an agent that does not emit the confirmation
// pattern on the first send but does on the second (spec.md §8 S3).
type fakeSession struct {
	mu         sync.Mutex
	sendCount  int
	confirmAt  int
	buf        []byte
}

func newFakeSession(confirmAt int) *fakeSession {
	return &fakeSession{confirmAt: confirmAt, buf: []byte("$ ")}
}

func (f *fakeSession) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if string(p) != "\r" { // command.Helper.SendMessage writes text+"\r"
		f.sendCount++
		if f.sendCount >= f.confirmAt {
			f.buf = []byte("$ CONFIRMED\n$ ")
		}
	}
	return len(p), nil
}

func (f *fakeSession) CaptureBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.buf...)
}

func fastCmds() *command.Helper {
	return command.NewHelper(command.Config{
		MessageDelay:      0,
		KeyDelay:          0,
		ClearCommandDelay: 0,
		EnvVarDelay:       0,
	}, nil)
}

func TestDeliver_ConfirmsOnSecondAttempt(t *testing.T) {
	s := newFakeSession(2)
	lookup := func(name string) (Session, error) { return s, nil }

	d := New(lookup, fastCmds(), Config{}, nil)
	result, err := d.Deliver(context.Background(), "sess", "x", Options{
		MaxAttempts:         2,
		ConfirmationPattern: regexp.MustCompile(`CONFIRMED`),
	})
	if err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if !result.Delivered {
		t.Errorf("Delivered = false, want true")
	}
	if result.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", result.Attempts)
	}
}

func TestDeliver_SessionGoneIsTerminal(t *testing.T) {
	lookup := func(name string) (Session, error) {
		return nil, errs.NotFound("session " + name)
	}
	d := New(lookup, fastCmds(), Config{}, nil)

	result, err := d.Deliver(context.Background(), "gone", "x", Options{})
	if err == nil {
		t.Fatalf("expected an error for a gone session")
	}
	if result.Failure != FailureSessionGone {
		t.Errorf("Failure = %q, want %q", result.Failure, FailureSessionGone)
	}
}

// exclusiveSession fails the test if two Write calls overlap, catching a
// regression where Deliver stopped serializing concurrent callers on the
// same session.
type exclusiveSession struct {
	t         *testing.T
	mu        sync.Mutex
	busy      bool
	sendCount int
}

func (e *exclusiveSession) Write(p []byte) (int, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		e.t.Errorf("overlapping Write calls on the same session")
		return 0, nil
	}
	e.busy = true
	e.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	e.mu.Lock()
	e.busy = false
	if string(p) != "\r" {
		e.sendCount++
	}
	e.mu.Unlock()
	return len(p), nil
}

func (e *exclusiveSession) CaptureBytes() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sendCount > 0 {
		return []byte("$ CONFIRMED\n$ ")
	}
	return []byte("$ ")
}

func TestDeliver_SingleFlightPerSession(t *testing.T) {
	s := &exclusiveSession{t: t}
	lookup := func(name string) (Session, error) { return s, nil }
	d := New(lookup, fastCmds(), Config{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Deliver(context.Background(), "busy", "x", Options{
				MaxAttempts:         1,
				ConfirmationPattern: regexp.MustCompile(`CONFIRMED`),
			})
		}()
	}
	wg.Wait()
}
