// Package errs provides the orchestrator's error taxonomy, implemented as
// sentinel wrapping over github.com/containerd/errdefs.
package errs

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// ErrTimeoutExceeded is returned when a prompt, confirmation, or delivery
// budget elapses without the expected signal. errdefs has no timeout
// category and context.DeadlineExceeded is the wrong granularity here:
// our timeouts are component-level budgets (PROMPT_DETECTION_TIMEOUT,
// DELIVERY_CONFIRMATION_TIMEOUT, ...), not bare context deadlines.
var ErrTimeoutExceeded = errors.New("timeout exceeded")

// NotFound wraps err as a NotFound-kind error: session, queued item, or
// scheduled job missing.
func NotFound(detail string) error {
	return fmt.Errorf("%s: %w", detail, errdefs.ErrNotFound)
}

// AlreadyExists wraps err as an AlreadyExists-kind error: session name
// reuse before the prior entry's cleanup completed.
func AlreadyExists(detail string) error {
	return fmt.Errorf("%s: %w", detail, errdefs.ErrAlreadyExists)
}

// Busy wraps err as a Busy/SingleFlight-kind error: another operation
// (restart, rehydrate, reconciliation) is already in progress.
func Busy(detail string) error {
	return fmt.Errorf("%s: %w", detail, errdefs.ErrUnavailable)
}

// ResourceExhausted wraps err as a ResourceExhausted-kind error: a
// listener cap was reached or a restart quota was consumed.
func ResourceExhausted(detail string) error {
	return fmt.Errorf("%s: %w", detail, errdefs.ErrResourceExhausted)
}

// FailedPrecondition wraps err as a FailedPrecondition-kind error:
// suspending the orchestrator, writing to a killed session.
func FailedPrecondition(detail string) error {
	return fmt.Errorf("%s: %w", detail, errdefs.ErrFailedPrecondition)
}

// Internal wraps err as an unexpected-IO Internal-kind error.
func Internal(detail string, cause error) error {
	if cause != nil {
		return fmt.Errorf("%s: %v: %w", detail, cause, errdefs.ErrInternal)
	}
	return fmt.Errorf("%s: %w", detail, errdefs.ErrInternal)
}

// Timeout wraps ErrTimeoutExceeded with detail.
func Timeout(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrTimeoutExceeded)
}

// IsNotFound reports whether err is (or wraps) a NotFound-kind error.
func IsNotFound(err error) bool { return errdefs.IsNotFound(err) }

// IsAlreadyExists reports whether err is (or wraps) an AlreadyExists-kind error.
func IsAlreadyExists(err error) bool { return errdefs.IsAlreadyExists(err) }

// IsBusy reports whether err is (or wraps) a Busy/SingleFlight-kind error.
func IsBusy(err error) bool { return errdefs.IsUnavailable(err) }

// IsResourceExhausted reports whether err is (or wraps) a ResourceExhausted-kind error.
func IsResourceExhausted(err error) bool { return errdefs.IsResourceExhausted(err) }

// IsFailedPrecondition reports whether err is (or wraps) a FailedPrecondition-kind error.
func IsFailedPrecondition(err error) bool { return errdefs.IsFailedPrecondition(err) }

// IsInternal reports whether err is (or wraps) an Internal-kind error.
func IsInternal(err error) bool { return errdefs.IsInternal(err) }

// IsTimeout reports whether err is (or wraps) ErrTimeoutExceeded.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeoutExceeded) }
