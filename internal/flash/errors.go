package flash

import (
	"errors"
	"fmt"
	"strings"
)

// Failure taxonomy. Terminal outcomes and transport errors wrap one of these
// so callers can classify with errors.Is.
var (
	ErrUnreachable         = errors.New("device unreachable")
	ErrAlreadyFlashing     = errors.New("device already flashing")
	ErrGateFailed          = errors.New("preflight gates failed")
	ErrAuthRejected        = errors.New("authentication rejected")
	ErrTransferAborted     = errors.New("transfer aborted")
	ErrVerifyRejected      = errors.New("image verification rejected")
	ErrRollbackSuspected   = errors.New("rollback suspected")
	ErrTimeout             = errors.New("timed out")
	ErrCancelled           = errors.New("session cancelled")
	ErrCancelRefused       = errors.New("cancellation refused")
	ErrNotFound            = errors.New("not found")
	ErrInvalidFirmware     = errors.New("invalid firmware artifact")
	ErrMissingSharedSecret = errors.New("shared secret not configured")
)

// GateFailedError is returned when preflight gates block a flash. It carries
// the full GateResult so operators can see every check.
type GateFailedError struct {
	Result GateResult
}

func (e *GateFailedError) Error() string {
	var failed []string
	for _, c := range e.Result.Checks {
		if c.Verdict == VerdictFail {
			failed = append(failed, fmt.Sprintf("%s: %s", c.Name, c.Reason))
		}
	}
	return fmt.Sprintf("%s: %s", ErrGateFailed, strings.Join(failed, "; "))
}

func (e *GateFailedError) Unwrap() error { return ErrGateFailed }

// IsTransient reports whether err was classified as a transient network
// failure that may be retried.
func IsTransient(err error) bool {
	var t interface{ Transient() bool }
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// classify maps an error onto the taxonomy sentinel it wraps, defaulting to
// ErrUnreachable for unclassified network failures.
func classify(err error) error {
	for _, kind := range []error{
		ErrAuthRejected,
		ErrTransferAborted,
		ErrVerifyRejected,
		ErrTimeout,
		ErrUnreachable,
		ErrCancelled,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrUnreachable
}
