package ota

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Error is returned by every transport operation. Kind is one of the flash
// taxonomy sentinels; Code is the device error frame type when the device
// refused the request.
type Error struct {
	Op        string
	Kind      error
	Code      byte
	transient bool
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ota %s: %v", e.Op, e.Kind)
	if e.Code != 0 {
		msg += " (" + frameName(e.Code) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient reports whether the failure was a network condition that may
// clear on retry, as opposed to a protocol-level rejection.
func (e *Error) Transient() bool { return e.transient }

func rejected(op string, kind error, code byte, body []byte) *Error {
	var err error
	if len(body) > 0 {
		err = errors.New(string(body))
	}
	return &Error{Op: op, Kind: kind, Code: code, Err: err}
}

// networkError classifies an I/O failure under kind.
func networkError(op string, kind error, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err, transient: isTransientNet(err)}
}

func isTransientNet(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var _ interface{ Transient() bool } = (*Error)(nil)
