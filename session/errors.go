package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/ironsession/transport"
)

// Error kinds. Every error returned by the Controller matches exactly one of
// these with errors.Is.
var (
	// ErrValidation means local input was malformed. No network call was made.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidCredentials means the backend rejected the login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidRefreshToken means the refresh token is invalid, expired or
	// revoked. The session has been purged and the user must log in again.
	ErrInvalidRefreshToken = errors.New("refresh token invalid or expired")
	// ErrTransientNetwork covers timeouts, connection failures and 5xx
	// responses. Stored tokens are preserved and the call may be retried.
	ErrTransientNetwork = errors.New("transient network failure")
	// ErrConcurrentOperation means a conflicting login or refresh was in flight.
	ErrConcurrentOperation = errors.New("conflicting operation in flight")
	// ErrTwoFactorRequired means the login must be completed with VerifyTwoFactor.
	ErrTwoFactorRequired = errors.New("two-factor verification required")
	// ErrSuperseded means a logout happened while the operation was running
	// and its result was discarded.
	ErrSuperseded = errors.New("operation superseded by logout")
	// ErrStorage means the token store failed.
	ErrStorage = errors.New("token storage failure")
	// ErrNotAuthenticated means the operation needs a session and there is none.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session controller closed")
)

// Causes wrapped by the kinds above.
var (
	ErrNoRefreshToken = errors.New("no refresh token")
	ErrNoChallenge    = errors.New("no two-factor challenge pending")
)

// Error is a classified failure. It matches both its Kind and its cause with
// errors.Is and errors.As.
type Error struct {
	Kind error
	Op   string
	// Code is the backend error code, when the failure came from the backend.
	Code string
	Err  error
}

func (e *Error) Error() string {
	msg := "session: " + e.Op + ": " + e.Kind.Error()
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

func newError(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the taxonomy kind of err, or nil when err was not produced
// by this package.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// classify maps a transport failure to the session taxonomy. Failures that
// cannot be attributed to the credential are treated as transient so they
// never purge stored tokens.
func classify(op string, err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	e := &Error{Op: op, Err: err}
	var f *transport.Failure
	if errors.As(err, &f) {
		e.Code = f.Code
	}
	switch transport.KindOf(err) {
	case transport.KindInvalidCredentials:
		e.Kind = ErrInvalidCredentials
	case transport.KindInvalidRefreshToken:
		e.Kind = ErrInvalidRefreshToken
	case transport.KindValidation:
		e.Kind = ErrValidation
	case transport.KindUnauthorized:
		if op == opRefresh {
			e.Kind = ErrInvalidRefreshToken
		} else {
			e.Kind = ErrInvalidCredentials
		}
	default:
		e.Kind = ErrTransientNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		e.Kind = ErrTransientNetwork
	}
	return e
}

func storageError(op string, err error) *Error {
	return newError(ErrStorage, op, fmt.Errorf("token store: %w", err))
}
