package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a transport failure.
type Kind int

const (
	KindOther Kind = iota
	KindUnauthorized
	KindInvalidCredentials
	KindInvalidRefreshToken
	KindValidation
	KindNetwork
	KindServer
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInvalidRefreshToken:
		return "invalid_refresh_token"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindConflict:
		return "conflict"
	default:
		return "other"
	}
}

// Backend error codes.
const (
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeTokenRevoked       = "TOKEN_REVOKED"
	CodeValidation         = "VALIDATION_ERROR"
	CodeTwoFactorInvalid   = "INVALID_2FA_CODE"
	CodeConflict           = "CONFLICT"
)

// Failure is a classified transport error.
type Failure struct {
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (f *Failure) Error() string {
	msg := "transport: " + f.Kind.String()
	if f.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", f.StatusCode)
	}
	if f.Code != "" {
		msg += " " + f.Code
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Retryable reports whether repeating the same call may succeed.
func (f *Failure) Retryable() bool {
	switch f.Kind {
	case KindNetwork, KindServer, KindUnauthorized:
		return true
	}
	return f.StatusCode == http.StatusRequestTimeout || f.StatusCode == http.StatusTooManyRequests
}

// NetworkFailure wraps err as a KindNetwork failure.
func NetworkFailure(err error) *Failure {
	return &Failure{Kind: KindNetwork, Err: err}
}

// KindOf classifies err. Context deadline and cancellation count as network
// failures so a timeout is never mistaken for a rejected credential.
func KindOf(err error) Kind {
	if err == nil {
		return KindOther
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	return KindOther
}

// IsRetryable reports whether err is a retryable failure.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retryable()
	}
	return KindOf(err) == KindNetwork
}

// ClassifyStatus maps an HTTP status and backend error code to a Kind for a
// generic API call.
func ClassifyStatus(status int, code string) Kind {
	switch {
	case status == http.StatusUnauthorized || code == CodeTokenExpired || code == CodeInvalidToken:
		return KindUnauthorized
	case status == http.StatusConflict || code == CodeConflict:
		return KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindNetwork
	case status >= 500:
		return KindServer
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity || code == CodeValidation:
		return KindValidation
	}
	return KindOther
}
