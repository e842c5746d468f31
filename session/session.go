// Package session owns the client's authentication state: the tokens, the
// status machine that moves between them, and the refresh discipline that
// keeps them fresh.
//
// A Controller is the only writer of session state. Everything else reads an
// immutable Session snapshot through Current or Observe.
package session

import (
	"time"

	"github.com/jmcleod/ironsession/transport"
)

// Status is the state of the session machine.
type Status int

const (
	StatusUnauthenticated Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusRefreshing
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusUnauthenticated:
		return "unauthenticated"
	case StatusAuthenticating:
		return "authenticating"
	case StatusAuthenticated:
		return "authenticated"
	case StatusRefreshing:
		return "refreshing"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// User is the profile snapshot held by the session.
type User = transport.User

// Session is an immutable snapshot of the authentication state. A new value
// is published on every transition; fields, including *User, must not be
// modified by readers.
type Session struct {
	Status Status
	// AccessToken is set only while Status is Authenticated or Refreshing.
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
	User              *User
	// LastError classifies the most recent failure. It is cleared by the next
	// successful login or refresh.
	LastError error
	// ChallengeToken is set while a two-factor login awaits its code.
	ChallengeToken string
	// Generation increments on logout and terminal purge.
	Generation uint64
	UpdatedAt  time.Time
}

// Authenticated reports whether the session can authorize requests.
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated && s.AccessToken != ""
}

// Busy reports whether a login or refresh is in progress.
func (s Session) Busy() bool {
	return s.Status == StatusAuthenticating || s.Status == StatusRefreshing
}

// HasRefreshToken reports whether the session can be refreshed.
func (s Session) HasRefreshToken() bool {
	return s.RefreshToken != ""
}

// TwoFactorPending reports whether a login is waiting for VerifyTwoFactor.
func (s Session) TwoFactorPending() bool {
	return s.ChallengeToken != ""
}

// ExpiresWithin reports whether the access token expires within d of now.
func (s Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s.AccessTokenExpiry.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.AccessTokenExpiry)
}
