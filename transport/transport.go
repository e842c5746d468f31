// Package transport defines the network boundary of the session client: the
// auth endpoints the controller calls, and a generic request path used by the
// request gate and the offline queue.
package transport

import (
	"context"
	"time"
)

// User is the profile snapshot returned by the backend on login and profile fetch.
type User struct {
	ID               string   `json:"id"`
	Email            string   `json:"email"`
	Name             string   `json:"name,omitempty"`
	FullName         string   `json:"full_name,omitempty"`
	Roles            []string `json:"roles,omitempty"`
	Permissions      []string `json:"permissions,omitempty"`
	TwoFactorEnabled bool     `json:"two_factor_enabled"`
	EmailVerified    bool     `json:"email_verified"`
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Roles = append([]string(nil), u.Roles...)
	c.Permissions = append([]string(nil), u.Permissions...)
	return &c
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenPair is the credential set issued by login and refresh. RefreshToken
// may be empty on refresh when the backend does not rotate it.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	// ExpiresIn is the access token lifetime. Zero means unknown.
	ExpiresIn time.Duration
}

// AuthResult is the outcome of a login-like call. When TwoFactorRequired is
// set, Tokens is empty and ChallengeToken must be presented to VerifyTwoFactor.
type AuthResult struct {
	User              *User
	Tokens            TokenPair
	TwoFactorRequired bool
	ChallengeToken    string
}

// Transport performs the network calls the session client depends on. Every
// failure is reported as a *Failure.
type Transport interface {
	Login(ctx context.Context, email, password string) (*AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)
	// Logout revokes the session server-side. Callers treat it as best effort.
	Logout(ctx context.Context, accessToken string) error
	VerifyTwoFactor(ctx context.Context, code, challengeToken string) (*AuthResult, error)
	OAuthExchange(ctx context.Context, provider, providerToken string) (*AuthResult, error)

	// Do sends an arbitrary API request. Any HTTP status yields a Response;
	// an error is returned only when no response was received.
	Do(ctx context.Context, req *Request) (*Response, error)
}
