// Package transporttest provides a scriptable Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jmcleod/ironsession/transport"
)

// Call names accepted by Fake.Calls.
const (
	CallLogin   = "login"
	CallRefresh = "refresh"
	CallLogout  = "logout"
	CallVerify  = "verify_2fa"
	CallOAuth   = "oauth"
	CallDo      = "do"
)

// Fake is a Transport whose behavior is set per call with the Fn hooks. A nil
// hook succeeds with generated tokens numbered by token-issuing call, so the
// first login yields access-1 and the next refresh access-2. Hooks must be set before the Fake is
// used concurrently.
type Fake struct {
	LoginFn   func(ctx context.Context, email, password string) (*transport.AuthResult, error)
	RefreshFn func(ctx context.Context, refreshToken string) (*transport.TokenPair, error)
	LogoutFn  func(ctx context.Context, accessToken string) error
	VerifyFn  func(ctx context.Context, code, challengeToken string) (*transport.AuthResult, error)
	OAuthFn   func(ctx context.Context, provider, providerToken string) (*transport.AuthResult, error)
	DoFn      func(ctx context.Context, req *transport.Request) (*transport.Response, error)

	mu       sync.Mutex
	calls    map[string]int
	seq      int
	requests []*transport.Request
}

var _ transport.Transport = (*Fake)(nil)

func (f *Fake) record(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	if name != CallDo && name != CallLogout {
		f.seq++
	}
	return f.seq
}

// Calls returns how many times the named call was made.
func (f *Fake) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

// Requests returns copies of every request passed to Do, in order.
func (f *Fake) Requests() []*transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*transport.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *Fake) Login(ctx context.Context, email, password string) (*transport.AuthResult, error) {
	n := f.record(CallLogin)
	if f.LoginFn != nil {
		return f.LoginFn(ctx, email, password)
	}
	return &transport.AuthResult{User: User(), Tokens: Pair(n)}, nil
}

func (f *Fake) Refresh(ctx context.Context, refreshToken string) (*transport.TokenPair, error) {
	n := f.record(CallRefresh)
	if f.RefreshFn != nil {
		return f.RefreshFn(ctx, refreshToken)
	}
	p := Pair(n)
	return &p, nil
}

func (f *Fake) Logout(ctx context.Context, accessToken string) error {
	f.record(CallLogout)
	if f.LogoutFn != nil {
		return f.LogoutFn(ctx, accessToken)
	}
	return nil
}

func (f *Fake) VerifyTwoFactor(ctx context.Context, code, challengeToken string) (*transport.AuthResult, error) {
	n := f.record(CallVerify)
	if f.VerifyFn != nil {
		return f.VerifyFn(ctx, code, challengeToken)
	}
	return &transport.AuthResult{User: User(), Tokens: Pair(n)}, nil
}

func (f *Fake) OAuthExchange(ctx context.Context, provider, providerToken string) (*transport.AuthResult, error) {
	n := f.record(CallOAuth)
	if f.OAuthFn != nil {
		return f.OAuthFn(ctx, provider, providerToken)
	}
	return &transport.AuthResult{User: User(), Tokens: Pair(n)}, nil
}

func (f *Fake) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	f.record(CallDo)
	f.mu.Lock()
	f.requests = append(f.requests, req.Clone())
	f.mu.Unlock()
	if f.DoFn != nil {
		return f.DoFn(ctx, req)
	}
	return &transport.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
}

// User returns the profile the default hooks log in as.
func User() *transport.User {
	return &transport.User{ID: "user-1", Email: "user@example.com", Name: "Test User", Roles: []string{"member"}}
}

// Pair returns a distinct token pair for n with a 15 minute lifetime.
func Pair(n int) transport.TokenPair {
	return transport.TokenPair{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresIn:    15 * time.Minute,
	}
}

// Unauthorized returns the failure the backend produces for a rejected token.
func Unauthorized(code string) error {
	return &transport.Failure{Kind: transport.KindUnauthorized, StatusCode: http.StatusUnauthorized, Code: code}
}

// InvalidRefresh returns a rejected-refresh-token failure.
func InvalidRefresh() error {
	return &transport.Failure{Kind: transport.KindInvalidRefreshToken, StatusCode: http.StatusUnauthorized, Code: transport.CodeTokenRevoked}
}

// InvalidCredentials returns a rejected-login failure.
func InvalidCredentials() error {
	return &transport.Failure{Kind: transport.KindInvalidCredentials, StatusCode: http.StatusUnauthorized, Code: transport.CodeInvalidCredentials}
}

// Network returns a connection failure.
func Network() error {
	return transport.NetworkFailure(errors.New("connection refused"))
}

// ServerError returns a 5xx failure.
func ServerError() error {
	return &transport.Failure{Kind: transport.KindServer, StatusCode: http.StatusInternalServerError}
}

// Status returns a Do hook that answers every request with status.
func Status(status int, code string) func(context.Context, *transport.Request) (*transport.Response, error) {
	return func(context.Context, *transport.Request) (*transport.Response, error) {
		return &transport.Response{StatusCode: status, ErrorCode: code, Body: []byte(`{}`)}, nil
	}
}
