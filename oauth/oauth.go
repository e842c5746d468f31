// Package oauth runs the provider side of an OAuth login: an
// authorization-code flow with PKCE whose resulting provider token is handed
// to the session controller.
package oauth

import (
	"context"
	"crypto"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/jmcleod/ironsession/internal/util"
)

const stateBytes = 24

var (
	ErrStateMismatch  = errors.New("oauth: state mismatch")
	ErrMissingCode    = errors.New("oauth: missing authorization code")
	ErrExchange       = errors.New("oauth: code exchange failed")
	ErrMissingIDToken = errors.New("oauth: provider returned no id_token")
	ErrInvalidIDToken = errors.New("oauth: id_token verification failed")
)

// Pending is an authorization request waiting for the provider redirect.
// Keep it until the callback arrives; the verifier never leaves the client.
type Pending struct {
	URL      string
	State    string
	Verifier string
}

// Flow is an authorization-code flow against one provider.
type Flow struct {
	provider   string
	config     *oauth2.Config
	verifier   *oidc.IDTokenVerifier
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Flow.
type Option func(*Flow)

// WithIDTokenVerifier requires and verifies an id_token on every exchange.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) Option {
	return func(f *Flow) { f.verifier = v }
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Flow) { f.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) { f.logger = l }
}

// New returns a Flow for provider, the name the backend knows it by.
func New(provider string, config *oauth2.Config, opts ...Option) *Flow {
	f := &Flow{
		provider: provider,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "oauth", "provider", provider)
	return f
}

// NewDiscovered builds a Flow from the provider's OIDC discovery document.
// The provider endpoints are filled in and id_tokens are verified against
// its published key set.
func NewDiscovered(ctx context.Context, provider, issuer string, config oauth2.Config, opts ...Option) (*Flow, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", issuer, err)
	}
	config.Endpoint = p.Endpoint()
	if len(config.Scopes) == 0 {
		config.Scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	v := p.Verifier(&oidc.Config{ClientID: config.ClientID})
	return New(provider, &config, append([]Option{WithIDTokenVerifier(v)}, opts...)...), nil
}

// NewStaticVerifier returns an id_token verifier for issuer and clientID
// that trusts only keys.
func NewStaticVerifier(issuer, clientID string, keys ...crypto.PublicKey) *oidc.IDTokenVerifier {
	return oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: keys}, &oidc.Config{ClientID: clientID})
}

// Provider returns the provider name.
func (f *Flow) Provider() string {
	return f.provider
}

// Begin starts an authorization request with a fresh state and S256 PKCE
// challenge.
func (f *Flow) Begin() (Pending, error) {
	state, err := util.RandomToken(stateBytes)
	if err != nil {
		return Pending{}, err
	}
	verifier := oauth2.GenerateVerifier()
	return Pending{
		URL:      f.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:    state,
		Verifier: verifier,
	}, nil
}

// Complete handles the provider redirect: it checks state, exchanges code
// and returns the token the backend expects, the id_token when present and
// the access token otherwise.
func (f *Flow) Complete(ctx context.Context, p Pending, state, code string) (string, error) {
	if p.State == "" || subtle.ConstantTimeCompare([]byte(p.State), []byte(state)) != 1 {
		return "", ErrStateMismatch
	}
	if code == "" {
		return "", ErrMissingCode
	}
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}

	tok, err := f.config.Exchange(ctx, code, oauth2.VerifierOption(p.Verifier))
	if err != nil {
		f.logger.Warn("code exchange failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrExchange, err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if f.verifier != nil {
		if rawID == "" {
			return "", ErrMissingIDToken
		}
		idToken, err := f.verifier.Verify(ctx, rawID)
		if err != nil {
			f.logger.Warn("id_token rejected", "error", err)
			return "", fmt.Errorf("%w: %w", ErrInvalidIDToken, err)
		}
		f.logger.Debug("id_token verified", "subject", idToken.Subject)
	}
	if rawID != "" {
		return rawID, nil
	}
	return tok.AccessToken, nil
}
