// Package httptransport implements transport.Transport over HTTP/JSON against
// a backend that wraps every payload in a {success, data, error} envelope.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/transport"
)

// Endpoint paths.
const (
	PathLogin           = "/api/v1/auth/login"
	PathRefresh         = "/api/v1/auth/refresh"
	PathLogout          = "/api/v1/auth/logout"
	PathVerifyTwoFactor = "/api/v1/auth/2fa/verify"
	PathOAuthCallback   = "/api/v1/oauth/%s/callback"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodySize    = 4 << 20
	userAgent      = "ironsession/1.0"
)

// Client is an HTTP transport.Transport.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

var _ transport.Transport = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTimeout sets the per-call timeout applied on top of the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = l
	}
}

// New returns a Client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{},
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "httptransport")
	return c, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *envelopeError  `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type authData struct {
	User         *transport.User `json:"user"`
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
	Requires2FA  bool            `json:"requires_2fa"`
	TempToken    string          `json:"temp_token"`
}

func (d *authData) tokens() transport.TokenPair {
	return transport.TokenPair{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ExpiresIn:    time.Duration(d.ExpiresIn) * time.Second,
	}
}

func (d *authData) result() *transport.AuthResult {
	if d.Requires2FA {
		return &transport.AuthResult{User: d.User, TwoFactorRequired: true, ChallengeToken: d.TempToken}
	}
	return &transport.AuthResult{User: d.User, Tokens: d.tokens()}
}

// rawResponse is an HTTP response with the envelope already decoded, if the
// body carried one.
type rawResponse struct {
	status int
	header http.Header
	body   []byte
	env    *envelope
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, header http.Header, body []byte) (*rawResponse, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	u.RawQuery = query.Encode()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, &transport.Failure{Kind: transport.KindOther, Err: err}
	}
	for k, v := range header {
		req.Header[k] = append([]string(nil), v...)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", uuid.New())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return nil, transport.NetworkFailure(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, transport.NetworkFailure(fmt.Errorf("reading response: %w", err))
	}

	raw := &rawResponse{status: resp.StatusCode, header: resp.Header, body: data}
	var env envelope
	if len(data) > 0 && json.Unmarshal(data, &env) == nil && (env.Success || env.Error != nil) {
		raw.env = &env
	}
	return raw, nil
}

func (r *rawResponse) errorCode() string {
	if r.env != nil && r.env.Error != nil {
		return r.env.Error.Code
	}
	return ""
}

func (r *rawResponse) failure(kind transport.Kind) *transport.Failure {
	f := &transport.Failure{Kind: kind, StatusCode: r.status}
	if r.env != nil && r.env.Error != nil {
		f.Code = r.env.Error.Code
		f.Message = r.env.Error.Message
	} else {
		f.Message = http.StatusText(r.status)
	}
	return f
}

// call posts a JSON body to an auth endpoint and decodes the envelope data
// into out. classify maps a non-success response to a failure kind.
func (c *Client) call(ctx context.Context, path string, header http.Header, in, out any, classify func(status int, code string) transport.Kind) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return &transport.Failure{Kind: transport.KindOther, Err: err}
		}
	}
	raw, err := c.send(ctx, http.MethodPost, path, nil, header, body)
	if err != nil {
		return err
	}
	if raw.status < 200 || raw.status >= 300 || (raw.env != nil && !raw.env.Success) {
		return raw.failure(classify(raw.status, raw.errorCode()))
	}
	if out == nil {
		return nil
	}
	if raw.env == nil || len(raw.env.Data) == 0 {
		return &transport.Failure{Kind: transport.KindOther, StatusCode: raw.status, Message: "response has no data"}
	}
	if err := json.Unmarshal(raw.env.Data, out); err != nil {
		return &transport.Failure{Kind: transport.KindOther, StatusCode: raw.status, Message: "decoding response", Err: err}
	}
	return nil
}

func classifyLogin(status int, code string) transport.Kind {
	if status == http.StatusUnauthorized || code == transport.CodeInvalidCredentials {
		return transport.KindInvalidCredentials
	}
	return transport.ClassifyStatus(status, code)
}

func classifyRefresh(status int, code string) transport.Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		code == transport.CodeTokenExpired, code == transport.CodeInvalidToken, code == transport.CodeTokenRevoked:
		return transport.KindInvalidRefreshToken
	}
	return transport.ClassifyStatus(status, code)
}

func (c *Client) Login(ctx context.Context, email, password string) (*transport.AuthResult, error) {
	var data authData
	in := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, PathLogin, nil, in, &data, classifyLogin); err != nil {
		return nil, err
	}
	return data.result(), nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*transport.TokenPair, error) {
	var data authData
	in := map[string]string{"refresh_token": refreshToken}
	if err := c.call(ctx, PathRefresh, nil, in, &data, classifyRefresh); err != nil {
		return nil, err
	}
	if data.AccessToken == "" {
		return nil, &transport.Failure{Kind: transport.KindOther, Message: "refresh response has no access token"}
	}
	tp := data.tokens()
	return &tp, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	h := make(http.Header)
	if accessToken != "" {
		h.Set("Authorization", "Bearer "+accessToken)
	}
	return c.call(ctx, PathLogout, h, nil, nil, transport.ClassifyStatus)
}

func (c *Client) VerifyTwoFactor(ctx context.Context, code, challengeToken string) (*transport.AuthResult, error) {
	var data authData
	in := map[string]string{"code": code, "temp_token": challengeToken}
	if err := c.call(ctx, PathVerifyTwoFactor, nil, in, &data, classifyLogin); err != nil {
		return nil, err
	}
	return data.result(), nil
}

func (c *Client) OAuthExchange(ctx context.Context, provider, providerToken string) (*transport.AuthResult, error) {
	var data authData
	in := map[string]string{"code": providerToken}
	path := fmt.Sprintf(PathOAuthCallback, url.PathEscape(provider))
	if err := c.call(ctx, path, nil, in, &data, classifyLogin); err != nil {
		return nil, err
	}
	return data.result(), nil
}

func (c *Client) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if req == nil || req.Path == "" {
		return nil, &transport.Failure{Kind: transport.KindValidation, Message: "request path is required"}
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	raw, err := c.send(ctx, method, req.Path, req.Query, req.Header, req.Body)
	if err != nil {
		return nil, err
	}
	return &transport.Response{
		StatusCode: raw.status,
		Header:     raw.header,
		Body:       raw.body,
		ErrorCode:  raw.errorCode(),
	}, nil
}
