// Package gate sends API requests on behalf of the current session. It
// attaches the bearer token, waits out logins and refreshes, and replays a
// request exactly once after a 401 by joining the session's single-flight
// refresh.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/telemetry"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/transport"
)

var (
	// ErrUnauthorized means the backend rejected the request even after a
	// refresh, or the refresh itself failed.
	ErrUnauthorized = errors.New("gate: unauthorized")
	// ErrOffline means the device is offline and no cached response exists.
	ErrOffline = errors.New("gate: offline and no cached response")
)

// Authenticator is the view of the session controller the gate needs.
type Authenticator interface {
	Current() session.Session
	Ready() <-chan struct{}
	WaitIdle(ctx context.Context) (session.Session, error)
	RefreshStale(ctx context.Context, staleAccessToken string) (session.Session, error)
}

var _ Authenticator = (*session.Controller)(nil)

// Cache stores GET responses by request fingerprint.
type Cache interface {
	CacheData(ctx context.Context, key string, value any) error
	GetCachedData(ctx context.Context, key string, maxAge time.Duration) (json.RawMessage, bool, error)
}

type cachedResponse struct {
	StatusCode int    `json:"status"`
	Body       []byte `json:"body"`
}

// Gate executes requests through a Transport.
type Gate struct {
	auth      Authenticator
	transport transport.Transport
	monitor   connectivity.Monitor
	cache     Cache
	maxAge    atomic.Int64
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

// Option configures a Gate.
type Option func(*Gate)

// WithMonitor consults m before sending; offline GETs are served from cache.
func WithMonitor(m connectivity.Monitor) Option {
	return func(g *Gate) { g.monitor = m }
}

// WithCache caches successful GET responses and serves entries younger than
// maxAge when the backend cannot be reached.
func WithCache(c Cache, maxAge time.Duration) Option {
	return func(g *Gate) {
		g.cache = c
		g.maxAge.Store(int64(maxAge))
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

// WithMetrics records request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithTracerProvider sets the tracer provider for gate spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Gate) { g.tracer = telemetry.Tracer(tp) }
}

// New returns a Gate that authorizes requests with auth.
func New(auth Authenticator, tr transport.Transport, opts ...Option) *Gate {
	g := &Gate{
		auth:      auth,
		transport: tr,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.tracer == nil {
		g.tracer = telemetry.Tracer(nil)
	}
	g.logger = g.logger.With("component", "gate")
	return g
}

// SetCacheMaxAge changes the age limit for cached responses served from now
// on.
func (g *Gate) SetCacheMaxAge(d time.Duration) {
	g.maxAge.Store(int64(d))
}

// Execute sends req. A non-2xx response is returned together with its
// *transport.Failure. Network failures are returned unchanged; the gate
// never retries them.
func (g *Gate) Execute(ctx context.Context, req *transport.Request) (resp *transport.Response, err error) {
	ctx, span := telemetry.Start(ctx, g.tracer, "gate.execute",
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
	)
	retried := false
	defer func() {
		span.SetAttributes(attribute.Bool("gate.retried", retried))
		telemetry.End(span, err)
		g.metrics.GateRequest(gateOutcome(resp, err, retried))
	}()

	status := connectivity.Online
	if g.monitor != nil {
		status = g.monitor.Current()
	}
	if status == connectivity.Offline {
		if cached, ok := g.fromCache(ctx, req); ok {
			return cached, nil
		}
		if req.Mutating() {
			return nil, transport.NetworkFailure(ErrOffline)
		}
		return nil, ErrOffline
	}

	token := ""
	if !req.Public {
		s, err := g.authorize(ctx)
		if err != nil {
			return nil, err
		}
		token = s.AccessToken
	}

	resp, err = g.send(ctx, req, token)
	if err != nil {
		return g.fallback(ctx, req, resp, err)
	}
	if req.Public || !resp.Unauthorized() {
		return g.finish(ctx, req, resp, status)
	}

	// Rejected token: join the refresh, then replay once.
	s, rerr := g.auth.RefreshStale(ctx, token)
	if rerr != nil {
		if errors.Is(rerr, session.ErrTransientNetwork) {
			return resp, rerr
		}
		return resp, fmt.Errorf("%w: %w", ErrUnauthorized, rerr)
	}
	if !s.Authenticated() {
		return resp, fmt.Errorf("%w: %w", ErrUnauthorized, session.ErrNotAuthenticated)
	}
	retried = true
	resp, err = g.send(ctx, req, s.AccessToken)
	if err != nil {
		return g.fallback(ctx, req, resp, err)
	}
	if resp.Unauthorized() {
		return resp, fmt.Errorf("%w: %w", ErrUnauthorized, resp.Err())
	}
	return g.finish(ctx, req, resp, status)
}

// authorize waits for cold start and for any login or refresh to settle, and
// returns a session holding an access token.
func (g *Gate) authorize(ctx context.Context) (session.Session, error) {
	select {
	case <-g.auth.Ready():
	case <-ctx.Done():
		return session.Session{}, ctx.Err()
	}
	s, err := g.auth.WaitIdle(ctx)
	if err != nil {
		return s, err
	}
	if s.Authenticated() {
		return s, nil
	}
	if !s.HasRefreshToken() {
		return s, session.ErrNotAuthenticated
	}
	// Error status: tokens survived a transient failure, try again.
	s, err = g.auth.RefreshStale(ctx, "")
	if err != nil {
		return s, err
	}
	if !s.Authenticated() {
		return s, session.ErrNotAuthenticated
	}
	return s, nil
}

func (g *Gate) send(ctx context.Context, req *transport.Request, token string) (*transport.Response, error) {
	out := req.Clone()
	if token != "" {
		out.SetBearer(token)
	}
	resp, err := g.transport.Do(ctx, out)
	if err != nil {
		if transport.KindOf(err) == transport.KindOther {
			err = transport.NetworkFailure(err)
		}
		return nil, err
	}
	return resp, nil
}

// finish caches successful GETs and turns non-2xx responses into failures.
// Under limited connectivity a 5xx GET falls back to the cache.
func (g *Gate) finish(ctx context.Context, req *transport.Request, resp *transport.Response, status connectivity.Status) (*transport.Response, error) {
	if resp.OK() {
		g.store(ctx, req, resp)
		return resp, nil
	}
	ferr := resp.Err()
	if status == connectivity.Limited && transport.KindOf(ferr) == transport.KindServer {
		if cached, ok := g.fromCache(ctx, req); ok {
			return cached, nil
		}
	}
	return resp, ferr
}

func (g *Gate) fallback(ctx context.Context, req *transport.Request, resp *transport.Response, err error) (*transport.Response, error) {
	if transport.KindOf(err) == transport.KindNetwork {
		if cached, ok := g.fromCache(ctx, req); ok {
			g.logger.Debug("serving cached response", "fingerprint", req.Fingerprint(), "error", err)
			return cached, nil
		}
	}
	return resp, err
}

func (g *Gate) store(ctx context.Context, req *transport.Request, resp *transport.Response) {
	if g.cache == nil || req.Mutating() || resp.FromCache {
		return
	}
	entry := cachedResponse{StatusCode: resp.StatusCode, Body: resp.Body}
	if err := g.cache.CacheData(ctx, req.Fingerprint(), entry); err != nil {
		g.logger.Warn("caching response", "fingerprint", req.Fingerprint(), "error", err)
	}
}

// fromCache serves protected entries only while the session still holds a
// refresh token, so a logged-out user never reads the previous user's data.
func (g *Gate) fromCache(ctx context.Context, req *transport.Request) (*transport.Response, bool) {
	if g.cache == nil || req.Mutating() {
		return nil, false
	}
	if !req.Public && !g.auth.Current().HasRefreshToken() {
		return nil, false
	}
	raw, ok, err := g.cache.GetCachedData(ctx, req.Fingerprint(), time.Duration(g.maxAge.Load()))
	if err != nil {
		g.logger.Warn("reading cached response", "fingerprint", req.Fingerprint(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry cachedResponse
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &transport.Response{StatusCode: entry.StatusCode, Body: entry.Body, FromCache: true}, true
}

func gateOutcome(resp *transport.Response, err error, retried bool) string {
	switch {
	case err == nil && resp != nil && resp.FromCache:
		return "cache"
	case err == nil && retried:
		return "retried"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, session.ErrNotAuthenticated):
		return "unauthorized"
	case errors.Is(err, ErrOffline):
		return "offline"
	case transport.KindOf(err) == transport.KindNetwork:
		return "network"
	default:
		return "error"
	}
}
