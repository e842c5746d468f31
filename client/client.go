// Package client wires the session controller, request gate, offline queue
// and response cache into the API an application talks to.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironsession/connectivity"
	"github.com/jmcleod/ironsession/gate"
	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/telemetry"
	"github.com/jmcleod/ironsession/oauth"
	"github.com/jmcleod/ironsession/offline"
	"github.com/jmcleod/ironsession/session"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/transport"
)

// MaintenanceDisabled turns off scheduled maintenance when used as
// Options.MaintenanceSchedule.
const MaintenanceDisabled = "off"

// Options configures a Client. Store and Transport are required.
type Options struct {
	Store     storage.Store
	Transport transport.Transport
	// Monitor reports connectivity. Defaults to a Manual monitor reporting
	// Online.
	Monitor connectivity.Monitor

	Queue               offline.Config
	CacheCapacity       int
	CacheMaxAge         time.Duration
	MaintenanceSchedule string

	RefreshSkew      time.Duration
	DefaultTokenTTL  time.Duration
	OperationTimeout time.Duration

	Clock          clockwork.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Alerts         *metrics.Alerts
	Reporter       telemetry.Reporter
	TracerProvider trace.TracerProvider
}

// Client is the application-facing facade.
type Client struct {
	ctrl    *session.Controller
	gate    *gate.Gate
	queue   *offline.Queue
	cache   *offline.Cache
	maint   *offline.Maintainer
	monitor connectivity.Monitor
	logger  *slog.Logger

	schedule  string
	startOnce sync.Once
	closeOnce sync.Once
	closers   []func() error
}

// New builds a Client. Nothing touches the network until Start.
func New(ctx context.Context, o Options) (*Client, error) {
	if o.Store == nil || o.Transport == nil {
		return nil, errors.New("client: store and transport are required")
	}
	if o.Monitor == nil {
		o.Monitor = connectivity.NewManual(connectivity.Online)
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Reporter == nil {
		o.Reporter = telemetry.NopReporter{}
	}

	sopts := []session.Option{
		session.WithClock(o.Clock),
		session.WithLogger(o.Logger),
		session.WithMetrics(o.Metrics),
		session.WithAlerts(o.Alerts),
		session.WithReporter(o.Reporter),
		session.WithTracerProvider(o.TracerProvider),
	}
	if o.RefreshSkew != 0 {
		sopts = append(sopts, session.WithRefreshSkew(o.RefreshSkew))
	}
	if o.DefaultTokenTTL > 0 {
		sopts = append(sopts, session.WithDefaultTokenTTL(o.DefaultTokenTTL))
	}
	if o.OperationTimeout > 0 {
		sopts = append(sopts, session.WithOperationTimeout(o.OperationTimeout))
	}
	ctrl := session.New(o.Store, o.Transport, sopts...)

	cache, err := offline.NewCache(o.Store, o.CacheCapacity,
		offline.WithCacheClock(o.Clock),
		offline.WithCacheLogger(o.Logger),
		offline.WithCacheMetrics(o.Metrics),
	)
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	g := gate.New(ctrl, o.Transport,
		gate.WithMonitor(o.Monitor),
		gate.WithCache(cache, o.CacheMaxAge),
		gate.WithLogger(o.Logger),
		gate.WithMetrics(o.Metrics),
		gate.WithTracerProvider(o.TracerProvider),
	)

	q, err := offline.New(ctx, o.Store, g, o.Queue,
		offline.WithOwner(func() string { return userID(ctrl.Current()) }),
		offline.WithMonitor(o.Monitor),
		offline.WithClock(o.Clock),
		offline.WithLogger(o.Logger),
		offline.WithMetrics(o.Metrics),
		offline.WithAlerts(o.Alerts),
		offline.WithReporter(o.Reporter),
		offline.WithTracerProvider(o.TracerProvider),
	)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("loading offline queue: %w", err)
	}

	c := &Client{
		ctrl:     ctrl,
		gate:     g,
		queue:    q,
		cache:    cache,
		maint:    offline.NewMaintainer(q, cache, o.CacheMaxAge, o.Logger),
		monitor:  o.Monitor,
		logger:   o.Logger.With("component", "client"),
		schedule: o.MaintenanceSchedule,
	}
	c.closers = append(c.closers, c.clearOnSignOut())
	return c, nil
}

func userID(s session.Session) string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// clearOnSignOut drops cached responses whenever the session generation
// moves on, which covers logout and a terminal purge after a rejected
// refresh.
func (c *Client) clearOnSignOut() func() error {
	var gen uint64
	first := true
	unsubscribe := c.ctrl.Observe(func(s session.Session) {
		if first {
			gen, first = s.Generation, false
			return
		}
		if s.Generation == gen {
			return
		}
		gen = s.Generation
		c.clearCache(context.Background())
	})
	return func() error {
		unsubscribe()
		return nil
	}
}

func (c *Client) clearCache(ctx context.Context) {
	n, err := c.cache.ClearCache(ctx, "")
	if err != nil {
		c.logger.Warn("clearing response cache", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("response cache cleared", "entries", n)
	}
}

// Start restores the persisted session, starts scheduled maintenance and
// drains anything left in the queue. It returns the restored session; a
// restore error leaves the client usable.
func (c *Client) Start(ctx context.Context) (session.Session, error) {
	s, err := c.ctrl.RestoreSession(ctx)
	c.startOnce.Do(func() {
		if c.schedule != MaintenanceDisabled {
			if serr := c.maint.Start(c.schedule); serr != nil {
				c.logger.Warn("maintenance not scheduled", "error", serr)
			}
		}
		if st := c.queue.Status(); st.Online && st.Pending > 0 && s.Authenticated() {
			c.queue.Kick()
		}
	})
	return s, err
}

// Observe registers fn for session changes. fn is called with the current
// session first.
func (c *Client) Observe(fn func(session.Session)) (unsubscribe func()) {
	return c.ctrl.Observe(fn)
}

// CurrentSession returns the session snapshot.
func (c *Client) CurrentSession() session.Session {
	return c.ctrl.Current()
}

func (c *Client) Login(ctx context.Context, email, password string) (session.Session, error) {
	s, err := c.ctrl.Login(ctx, email, password)
	if err == nil && s.Authenticated() {
		c.kickIfPending()
	}
	return s, err
}

func (c *Client) VerifyTwoFactor(ctx context.Context, code string) (session.Session, error) {
	s, err := c.ctrl.VerifyTwoFactor(ctx, code)
	if err == nil && s.Authenticated() {
		c.kickIfPending()
	}
	return s, err
}

// LoginWithOAuthCode completes a provider redirect and signs in with the
// resulting provider token.
func (c *Client) LoginWithOAuthCode(ctx context.Context, flow *oauth.Flow, p oauth.Pending, state, code string) (session.Session, error) {
	tok, err := flow.Complete(ctx, p, state, code)
	if err != nil {
		return c.ctrl.Current(), err
	}
	s, err := c.ctrl.LoginWithOAuth(ctx, flow.Provider(), tok)
	if err == nil && s.Authenticated() {
		c.kickIfPending()
	}
	return s, err
}

// Logout signs out and clears the response cache. Queued actions stay
// queued but are only sent once the user who queued them signs in again.
func (c *Client) Logout(ctx context.Context) (session.Session, error) {
	s, err := c.ctrl.Logout(ctx)
	c.clearCache(ctx)
	return s, err
}

func (c *Client) Refresh(ctx context.Context) (session.Session, error) {
	return c.ctrl.Refresh(ctx)
}

// Execute sends req through the gate.
func (c *Client) Execute(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return c.gate.Execute(ctx, req)
}

// EnqueueAction queues a mutating request for ordered delivery and starts a
// drain when the backend is reachable.
func (c *Client) EnqueueAction(ctx context.Context, req *transport.Request) (offline.PendingAction, error) {
	a, err := c.queue.Enqueue(ctx, req)
	if err != nil {
		return a, err
	}
	c.kickIfPending()
	return a, nil
}

// Submit sends req now when possible and queues it otherwise.
func (c *Client) Submit(ctx context.Context, req *transport.Request) (*offline.Result, error) {
	return c.queue.Submit(ctx, req)
}

// OfflineStatus reports connectivity and queue sizes.
func (c *Client) OfflineStatus() offline.Status {
	return c.queue.Status()
}

// SetCacheMaxAge changes how old a cached response may be when served or
// kept by maintenance.
func (c *Client) SetCacheMaxAge(d time.Duration) {
	c.gate.SetCacheMaxAge(d)
	c.maint.SetMaxAge(d)
}

func (c *Client) Controller() *session.Controller { return c.ctrl }
func (c *Client) Queue() *offline.Queue           { return c.queue }
func (c *Client) Cache() *offline.Cache           { return c.cache }
func (c *Client) Monitor() connectivity.Monitor   { return c.monitor }

func (c *Client) kickIfPending() {
	if st := c.queue.Status(); st.Online && st.Pending > 0 {
		c.queue.Kick()
	}
}

// Close stops maintenance, background drains and the proactive refresh
// timer, then releases resources registered by Open.
func (c *Client) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		c.maint.Stop()
		c.queue.Close()
		c.ctrl.Close()
		for i := len(c.closers) - 1; i >= 0; i-- {
			if err := c.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
