package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/telemetry"
	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/internal/uuid"
	"github.com/jmcleod/ironsession/storage"
	"github.com/jmcleod/ironsession/transport"
)

const (
	opLogin           = "login"
	opVerifyTwoFactor = "verify_2fa"
	opOAuth           = "oauth"
	opRefresh         = "refresh"
	opLogout          = "logout"
	opRestore         = "restore"
	opProfile         = "update_profile"
)

// Controller is the sole mutator of the session. It is safe for concurrent use.
type Controller struct {
	store     storage.Store
	transport transport.Transport
	clock     clockwork.Clock
	logger    *slog.Logger
	audit     *auditLogger
	metrics   *metrics.Metrics
	alerts    *metrics.Alerts
	reporter  telemetry.Reporter
	tracer    trace.Tracer

	refreshSkew time.Duration
	defaultTTL  time.Duration
	opTimeout   time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	snap atomic.Pointer[Session]

	// mu serializes transitions. tokenMu serializes token writes against
	// purges; mu may be taken while holding tokenMu, never the reverse.
	mu      sync.Mutex
	tokenMu sync.Mutex
	auxMu   sync.Mutex

	gen           uint64
	authActive    bool
	authGen       uint64
	refreshActive bool
	refreshGen    uint64
	changed       chan struct{}
	subs          map[*subscriber]struct{}
	timer         clockwork.Timer
	closed        bool

	flight    singleflight.Group
	ready     chan struct{}
	readyOnce sync.Once
}

// New returns a Controller in the Unauthenticated state. Call RestoreSession
// to pick up a persisted session.
func New(store storage.Store, tr transport.Transport, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		transport:   tr,
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
		reporter:    telemetry.NopReporter{},
		refreshSkew: defaultRefreshSkew,
		defaultTTL:  DefaultTokenTTL,
		opTimeout:   defaultOpTimeout,
		changed:     make(chan struct{}),
		subs:        make(map[*subscriber]struct{}),
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = telemetry.Tracer(nil)
	}
	c.audit = newAuditLogger(c.logger, c.clock, c.alerts)
	c.logger = c.logger.With("component", "session")
	c.baseCtx, c.cancel = context.WithCancel(context.Background())
	c.snap.Store(&Session{Status: StatusUnauthenticated, UpdatedAt: c.clock.Now()})
	return c
}

// Current returns the latest snapshot without locking.
func (c *Controller) Current() Session {
	return *c.snap.Load()
}

// Ready is closed once RestoreSession has finished, or once the first login
// or logout has completed on a controller that never restores.
func (c *Controller) Ready() <-chan struct{} {
	return c.ready
}

func (c *Controller) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// WaitIdle blocks while a login or refresh is in progress and returns the
// first snapshot that is not busy.
func (c *Controller) WaitIdle(ctx context.Context) (Session, error) {
	for {
		c.mu.Lock()
		s := *c.snap.Load()
		ch := c.changed
		c.mu.Unlock()
		if !s.Busy() {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return s, ctx.Err()
		}
	}
}

// Observe registers fn for every future snapshot and immediately replays the
// current one. Calls to fn are sequential, in transition order, and never
// made while the controller holds its lock. After Close, fn receives only
// the replay.
func (c *Controller) Observe(fn func(Session)) (unsubscribe func()) {
	sub := newSubscriber(fn)
	c.mu.Lock()
	sub.push(*c.snap.Load())
	if c.closed {
		sub.finish()
	} else {
		c.subs[sub] = struct{}{}
	}
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		sub.stop()
	}
}

// setLocked publishes next and returns it as stored. c.mu must be held.
func (c *Controller) setLocked(next Session) Session {
	prev := c.snap.Load()
	next.Generation = c.gen
	next.UpdatedAt = c.clock.Now()
	c.snap.Store(&next)
	close(c.changed)
	c.changed = make(chan struct{})
	for sub := range c.subs {
		sub.push(next)
	}
	if prev.Status != next.Status {
		c.metrics.Transition(next.Status.String())
	}
	return next
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && !c.closed
}

func (c *Controller) busyLocked() bool {
	return (c.authActive && c.authGen == c.gen) || (c.refreshActive && c.refreshGen == c.gen)
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout > 0 {
		return context.WithTimeout(ctx, c.opTimeout)
	}
	return context.WithCancel(ctx)
}

// Login authenticates with email and password. Tokens are persisted before
// the session reports Authenticated. A second login while one is in flight
// fails with ErrConcurrentOperation.
func (c *Controller) Login(ctx context.Context, email, password string) (Session, error) {
	email = util.NormalizeEmail(email)
	if err := ValidateCredentials(email, password); err != nil {
		c.metrics.Login("password", outcome(err))
		return c.Current(), err
	}
	return c.authenticate(ctx, opLogin, "password", func(ctx context.Context) (*transport.AuthResult, error) {
		return c.transport.Login(ctx, email, password)
	})
}

// VerifyTwoFactor completes a login that returned ErrTwoFactorRequired.
func (c *Controller) VerifyTwoFactor(ctx context.Context, code string) (Session, error) {
	if err := ValidateTwoFactorCode(code); err != nil {
		c.metrics.Login("2fa", outcome(err))
		return c.Current(), err
	}
	challenge := c.Current().ChallengeToken
	if challenge == "" {
		return c.Current(), newError(ErrValidation, opVerifyTwoFactor, ErrNoChallenge)
	}
	return c.authenticate(ctx, opVerifyTwoFactor, "2fa", func(ctx context.Context) (*transport.AuthResult, error) {
		return c.transport.VerifyTwoFactor(ctx, code, challenge)
	})
}

// LoginWithOAuth exchanges a provider token for a session.
func (c *Controller) LoginWithOAuth(ctx context.Context, provider, providerToken string) (Session, error) {
	if provider == "" || providerToken == "" {
		return c.Current(), newError(ErrValidation, opOAuth, errors.New("provider and token are required"))
	}
	return c.authenticate(ctx, opOAuth, "oauth_"+provider, func(ctx context.Context) (*transport.AuthResult, error) {
		return c.transport.OAuthExchange(ctx, provider, providerToken)
	})
}

func (c *Controller) authenticate(ctx context.Context, op, method string, call func(context.Context) (*transport.AuthResult, error)) (s Session, err error) {
	ctx, span := telemetry.Start(ctx, c.tracer, "session."+op, attribute.String("auth.method", method))
	defer func() { telemetry.End(span, err) }()
	defer c.markReady()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.Current(), newError(ErrClosed, op, nil)
	}
	if c.busyLocked() {
		c.mu.Unlock()
		err = newError(ErrConcurrentOperation, op, nil)
		c.metrics.Login(method, outcome(err))
		return c.Current(), err
	}
	gen := c.gen
	prev := *c.snap.Load()
	c.authActive, c.authGen = true, gen
	next := prev
	next.Status = StatusAuthenticating
	next.AccessToken = ""
	c.setLocked(next)
	c.mu.Unlock()

	callCtx, cancel := c.callContext(ctx)
	res, callErr := call(callCtx)
	cancel()
	if callErr == nil && res == nil {
		callErr = errors.New("empty auth result")
	}
	if callErr == nil && res.TwoFactorRequired && res.ChallengeToken == "" {
		callErr = errors.New("two-factor challenge token missing")
	}

	if callErr != nil {
		cerr := classify(op, callErr)
		c.mu.Lock()
		c.endAuthLocked(gen)
		if c.gen != gen {
			c.mu.Unlock()
			return c.Current(), newError(ErrSuperseded, op, nil)
		}
		restore := prev
		restore.LastError = cerr
		stored := c.setLocked(restore)
		c.mu.Unlock()
		c.audit.logFailure(ctx, AuditLoginFailure, cerr, slog.String("method", method))
		c.metrics.Login(method, outcome(cerr))
		return stored, cerr
	}

	if res.TwoFactorRequired {
		return c.awaitTwoFactor(ctx, op, method, gen, prev, res)
	}

	expiry := c.expiryFor(res.Tokens)
	user := res.User.Clone()

	c.tokenMu.Lock()
	if !c.current(gen) {
		c.tokenMu.Unlock()
		c.abandonAuth(gen)
		return c.Current(), newError(ErrSuperseded, op, nil)
	}
	perr := c.persist(ctx, res.Tokens, expiry, user)
	c.tokenMu.Unlock()

	c.mu.Lock()
	c.endAuthLocked(gen)
	if c.gen != gen {
		c.mu.Unlock()
		return c.Current(), newError(ErrSuperseded, op, nil)
	}
	if perr != nil {
		serr := storageError(op, perr)
		restore := prev
		restore.LastError = serr
		stored := c.setLocked(restore)
		c.mu.Unlock()
		c.metrics.Login(method, outcome(serr))
		return stored, serr
	}
	stored := c.setLocked(Session{
		Status:            StatusAuthenticated,
		AccessToken:       res.Tokens.AccessToken,
		RefreshToken:      res.Tokens.RefreshToken,
		AccessTokenExpiry: expiry,
		User:              user,
	})
	c.scheduleRefreshLocked(expiry, gen)
	c.mu.Unlock()

	c.audit.logEvent(ctx, AuditLoginSuccess, user, slog.String("method", method))
	c.metrics.Login(method, "success")
	return stored, nil
}

// awaitTwoFactor parks the session in Unauthenticated with the challenge
// token. A session that existed before this login is purged, since the new
// login replaces it.
func (c *Controller) awaitTwoFactor(ctx context.Context, op, method string, gen uint64, prev Session, res *transport.AuthResult) (Session, error) {
	replacing := prev.HasRefreshToken()
	if replacing {
		c.tokenMu.Lock()
		defer c.tokenMu.Unlock()
	}
	c.mu.Lock()
	c.endAuthLocked(gen)
	if c.gen != gen {
		c.mu.Unlock()
		return c.Current(), newError(ErrSuperseded, op, nil)
	}
	if replacing {
		c.gen++
		c.stopTimerLocked()
	}
	stored := c.setLocked(Session{
		Status:         StatusUnauthenticated,
		User:           res.User.Clone(),
		ChallengeToken: res.ChallengeToken,
	})
	c.mu.Unlock()

	if replacing {
		if err := storage.DeleteKeys(ctx, c.store, storage.SessionKeys...); err != nil {
			c.logger.Error("clearing replaced session", "error", err)
		}
	}
	c.audit.logEvent(ctx, AuditTwoFactorRequired, res.User, slog.String("method", method))
	c.metrics.Login(method, "two_factor")
	return stored, newError(ErrTwoFactorRequired, op, nil)
}

func (c *Controller) endAuthLocked(gen uint64) {
	if c.authGen == gen {
		c.authActive = false
	}
}

func (c *Controller) abandonAuth(gen uint64) {
	c.mu.Lock()
	c.endAuthLocked(gen)
	c.mu.Unlock()
}

// persist writes the token set in one SetMany. user is written only when
// non-nil.
func (c *Controller) persist(ctx context.Context, tokens transport.TokenPair, expiry time.Time, user *User) error {
	values := map[string]string{
		storage.KeyAccessToken:       tokens.AccessToken,
		storage.KeyRefreshToken:      tokens.RefreshToken,
		storage.KeyAccessTokenExpiry: expiry.UTC().Format(time.RFC3339Nano),
	}
	if user != nil {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		values[storage.KeyUserProfile] = string(data)
	}
	return c.store.SetMany(ctx, values)
}

// purge clears the session and its stored tokens and bumps the generation.
// It reports false if gen was already superseded.
func (c *Controller) purge(ctx context.Context, gen uint64, cause error) (Session, bool) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.Current(), false
	}
	if c.refreshGen == gen {
		c.refreshActive = false
	}
	c.gen++
	c.stopTimerLocked()
	stored := c.setLocked(Session{Status: StatusUnauthenticated, LastError: cause})
	c.mu.Unlock()

	if err := storage.DeleteKeys(ctx, c.store, storage.SessionKeys...); err != nil {
		c.logger.Error("purging tokens", "error", err)
	}
	return stored, true
}

// Refresh obtains a new access token. Concurrent callers share one network
// call and its outcome. Without a refresh token it settles as Unauthenticated
// and returns ErrInvalidRefreshToken without touching the network.
func (c *Controller) Refresh(ctx context.Context) (Session, error) {
	return c.refresh(ctx, "")
}

// RefreshStale is Refresh for a caller that was rejected while presenting
// staleAccessToken. If the session already holds a different access token,
// the refresh has happened and the current snapshot is returned directly.
func (c *Controller) RefreshStale(ctx context.Context, staleAccessToken string) (Session, error) {
	return c.refresh(ctx, staleAccessToken)
}

func (c *Controller) refresh(ctx context.Context, stale string) (Session, error) {
	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return c.Current(), newError(ErrClosed, opRefresh, nil)
		}
		cur := *c.snap.Load()
		if stale != "" && cur.Status == StatusAuthenticated && cur.AccessToken != stale {
			c.mu.Unlock()
			return cur, nil
		}
		if c.authActive && c.authGen == c.gen {
			c.mu.Unlock()
			return cur, newError(ErrConcurrentOperation, opRefresh, nil)
		}
		gen := c.gen
		if !cur.HasRefreshToken() && !(c.refreshActive && c.refreshGen == gen) {
			c.mu.Unlock()
			return c.settleWithoutToken(ctx, gen, cur)
		}
		// Joining under mu: a flight that has not yet published its result
		// is still registered, so no caller can start a second one.
		ch := c.flight.DoChan("refresh", func() (any, error) {
			s, err := c.doRefresh(gen)
			return s, err
		})
		c.mu.Unlock()

		select {
		case r := <-ch:
			if r.Err != nil {
				// A flight started before the last logout reports
				// ErrSuperseded; if our generation is still current, run our own.
				if errors.Is(r.Err, ErrSuperseded) && attempt == 0 && c.current(gen) {
					continue
				}
				return c.Current(), r.Err
			}
			return r.Val.(Session), nil
		case <-ctx.Done():
			return c.Current(), newError(ErrTransientNetwork, opRefresh, ctx.Err())
		}
	}
}

func (c *Controller) settleWithoutToken(ctx context.Context, gen uint64, cur Session) (Session, error) {
	err := newError(ErrInvalidRefreshToken, opRefresh, ErrNoRefreshToken)
	if cur.Status == StatusUnauthenticated && cur.AccessToken == "" {
		return cur, err
	}
	s, _ := c.purge(ctx, gen, err)
	return s, err
}

func (c *Controller) doRefresh(gen uint64) (s Session, err error) {
	ctx, span := telemetry.Start(c.baseCtx, c.tracer, "session.refresh")
	defer func() { telemetry.End(span, err) }()

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return Session{}, newError(ErrSuperseded, opRefresh, nil)
	}
	prev := *c.snap.Load()
	if !prev.HasRefreshToken() {
		c.mu.Unlock()
		return c.settleWithoutToken(ctx, gen, prev)
	}
	c.refreshActive, c.refreshGen = true, gen
	next := prev
	next.Status = StatusRefreshing
	c.setLocked(next)
	c.mu.Unlock()

	start := c.clock.Now()
	callCtx, cancel := c.callContext(ctx)
	tp, callErr := c.transport.Refresh(callCtx, prev.RefreshToken)
	cancel()
	if callErr == nil && (tp == nil || tp.AccessToken == "") {
		callErr = errors.New("refresh returned no access token")
	}

	if callErr != nil {
		cerr := classify(opRefresh, callErr)
		c.metrics.Refresh(outcome(cerr), c.clock.Since(start))
		c.audit.logFailure(ctx, AuditRefreshFailure, cerr)

		if errors.Is(cerr, ErrInvalidRefreshToken) {
			if _, ok := c.purge(ctx, gen, cerr); !ok {
				return Session{}, newError(ErrSuperseded, opRefresh, nil)
			}
			c.audit.logEvent(ctx, AuditSessionPurged, prev.User)
			c.reporter.Report(cerr, map[string]string{"op": opRefresh, "code": cerr.Code})
			return Session{}, cerr
		}

		c.mu.Lock()
		if c.refreshGen == gen {
			c.refreshActive = false
		}
		if c.gen != gen {
			c.mu.Unlock()
			return Session{}, newError(ErrSuperseded, opRefresh, nil)
		}
		failed := prev
		failed.Status = StatusError
		failed.AccessToken = ""
		failed.LastError = cerr
		c.setLocked(failed)
		c.mu.Unlock()
		return Session{}, cerr
	}

	tokens := *tp
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = prev.RefreshToken
	}
	expiry := c.expiryFor(tokens)

	c.tokenMu.Lock()
	if !c.current(gen) {
		c.tokenMu.Unlock()
		return Session{}, newError(ErrSuperseded, opRefresh, nil)
	}
	perr := c.persist(ctx, tokens, expiry, nil)
	c.tokenMu.Unlock()

	c.mu.Lock()
	if c.refreshGen == gen {
		c.refreshActive = false
	}
	if c.gen != gen {
		c.mu.Unlock()
		return Session{}, newError(ErrSuperseded, opRefresh, nil)
	}
	if perr != nil {
		serr := storageError(opRefresh, perr)
		failed := prev
		failed.Status = StatusError
		failed.AccessToken = ""
		failed.LastError = serr
		c.setLocked(failed)
		c.mu.Unlock()
		return Session{}, serr
	}
	stored := c.setLocked(Session{
		Status:            StatusAuthenticated,
		AccessToken:       tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		AccessTokenExpiry: expiry,
		User:              prev.User,
	})
	c.scheduleRefreshLocked(expiry, gen)
	c.mu.Unlock()

	c.metrics.Refresh("success", c.clock.Since(start))
	c.audit.logEvent(ctx, AuditRefreshSuccess, prev.User)
	return stored, nil
}

// Logout clears the session locally, then revokes it remotely on a best
// effort basis. Any refresh still in flight is discarded when it returns.
func (c *Controller) Logout(ctx context.Context) (s Session, err error) {
	ctx, span := telemetry.Start(ctx, c.tracer, "session.logout")
	defer func() { telemetry.End(span, err) }()
	defer c.markReady()

	c.mu.Lock()
	prev := *c.snap.Load()
	c.gen++
	c.stopTimerLocked()
	stored := c.setLocked(Session{Status: StatusUnauthenticated})
	c.mu.Unlock()

	c.tokenMu.Lock()
	accessToken := prev.AccessToken
	if accessToken == "" {
		accessToken, _, _ = storage.Lookup(ctx, c.store, storage.KeyAccessToken)
	}
	hadSession := accessToken != "" || prev.HasRefreshToken()
	purgeErr := storage.DeleteKeys(ctx, c.store, storage.SessionKeys...)
	c.tokenMu.Unlock()

	if hadSession {
		callCtx, cancel := c.callContext(ctx)
		if rerr := c.transport.Logout(callCtx, accessToken); rerr != nil {
			c.logger.Warn("remote logout failed", "error", rerr)
		}
		cancel()
	}
	c.audit.logEvent(ctx, AuditLogout, prev.User)
	if purgeErr != nil {
		return stored, storageError(opLogout, purgeErr)
	}
	return stored, nil
}

// RestoreSession loads a persisted session and validates it with one
// refresh. An invalid refresh token purges the session; a transient failure
// leaves the tokens in place with status Error. Ready is closed on return.
func (c *Controller) RestoreSession(ctx context.Context) (s Session, err error) {
	defer c.markReady()
	ctx, span := telemetry.Start(ctx, c.tracer, "session.restore")
	defer func() { telemetry.End(span, err) }()

	refreshToken, ok, lerr := storage.Lookup(ctx, c.store, storage.KeyRefreshToken)
	if lerr != nil {
		serr := storageError(opRestore, lerr)
		c.mu.Lock()
		stored := c.setLocked(Session{Status: StatusUnauthenticated, LastError: serr})
		c.mu.Unlock()
		return stored, serr
	}
	if !ok || refreshToken == "" {
		return c.Current(), nil
	}
	user := c.loadProfile(ctx)
	expiry := c.loadExpiry(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.Current(), newError(ErrClosed, opRestore, nil)
	}
	cur := *c.snap.Load()
	if cur.Status != StatusUnauthenticated || cur.HasRefreshToken() {
		c.mu.Unlock()
		return cur, nil
	}
	c.setLocked(Session{
		Status:            StatusUnauthenticated,
		RefreshToken:      refreshToken,
		AccessTokenExpiry: expiry,
		User:              user,
	})
	c.mu.Unlock()

	s, err = c.refresh(ctx, "")
	if err != nil {
		return s, err
	}
	c.audit.logEvent(ctx, AuditSessionRestored, s.User)
	return s, nil
}

func (c *Controller) loadProfile(ctx context.Context) *User {
	raw, ok, err := storage.Lookup(ctx, c.store, storage.KeyUserProfile)
	if err != nil || !ok {
		return nil
	}
	var u User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		c.logger.Warn("discarding unreadable user profile", "error", err)
		return nil
	}
	return &u
}

func (c *Controller) loadExpiry(ctx context.Context) time.Time {
	raw, ok, err := storage.Lookup(ctx, c.store, storage.KeyAccessTokenExpiry)
	if err != nil || !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpdateProfile replaces the user snapshot wholesale and persists it.
func (c *Controller) UpdateProfile(ctx context.Context, user *User) (Session, error) {
	if user == nil || user.ID == "" {
		return c.Current(), newError(ErrValidation, opProfile, errors.New("user ID is required"))
	}
	u := user.Clone()
	data, err := json.Marshal(u)
	if err != nil {
		return c.Current(), newError(ErrValidation, opProfile, err)
	}

	c.mu.Lock()
	gen := c.gen
	cur := *c.snap.Load()
	c.mu.Unlock()
	if !cur.HasRefreshToken() {
		return cur, newError(ErrNotAuthenticated, opProfile, nil)
	}

	c.tokenMu.Lock()
	if !c.current(gen) {
		c.tokenMu.Unlock()
		return c.Current(), newError(ErrSuperseded, opProfile, nil)
	}
	err = c.store.Set(ctx, storage.KeyUserProfile, string(data))
	c.tokenMu.Unlock()
	if err != nil {
		return c.Current(), storageError(opProfile, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return c.Current(), newError(ErrSuperseded, opProfile, nil)
	}
	next := *c.snap.Load()
	next.User = u
	return c.setLocked(next), nil
}

// SetBiometricEnabled persists the biometric unlock preference.
func (c *Controller) SetBiometricEnabled(ctx context.Context, enabled bool) error {
	return c.store.Set(ctx, storage.KeyBiometricEnabled, strconv.FormatBool(enabled))
}

// BiometricEnabled reports the persisted biometric unlock preference.
func (c *Controller) BiometricEnabled(ctx context.Context) (bool, error) {
	raw, ok, err := storage.Lookup(ctx, c.store, storage.KeyBiometricEnabled)
	if err != nil || !ok {
		return false, err
	}
	return strconv.ParseBool(raw)
}

// DeviceTrustID returns the persisted device identifier, creating it on first use.
func (c *Controller) DeviceTrustID(ctx context.Context) (string, error) {
	c.auxMu.Lock()
	defer c.auxMu.Unlock()
	id, ok, err := storage.Lookup(ctx, c.store, storage.KeyDeviceTrustID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.New()
	if err := c.store.Set(ctx, storage.KeyDeviceTrustID, id); err != nil {
		return "", err
	}
	return id, nil
}

// scheduleRefreshLocked arms the proactive refresh timer. The lead never
// exceeds half the remaining lifetime, so short-lived tokens are not
// refreshed back to back. c.mu must be held.
func (c *Controller) scheduleRefreshLocked(expiry time.Time, gen uint64) {
	c.stopTimerLocked()
	if c.refreshSkew < 0 || c.closed || expiry.IsZero() {
		return
	}
	remaining := expiry.Sub(c.clock.Now())
	lead := min(c.refreshSkew, remaining/2)
	d := max(remaining-lead, 0)
	c.timer = c.clock.AfterFunc(d, func() {
		go c.proactiveRefresh(gen)
	})
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) proactiveRefresh(gen uint64) {
	if !c.current(gen) {
		return
	}
	if _, err := c.refresh(c.baseCtx, ""); err != nil {
		c.logger.Warn("proactive refresh failed", "error", err)
	}
}

// Close stops the refresh timer and all observers. In-flight calls return
// ErrSuperseded or ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.stopTimerLocked()
	subs := c.subs
	c.subs = make(map[*subscriber]struct{})
	c.mu.Unlock()

	c.cancel()
	for sub := range subs {
		sub.stop()
	}
}

func outcome(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return "success"
		}
		return "error"
	case ErrValidation:
		return "validation"
	case ErrInvalidCredentials:
		return "invalid_credentials"
	case ErrInvalidRefreshToken:
		return "invalid_refresh_token"
	case ErrTransientNetwork:
		return "transient"
	case ErrConcurrentOperation:
		return "concurrent"
	case ErrTwoFactorRequired:
		return "two_factor"
	case ErrSuperseded:
		return "superseded"
	case ErrStorage:
		return "storage"
	default:
		return "error"
	}
}
