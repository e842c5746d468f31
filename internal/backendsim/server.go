// Package backendsim is an in-process backend that speaks the same auth and
// API contract as the production server. It backs the transport tests, the
// example walkthrough and the CLI's serve-sim command.
package backendsim

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/ironsession/internal/util"
	"github.com/jmcleod/ironsession/transport"
)

//go:embed openapi.yaml
var openapiSpec []byte

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour
)

type account struct {
	password      string
	twoFactorCode string
	user          transport.User
}

type refreshRecord struct {
	email     string
	expiresAt time.Time
}

// Server is a simulated backend. The zero value is not usable; call New.
type Server struct {
	mu          sync.Mutex
	accounts    map[string]*account
	oauth       map[string]string
	refresh     map[string]refreshRecord
	challenges  map[string]string
	revokedJTI  map[string]struct{}
	items       []Item
	calls       map[string]int
	failures    map[string][]int
	signingKey  []byte
	accessTTL   time.Duration
	refreshTTL  time.Duration
	rotate      bool
	clock       clockwork.Clock
	logger      *slog.Logger
	rateLimiter *loginRateLimiter
	router      chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) {
		s.accessTTL = d
	}
}

// WithClock sets the clock used for token issue and validation.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithoutRotation makes refresh return only a new access token and keep the
// existing refresh token valid.
func WithoutRotation() Option {
	return func(s *Server) {
		s.rotate = false
	}
}

// WithSigningKey sets the HS256 key for access tokens. An empty key is
// replaced by a random one.
func WithSigningKey(key []byte) Option {
	return func(s *Server) {
		s.signingKey = key
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server with no accounts.
func New(opts ...Option) *Server {
	s := &Server{
		accounts:   make(map[string]*account),
		oauth:      make(map[string]string),
		refresh:    make(map[string]refreshRecord),
		challenges: make(map[string]string),
		revokedJTI: make(map[string]struct{}),
		calls:      make(map[string]int),
		failures:   make(map[string][]int),
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		rotate:     true,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.signingKey) == 0 {
		key, err := util.RandomBytes(32)
		if err != nil {
			panic(fmt.Sprintf("backendsim: generating signing key: %v", err))
		}
		s.signingKey = key
	}
	s.logger = s.logger.With("component", "backendsim")
	s.rateLimiter = newLoginRateLimiter(s.clock)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(s.countAndInject)

	r.Get("/health", s.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/yaml")
			w.Write(openapiSpec)
		})
		r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
			SpecURL: "/api/v1/openapi.yaml",
			Path:    "api/v1/docs",
		}, nil))

		r.Post("/auth/login", s.Login)
		r.Post("/auth/refresh", s.Refresh)
		r.Post("/auth/logout", s.Logout)
		r.Post("/auth/2fa/verify", s.VerifyTwoFactor)
		r.Post("/oauth/{provider}/callback", s.OAuthCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.RequireBearer)
			r.Get("/items", s.ListItems)
			r.Post("/items", s.CreateItem)
			r.Delete("/items/{itemID}", s.DeleteItem)
			r.Get("/me", s.Me)
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// countAndInject records the call and, if a failure was queued for the path,
// answers with it instead of routing.
func (s *Server) countAndInject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		s.mu.Lock()
		s.calls[path]++
		status := 0
		if q := s.failures[path]; len(q) > 0 {
			status = q[0]
			s.failures[path] = q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			s.logger.Debug("injecting failure", "path", path, "status", status)
			writeError(w, status, injectedCode(status), "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func injectedCode(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return transport.CodeTokenExpired
	case status == http.StatusConflict:
		return transport.CodeConflict
	case status == http.StatusUnprocessableEntity:
		return transport.CodeValidation
	case status >= 500:
		return "INTERNAL_ERROR"
	}
	return "INJECTED"
}

// Calls returns how many requests reached path, injected failures included.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

// FailNext queues status as the response for the next request to path. Calls
// stack: FailNext(p, 500) twice fails the next two requests.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], status)
}

// AddUser registers an account that logs in with a password only.
func (s *Server) AddUser(email, password string, user transport.User) {
	s.addAccount(email, password, "", user)
}

// AddTwoFactorUser registers an account whose login must be completed with code.
func (s *Server) AddTwoFactorUser(email, password, code string, user transport.User) {
	user.TwoFactorEnabled = true
	s.addAccount(email, password, code, user)
}

// AddOAuthUser maps a provider authorization code to an existing account.
func (s *Server) AddOAuthUser(provider, code, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oauth[provider+":"+code] = util.NormalizeEmail(email)
}

func (s *Server) addAccount(email, password, code string, user transport.User) {
	email = util.NormalizeEmail(email)
	if user.Email == "" {
		user.Email = email
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[email] = &account{password: password, twoFactorCode: code, user: user}
}

// RevokeRefreshTokens invalidates every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// Items returns a copy of the item collection in creation order.
func (s *Server) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Item(nil), s.items...)
}
