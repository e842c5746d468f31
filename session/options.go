package session

import (
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironsession/internal/metrics"
	"github.com/jmcleod/ironsession/internal/telemetry"
)

const (
	defaultRefreshSkew = 60 * time.Second
	defaultOpTimeout   = 30 * time.Second
)

// Option configures a Controller.
type Option func(*Controller)

// WithClock sets the clock used for expiry and the proactive refresh timer.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Controller) {
		c.clock = clock
	}
}

// WithLogger sets the structured logger. The audit trail is written to the
// same logger with component=audit.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records login and refresh metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithAlerts feeds login and refresh failures into the alert windows.
func WithAlerts(a *metrics.Alerts) Option {
	return func(c *Controller) {
		c.alerts = a
	}
}

// WithReporter reports terminal session purges.
func WithReporter(r telemetry.Reporter) Option {
	return func(c *Controller) {
		c.reporter = r
	}
}

// WithTracerProvider sets the tracer provider for session spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Controller) {
		c.tracer = telemetry.Tracer(tp)
	}
}

// WithRefreshSkew sets how long before expiry the proactive refresh fires.
// A negative value disables proactive refresh.
func WithRefreshSkew(d time.Duration) Option {
	return func(c *Controller) {
		c.refreshSkew = d
	}
}

// WithDefaultTokenTTL sets the access token lifetime assumed when the backend
// reports none.
func WithDefaultTokenTTL(d time.Duration) Option {
	return func(c *Controller) {
		c.defaultTTL = d
	}
}

// WithOperationTimeout bounds every login, refresh and logout network call.
func WithOperationTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.opTimeout = d
	}
}
