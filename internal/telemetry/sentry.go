package telemetry

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards errors that need human attention, such as dead-lettered
// actions and terminal session purges.
type Reporter interface {
	Report(err error, tags map[string]string)
}

// NopReporter discards reports.
type NopReporter struct{}

func (NopReporter) Report(error, map[string]string) {}

// SentryReporter reports to a Sentry hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter reports to hub, or to the current hub when hub is nil.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) Report(err error, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		r.hub.CaptureException(err)
	})
}

// InitSentry configures the global Sentry client. An empty DSN disables
// reporting and returns a NopReporter.
func InitSentry(dsn, environment, release string) (Reporter, error) {
	if dsn == "" {
		return NopReporter{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		return nil, err
	}
	return NewSentryReporter(nil), nil
}

// FlushSentry waits for buffered events to be delivered.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
