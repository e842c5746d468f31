package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jmcleod/ironsession/internal/metrics"
)

// AuditEvent identifies a security-relevant session event.
type AuditEvent string

const (
	AuditLoginSuccess      AuditEvent = "login_success"
	AuditLoginFailure      AuditEvent = "login_failure"
	AuditTwoFactorRequired AuditEvent = "two_factor_required"
	AuditRefreshSuccess    AuditEvent = "refresh_success"
	AuditRefreshFailure    AuditEvent = "refresh_failure"
	AuditLogout            AuditEvent = "logout"
	AuditSessionRestored   AuditEvent = "session_restored"
	AuditSessionPurged     AuditEvent = "session_purged"
)

// auditLogger wraps slog.Logger for the session audit trail. Tokens are never
// logged; users are identified by ID only.
type auditLogger struct {
	logger *slog.Logger
	clock  clockwork.Clock
	alerts *metrics.Alerts
}

func newAuditLogger(logger *slog.Logger, clock clockwork.Clock, alerts *metrics.Alerts) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
		clock:  clock,
		alerts: alerts,
	}
}

func (al *auditLogger) log(ctx context.Context, event AuditEvent, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", al.clock.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", baseAttrs...)

	switch event {
	case AuditLoginFailure:
		al.alerts.Record(metrics.AlertLoginFailureSpike)
	case AuditRefreshFailure:
		al.alerts.Record(metrics.AlertRefreshFailureSpike)
	}
}

// logEvent is a convenience for events tied to a user.
func (al *auditLogger) logEvent(ctx context.Context, event AuditEvent, user *User, extra ...slog.Attr) {
	var attrs []slog.Attr
	if user != nil && user.ID != "" {
		attrs = append(attrs, slog.String("user_id", user.ID))
	}
	attrs = append(attrs, extra...)
	al.log(ctx, event, attrs...)
}

// logFailure logs a failed operation with its classified reason.
func (al *auditLogger) logFailure(ctx context.Context, event AuditEvent, err error, extra ...slog.Attr) {
	attrs := []slog.Attr{slog.String("reason", reason(err))}
	if e, ok := err.(*Error); ok && e.Code != "" {
		attrs = append(attrs, slog.String("code", e.Code))
	}
	attrs = append(attrs, extra...)
	al.log(ctx, event, attrs...)
}

func reason(err error) string {
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
