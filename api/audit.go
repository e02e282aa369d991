package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditSignInSuccess     AuditEvent = "sign_in_success"
	AuditSignInFailure     AuditEvent = "sign_in_failure"
	AuditSignInRateLimited AuditEvent = "sign_in_rate_limited"
	AuditSignOut           AuditEvent = "sign_out"
	AuditTokenRejected     AuditEvent = "token_rejected"
	AuditAccessDenied      AuditEvent = "access_denied"
	AuditUserCreated       AuditEvent = "user_created"
	AuditUserDeleted       AuditEvent = "user_deleted"
	AuditRecordCreated     AuditEvent = "record_created"
	AuditRecordUpdated     AuditEvent = "record_updated"
	AuditRecordDeleted     AuditEvent = "record_deleted"
)

// auditLogger wraps slog.Logger for structured security audit logging.
// Passwords and tokens are never passed to it.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	now := time.Now().UTC()
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		al.webhook.enqueue(webhookEventFrom(event, r, now, attrs))
	}
}

// logEvent is a convenience for events with an account id.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, accountID int64, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("account_id", strconv.FormatInt(accountID, 10)),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected request.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}
