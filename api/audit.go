package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of ledger or session action being logged.
type AuditEvent string

const (
	AuditSessionStarted        AuditEvent = "session_started"
	AuditSessionRotated        AuditEvent = "session_rotated"
	AuditSessionPaused         AuditEvent = "session_paused"
	AuditSessionResumed        AuditEvent = "session_resumed"
	AuditSessionEnded          AuditEvent = "session_ended"
	AuditParticipantEnrolled   AuditEvent = "participant_enrolled"
	AuditRedemption            AuditEvent = "redemption"
	AuditRecordApproved        AuditEvent = "record_approved"
	AuditRecordRejected        AuditEvent = "record_rejected"
	AuditBulkApproved          AuditEvent = "bulk_approved"
	AuditBulkRejected          AuditEvent = "bulk_rejected"
	AuditAttendanceCleared     AuditEvent = "attendance_cleared"
	AuditAttendanceExported    AuditEvent = "attendance_exported"
	AuditRedemptionRateLimited AuditEvent = "redemption_rate_limited"
)

// auditLogger wraps slog.Logger for structured audit logging.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry and feeds the anomaly counters.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event, attrs)
	}
}

// logSession is a convenience for session lifecycle events.
func (al *auditLogger) logSession(event AuditEvent, r *http.Request, sessionID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("session_id", sessionID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logRecord is a convenience for single-record ledger events.
func (al *auditLogger) logRecord(event AuditEvent, r *http.Request, recordID, participantID, state string) {
	al.log(event, r,
		slog.String("record_id", recordID),
		slog.String("participant_id", participantID),
		slog.String("state", state),
	)
}
