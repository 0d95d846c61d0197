package audit

import (
	"context"
	"time"

	"github.com/quartzid/ssocore/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close flushes any buffered events
	Close() error
}

// contextKey is the type for context keys
type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context, or a no-op logger if
// none is set
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

// noOpLogger is used when no logger is configured
type noOpLogger struct{}

func (l *noOpLogger) Log(ctx context.Context, event *Event) error { return nil }
func (l *noOpLogger) Close() error                                { return nil }

// NewNopLogger returns a logger that drops everything.
func NewNopLogger() Logger {
	return &noOpLogger{}
}

// structuredLogger emits audit events as structured log lines.
type structuredLogger struct {
	log *observability.Logger
}

// NewLogger creates an audit logger that writes events through the given
// structured logger.
func NewLogger(log *observability.Logger) Logger {
	return &structuredLogger{log: log.WithField("component", "audit")}
}

func (l *structuredLogger) Log(ctx context.Context, event *Event) error {
	if event == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"event_type": string(event.Type),
		"status":     string(event.Status),
	}
	if event.OrganizationID != "" {
		fields["organization_id"] = event.OrganizationID
	}
	if event.Protocol != "" {
		fields["protocol"] = event.Protocol
	}
	if event.ExternalID != "" {
		fields["external_id"] = event.ExternalID
	}
	if event.Email != "" {
		fields["email"] = event.Email
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	if event.IPAddress != "" {
		fields["ip_address"] = event.IPAddress
	}
	if event.UserAgent != "" {
		fields["user_agent"] = event.UserAgent
	}

	l.log.WithFields(fields).Info("audit event")
	return nil
}

func (l *structuredLogger) Close() error { return nil }
