package audit

import (
	"context"
	"time"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *AuditEvent) error

	// LogMutation logs a state-changing operation on a resource
	LogMutation(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error

	// LogFailure logs a failed operation with its error category surfaced
	LogFailure(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, err error) error

	// Close closes the logger and flushes any buffered events
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

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return &noOpLogger{}
}

// NewEvent builds an event with the timestamp and request context filled in
func NewEvent(eventType EventType, status EventStatus) *AuditEvent {
	return &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
	}
}

// noOpLogger discards all events (used when no logger is configured)
type noOpLogger struct{}

func (n *noOpLogger) Log(ctx context.Context, event *AuditEvent) error { return nil }

func (n *noOpLogger) LogMutation(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error {
	return nil
}

func (n *noOpLogger) LogFailure(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, err error) error {
	return nil
}

func (n *noOpLogger) Close() error { return nil }

// NopLogger returns a Logger that discards everything
func NopLogger() Logger { return &noOpLogger{} }
