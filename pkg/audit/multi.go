package audit

import (
	"context"
	"errors"
)

// MultiLogger fans audit events out to several loggers, e.g. the database
// logger plus a structured log sink. Every logger sees every event; errors
// are joined rather than short-circuiting.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger that writes to all given loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

func (m *MultiLogger) Log(ctx context.Context, event *AuditEvent) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) LogMutation(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.LogMutation(ctx, eventType, clientID, resourceType, resourceID, status, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) LogFailure(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, err error) error {
	var errs []error
	for _, l := range m.loggers {
		if logErr := l.LogFailure(ctx, eventType, clientID, resourceType, resourceID, err); logErr != nil {
			errs = append(errs, logErr)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
