package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cids-io/cids/pkg/observability"
)

// DBLogger implements audit logging to the audit_logs PostgreSQL table
type DBLogger struct {
	db  *sql.DB
	log *observability.Logger
}

// NewDBLogger creates a new database-backed audit logger
func NewDBLogger(db *sql.DB, log *observability.Logger) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db, log: log}, nil
}

// Log logs an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *AuditEvent) error {
	var metadataJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	if event.RequestID == "" {
		event.RequestID = observability.GetRequestID(ctx)
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			actor, client_id,
			resource_type, resource_id,
			ip_address, request_id,
			message, error_message, metadata
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7,
			$8, $9,
			$10, $11, $12
		) RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.Actor, event.ClientID,
		event.ResourceType, event.ResourceID,
		event.IPAddress, event.RequestID,
		event.Message, event.ErrorMessage, metadataJSON,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// LogMutation logs a state-changing operation on a resource
func (l *DBLogger) LogMutation(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, status EventStatus, message string) error {
	event := NewEvent(eventType, status)
	event.ClientID = clientID
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	event.Message = message

	if err := l.Log(ctx, event); err != nil {
		// An audit write failure must not fail the business operation,
		// but it must not vanish either.
		if l.log != nil {
			l.log.WithError(err).WithField("event_type", string(eventType)).Error("audit write failed")
		}
		return err
	}
	return nil
}

// LogFailure logs a failed operation with its error surfaced
func (l *DBLogger) LogFailure(ctx context.Context, eventType EventType, clientID string, resourceType ResourceType, resourceID string, opErr error) error {
	event := NewEvent(eventType, EventStatusFailure)
	event.ClientID = clientID
	event.ResourceType = resourceType
	event.ResourceID = resourceID
	if opErr != nil {
		event.ErrorMessage = opErr.Error()
	}

	if err := l.Log(ctx, event); err != nil {
		if l.log != nil {
			l.log.WithError(err).WithField("event_type", string(eventType)).Error("audit write failed")
		}
		return err
	}
	return nil
}

// Close closes the logger. The DB connection is owned by the caller.
func (l *DBLogger) Close() error { return nil }
