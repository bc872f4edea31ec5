package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// App registry events
	EventTypeAppRegister   EventType = "app.register"
	EventTypeAppUpdate     EventType = "app.update"
	EventTypeAppActivate   EventType = "app.activate"
	EventTypeAppDeactivate EventType = "app.deactivate"

	// Discovery events
	EventTypeDiscoveryRun     EventType = "discovery.run"
	EventTypeDiscoverySkipped EventType = "discovery.skipped"
	EventTypeDiscoveryFailed  EventType = "discovery.failed"

	// Role / permission events
	EventTypeRoleCreate    EventType = "role.create"
	EventTypeRoleUpdate    EventType = "role.update"
	EventTypeRoleDelete    EventType = "role.delete"
	EventTypeMappingUpdate EventType = "role_mapping.update"

	// Credential events
	EventTypeKeyCreate       EventType = "api_key.create"
	EventTypeKeyRotate       EventType = "api_key.rotate"
	EventTypeKeyRotateFailed EventType = "api_key.rotate_failed"
	EventTypeKeyRevoke       EventType = "api_key.revoke"
	EventTypeRotationSweep   EventType = "rotation.sweep"

	// Token events
	EventTypeTokenIssueUser   EventType = "token.issue_user"
	EventTypeTokenIssueA2A    EventType = "token.issue_a2a"
	EventTypeTokenIssueFailed EventType = "token.issue_failed"

	// Template events
	EventTypeTemplateCreate EventType = "token_template.create"
	EventTypeTemplateUpdate EventType = "token_template.update"
	EventTypeTemplateDelete EventType = "token_template.delete"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of resource being acted on
type ResourceType string

const (
	ResourceTypeApp      ResourceType = "app"
	ResourceTypeRole     ResourceType = "role"
	ResourceTypeMapping  ResourceType = "role_mapping"
	ResourceTypeAPIKey   ResourceType = "api_key"
	ResourceTypeToken    ResourceType = "token"
	ResourceTypeTemplate ResourceType = "token_template"
	ResourceTypeTree     ResourceType = "permission_tree"
)

// AuditEvent represents a single audit log entry. Events are append-only;
// nothing in the service ever mutates a stored event.
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor
	Actor    string `json:"actor,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	// Resource
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`

	// Request context
	IPAddress string `json:"ip_address,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Details
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// TokenActivity represents one token issuance, recorded append-only in the
// token_activity table.
type TokenActivity struct {
	ID       int64     `json:"id"`
	TokenID  string    `json:"token_id"`
	Kind     string    `json:"kind"` // "user" or "a2a"
	Subject  string    `json:"subject"`
	ClientID string    `json:"client_id,omitempty"`
	Audience string    `json:"audience,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
