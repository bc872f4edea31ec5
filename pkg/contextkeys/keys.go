// Package contextkeys provides centralized context key definitions.
//
// All context keys shared between middleware and handlers are defined here.
// This prevents typos, documents dependencies, and makes key usage
// discoverable.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CallerKey contains the authenticated *apikeys.APIKey
	// Set by: middleware.APIKeyAuth
	// Used by: A2A endpoints that need the calling app's identity
	CallerKey Key = "api_caller"

	// IdentityKey contains the verified *sso.Identity
	// Set by: token issuance after ID token verification
	// Used by: audit trail, user-scoped operations
	IdentityKey Key = "identity"

	// RequestStartTimeKey contains the request start timestamp
	// Set by: middleware.RequestLogger
	// Used by: duration calculation for audit logs
	// Type: time.Time
	RequestStartTimeKey Key = "request_start_time"
)

// WithCaller adds the authenticated API key to the context
func WithCaller(ctx context.Context, caller interface{}) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// WithIdentity adds the verified user identity to the context
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithRequestStartTime adds the request start time to the context
func WithRequestStartTime(ctx context.Context, startTime interface{}) context.Context {
	return context.WithValue(ctx, RequestStartTimeKey, startTime)
}
