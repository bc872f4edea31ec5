package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cids-io/cids/pkg/apikeys"
	"github.com/cids-io/cids/pkg/auth"
	"github.com/cids-io/cids/pkg/contextkeys"
	"github.com/cids-io/cids/pkg/httputil"
	"github.com/cids-io/cids/pkg/observability"
)

// KeyAuthenticator validates raw API keys
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*apikeys.APIKey, error)
}

// APIKeyAuth authenticates requests by API key.
// Format: "Authorization: Bearer cids_key_..."
type APIKeyAuth struct {
	keys KeyAuthenticator
	// optional allows unauthenticated requests through without a caller
	optional bool
}

// NewAPIKeyAuth creates API key authentication middleware
func NewAPIKeyAuth(keys KeyAuthenticator, optional bool) *APIKeyAuth {
	return &APIKeyAuth{keys: keys, optional: optional}
}

// Handler wraps an HTTP handler with API key authentication
func (m *APIKeyAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		raw := strings.TrimSpace(parts[1])
		if m.optional && !strings.HasPrefix(raw, auth.APIKeyPrefix) {
			// Optional mode only identifies API key callers. Other bearer
			// credentials (ID tokens) are validated by their own handlers.
			next.ServeHTTP(w, r)
			return
		}

		key, err := m.keys.Authenticate(r.Context(), raw)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid or expired api key")
			return
		}

		ctx := contextkeys.WithCaller(r.Context(), key)
		ctx = observability.WithClientID(ctx, key.ClientID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCaller extracts the authenticated API key from a request
func GetCaller(r *http.Request) *apikeys.APIKey {
	v := r.Context().Value(contextkeys.CallerKey)
	if v == nil {
		return nil
	}
	key, ok := v.(*apikeys.APIKey)
	if !ok {
		return nil
	}
	return key
}
