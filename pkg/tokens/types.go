package tokens

import (
	"errors"
	"time"
)

// Sentinel errors returned by the token subsystem
var (
	ErrTemplateNotFound   = errors.New("token template not found")
	ErrTemplateExists     = errors.New("token template already exists")
	ErrAudienceNotAllowed = errors.New("audience not allowed by template")
	ErrNoA2AGrant         = errors.New("no a2a role grant for caller")
)

// A2A tokens are short-lived regardless of what the template asks for
const (
	MinA2ATTL = 5 * time.Minute
	MaxA2ATTL = 10 * time.Minute
)

// TokenTemplate shapes issued tokens: extra claims, lifetime, and the
// audiences an issuance request may ask for.
type TokenTemplate struct {
	ID               int64                  `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	ClaimsStructure  map[string]interface{} `json:"claims_structure,omitempty"`
	TokenTTLMinutes  int                    `json:"token_ttl_minutes"`
	DefaultAudience  string                 `json:"default_audience"`
	AllowedAudiences []string               `json:"allowed_audiences,omitempty"`
	IsDefault        bool                   `json:"is_default"`
	Priority         int                    `json:"priority"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// TTL returns the template lifetime as a duration
func (t *TokenTemplate) TTL() time.Duration {
	return time.Duration(t.TokenTTLMinutes) * time.Minute
}

// AllowsAudience reports whether an issuance request may use the audience
func (t *TokenTemplate) AllowsAudience(audience string) bool {
	if audience == t.DefaultAudience {
		return true
	}
	for _, a := range t.AllowedAudiences {
		if a == audience {
			return true
		}
	}
	return false
}

// IssuedToken is the issuance response
type IssuedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	TokenID     string `json:"token_id"`
}
