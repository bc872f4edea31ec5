package registry

import (
	"errors"
	"time"
)

// Sentinel errors returned by the store; handlers map these to HTTP categories.
var (
	ErrAppNotFound = errors.New("registered app not found")
	ErrAppExists   = errors.New("registered app already exists")
	ErrAppInactive = errors.New("registered app is deactivated")
)

// RegisteredApp represents a client application registered with CIDS.
// Apps are never hard-deleted; deactivation flips IsActive.
type RegisteredApp struct {
	ClientID          string    `json:"client_id"`
	Name              string    `json:"name"`
	OwnerEmail        string    `json:"owner_email"`
	RedirectURIs      []string  `json:"redirect_uris"`
	AllowDiscovery    bool      `json:"allow_discovery"`
	DiscoveryEndpoint string    `json:"discovery_endpoint,omitempty"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AppUpdate carries the admin-editable fields of a registered app
type AppUpdate struct {
	Name              *string  `json:"name,omitempty"`
	OwnerEmail        *string  `json:"owner_email,omitempty"`
	RedirectURIs      []string `json:"redirect_uris,omitempty"`
	AllowDiscovery    *bool    `json:"allow_discovery,omitempty"`
	DiscoveryEndpoint *string  `json:"discovery_endpoint,omitempty"`
}

// RegistrationResult is returned once on app creation; the client secret is
// never retrievable again.
type RegistrationResult struct {
	App          *RegisteredApp `json:"app"`
	ClientSecret string         `json:"client_secret"`
}
