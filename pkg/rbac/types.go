package rbac

import (
	"errors"
	"time"

	"github.com/cids-io/cids/pkg/discovery"
)

// Sentinel errors returned by the RBAC subsystem
var (
	ErrRoleNotFound    = errors.New("role not found")
	ErrRoleExists      = errors.New("role already exists")
	ErrMappingNotFound = errors.New("role mapping not found")
)

// A2AGroupPrefix marks app_role_mappings entries that grant a role to a
// calling app rather than to a directory group. The mapped "group" for an
// app-to-app grant is "a2a:" + caller client_id.
const A2AGroupPrefix = "a2a:"

// RLSFilter is a structured row-level-security predicate attached to a role
// for one resource.
type RLSFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value string `json:"value"`
}

// Role is a named permission bundle scoped to one registered app.
//
// Permission strings address tree nodes as "resource.action.field"; trailing
// segments may be omitted or "*" to cover everything below, and the field
// segment may name a sensitivity category (pii, phi, sensitive, financial).
type Role struct {
	ID                int64                `json:"id"`
	ClientID          string               `json:"client_id"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	Permissions       []string             `json:"permissions"`
	DeniedPermissions []string             `json:"denied_permissions,omitempty"`
	RLSFilters        map[string]RLSFilter `json:"rls_filters,omitempty"`
	ADGroups          []string             `json:"ad_groups,omitempty"`
	A2AOnly           bool                 `json:"a2a_only"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// RoleMapping binds a directory group (or an a2a: caller) to a role for one app
type RoleMapping struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	ADGroup   string    `json:"ad_group"`
	RoleName  string    `json:"app_role"`
	CreatedAt time.Time `json:"created_at"`
}

// EffectivePermissions is the resolved, deny-applied permission set for a set
// of roles against one app's latest permission tree. Grants map
// "resource.action" to the sorted field paths that survived denial; a "*"
// entry means the tree declares a wildcard field and the grant covers fields
// the tree does not enumerate, minus the node's Excluded paths.
type EffectivePermissions struct {
	ClientID    string                 `json:"client_id"`
	TreeVersion int                    `json:"tree_version"`
	Roles       []string               `json:"roles"`
	Grants      map[string][]string    `json:"grants"`
	Excluded    map[string][]string    `json:"excluded,omitempty"`
	Denies      []string               `json:"denies,omitempty"`
	RLSFilters  map[string][]RLSFilter `json:"rls_filters,omitempty"`
}

// Allows reports whether the resolved set grants access to a concrete field.
// A wildcard grant covers any field except the ones denial carved out of it.
func (e *EffectivePermissions) Allows(resource, action, field string) bool {
	node := resource + "." + action
	for _, f := range e.Excluded[node] {
		if f == field {
			return false
		}
	}

	wildcard := false
	for _, f := range e.Grants[node] {
		if f == field {
			return true
		}
		if f == discovery.Wildcard {
			wildcard = true
		}
	}
	return wildcard
}
