package rbac

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/httputil"
)

// Handlers provides HTTP handlers for role and mapping administration
type Handlers struct {
	store    *Store
	cache    *Cache
	resolver *Resolver
	auditLog audit.Logger
}

// NewHandlers creates RBAC handlers. cache may be nil when Redis is disabled.
func NewHandlers(store *Store, cache *Cache, resolver *Resolver, auditLog audit.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	return &Handlers{store: store, cache: cache, resolver: resolver, auditLog: auditLog}
}

// RegisterRoutes registers RBAC routes on the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/permissions/{client_id}/roles", h.ListRoles).Methods("GET")
	r.HandleFunc("/permissions/{client_id}/roles", h.CreateRole).Methods("POST")
	r.HandleFunc("/permissions/{client_id}/roles/{role_name}", h.GetRole).Methods("GET")
	r.HandleFunc("/permissions/{client_id}/roles/{role_name}", h.UpdateRole).Methods("PUT")
	r.HandleFunc("/permissions/{client_id}/roles/{role_name}", h.DeleteRole).Methods("DELETE")
	r.HandleFunc("/permissions/{client_id}/resolve", h.Resolve).Methods("POST")
	r.HandleFunc("/auth/admin/apps/{client_id}/role-mappings", h.ListMappings).Methods("GET")
	r.HandleFunc("/auth/admin/apps/{client_id}/role-mappings", h.ReplaceMappings).Methods("PUT")
}

type roleRequest struct {
	Name              string               `json:"name"`
	Description       string               `json:"description"`
	Permissions       []string             `json:"permissions"`
	DeniedPermissions []string             `json:"denied_permissions"`
	RLSFilters        map[string]RLSFilter `json:"rls_filters"`
	ADGroups          []string             `json:"ad_groups"`
	A2AOnly           bool                 `json:"a2a_only"`
}

// CreateRole handles POST /permissions/{client_id}/roles
func (h *Handlers) CreateRole(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.WriteBadRequest(w, "name is required")
		return
	}
	if len(req.Permissions) == 0 {
		httputil.WriteBadRequest(w, "permissions must not be empty")
		return
	}

	role := &Role{
		ClientID:          clientID,
		Name:              req.Name,
		Description:       req.Description,
		Permissions:       req.Permissions,
		DeniedPermissions: req.DeniedPermissions,
		RLSFilters:        req.RLSFilters,
		ADGroups:          req.ADGroups,
		A2AOnly:           req.A2AOnly,
	}

	var err error
	if h.cache != nil {
		err = h.cache.CreateRole(r.Context(), role)
	} else {
		err = h.store.CreateRole(r.Context(), role)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeRoleCreate, clientID, audit.ResourceTypeRole, req.Name, err)
		if errors.Is(err, ErrRoleExists) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeRoleCreate, clientID, audit.ResourceTypeRole, role.Name, audit.EventStatusSuccess, "role created")
	httputil.WriteCreated(w, role)
}

// ListRoles handles GET /permissions/{client_id}/roles
func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var roles []*Role
	var err error
	if h.cache != nil {
		roles, err = h.cache.ListRoles(r.Context(), clientID)
	} else {
		roles, err = h.store.ListRoles(r.Context(), clientID)
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"client_id": clientID, "roles": roles})
}

// GetRole handles GET /permissions/{client_id}/roles/{role_name}
func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	name, ok := httputil.PathStringOrError(w, r, "role_name")
	if !ok {
		return
	}

	role, err := h.store.GetRole(r.Context(), clientID, name)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, role)
}

// UpdateRole handles PUT /permissions/{client_id}/roles/{role_name}
func (h *Handlers) UpdateRole(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	name, ok := httputil.PathStringOrError(w, r, "role_name")
	if !ok {
		return
	}

	var req roleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Permissions) == 0 {
		httputil.WriteBadRequest(w, "permissions must not be empty")
		return
	}

	role := &Role{
		ClientID:          clientID,
		Name:              name,
		Description:       req.Description,
		Permissions:       req.Permissions,
		DeniedPermissions: req.DeniedPermissions,
		RLSFilters:        req.RLSFilters,
		ADGroups:          req.ADGroups,
		A2AOnly:           req.A2AOnly,
	}

	var err error
	if h.cache != nil {
		err = h.cache.UpdateRole(r.Context(), role)
	} else {
		err = h.store.UpdateRole(r.Context(), role)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeRoleUpdate, clientID, audit.ResourceTypeRole, name, err)
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeRoleUpdate, clientID, audit.ResourceTypeRole, name, audit.EventStatusSuccess, "role updated")
	httputil.WriteSuccess(w, role)
}

// DeleteRole handles DELETE /permissions/{client_id}/roles/{role_name}
func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	name, ok := httputil.PathStringOrError(w, r, "role_name")
	if !ok {
		return
	}

	var err error
	if h.cache != nil {
		err = h.cache.DeleteRole(r.Context(), clientID, name)
	} else {
		err = h.store.DeleteRole(r.Context(), clientID, name)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeRoleDelete, clientID, audit.ResourceTypeRole, name, err)
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeRoleDelete, clientID, audit.ResourceTypeRole, name, audit.EventStatusSuccess, "role deleted")
	httputil.WriteNoContent(w)
}

// Resolve handles POST /permissions/{client_id}/resolve
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var req struct {
		Roles  []string `json:"roles"`
		ForA2A bool     `json:"for_a2a"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.Roles) == 0 {
		httputil.WriteBadRequest(w, "roles must not be empty")
		return
	}

	result, err := h.resolver.Resolve(r.Context(), clientID, req.Roles, req.ForA2A)
	if err != nil {
		if errors.Is(err, ErrRoleNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// ListMappings handles GET /auth/admin/apps/{client_id}/role-mappings
func (h *Handlers) ListMappings(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	mappings, err := h.store.ListMappings(r.Context(), clientID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"client_id": clientID, "mappings": mappings})
}

// ReplaceMappings handles PUT /auth/admin/apps/{client_id}/role-mappings
func (h *Handlers) ReplaceMappings(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var req struct {
		Mappings []struct {
			ADGroup string `json:"ad_group"`
			AppRole string `json:"app_role"`
		} `json:"mappings"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	for _, m := range req.Mappings {
		if m.ADGroup == "" || m.AppRole == "" {
			httputil.WriteBadRequest(w, "every mapping needs ad_group and app_role")
			return
		}
	}

	mappings := make([]*RoleMapping, 0, len(req.Mappings))
	for _, m := range req.Mappings {
		mappings = append(mappings, &RoleMapping{ADGroup: m.ADGroup, RoleName: m.AppRole})
	}

	var err error
	if h.cache != nil {
		err = h.cache.ReplaceMappings(r.Context(), clientID, mappings)
	} else {
		err = h.store.ReplaceMappings(r.Context(), clientID, mappings)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeMappingUpdate, clientID, audit.ResourceTypeMapping, clientID, err)
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeMappingUpdate, clientID, audit.ResourceTypeMapping, clientID, audit.EventStatusSuccess, "role mappings replaced")
	httputil.WriteSuccess(w, map[string]interface{}{"client_id": clientID, "mappings": mappings})
}
