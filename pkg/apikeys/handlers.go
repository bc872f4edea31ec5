package apikeys

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cids-io/cids/pkg/httputil"
	"github.com/cids-io/cids/pkg/registry"
)

// Handlers provides HTTP handlers for API key and rotation administration
type Handlers struct {
	service *Service
	store   KeyStore
}

// NewHandlers creates API key handlers
func NewHandlers(service *Service, store KeyStore) *Handlers {
	return &Handlers{service: service, store: store}
}

// RegisterRoutes registers API key routes on the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/admin/apps/{client_id}/api-keys", h.CreateKey).Methods("POST")
	r.HandleFunc("/auth/admin/apps/{client_id}/api-keys", h.ListKeys).Methods("GET")
	r.HandleFunc("/auth/admin/apps/{client_id}/api-keys/{key_id}/rotate", h.RotateKey).Methods("POST")
	r.HandleFunc("/auth/admin/apps/{client_id}/api-keys/{key_id}", h.RevokeKey).Methods("DELETE")
	r.HandleFunc("/auth/admin/rotation/check", h.CheckRotations).Methods("POST")
	r.HandleFunc("/auth/admin/rotation/policies", h.ListPolicies).Methods("GET")
	r.HandleFunc("/auth/admin/rotation/policies/{client_id}", h.GetPolicy).Methods("GET")
	r.HandleFunc("/auth/admin/rotation/policies/{client_id}", h.UpsertPolicy).Methods("PUT")
}

// CreateKey handles POST /auth/admin/apps/{client_id}/api-keys
func (h *Handlers) CreateKey(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	result, err := h.service.CreateKey(r.Context(), clientID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAppNotFound):
			httputil.WriteNotFound(w, err.Error())
		case errors.Is(err, registry.ErrAppInactive):
			httputil.WriteForbidden(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}
	httputil.WriteCreated(w, result)
}

// ListKeys handles GET /auth/admin/apps/{client_id}/api-keys
func (h *Handlers) ListKeys(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	keys, err := h.store.ListKeys(r.Context(), clientID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"client_id": clientID, "keys": keys})
}

// RotateKey handles POST /auth/admin/apps/{client_id}/api-keys/{key_id}/rotate
func (h *Handlers) RotateKey(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	keyID, ok := httputil.PathStringOrError(w, r, "key_id")
	if !ok {
		return
	}
	graceHours, err := httputil.QueryInt(r, "grace_period_hours", 0)
	if err != nil || graceHours < 0 {
		httputil.WriteBadRequest(w, "grace_period_hours must be a non-negative integer")
		return
	}

	result, err := h.service.RotateKey(r.Context(), clientID, keyID, graceHours)
	if err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			httputil.WriteNotFound(w, err.Error())
		case errors.Is(err, ErrRotationInProgress), errors.Is(err, ErrKeyInvalid):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}
	httputil.WriteSuccess(w, result)
}

// RevokeKey handles DELETE /auth/admin/apps/{client_id}/api-keys/{key_id}
func (h *Handlers) RevokeKey(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	keyID, ok := httputil.PathStringOrError(w, r, "key_id")
	if !ok {
		return
	}

	if err := h.service.RevokeKey(r.Context(), clientID, keyID); err != nil {
		switch {
		case errors.Is(err, ErrKeyNotFound):
			httputil.WriteNotFound(w, err.Error())
		case errors.Is(err, ErrKeyInvalid):
			httputil.WriteConflict(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}
	httputil.WriteNoContent(w)
}

// CheckRotations handles POST /auth/admin/rotation/check
func (h *Handlers) CheckRotations(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.CheckRotations(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// ListPolicies handles GET /auth/admin/rotation/policies
func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.store.ListPolicies(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"policies": policies})
}

// GetPolicy handles GET /auth/admin/rotation/policies/{client_id}
func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	policy, err := h.store.GetPolicy(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, policy)
}

// UpsertPolicy handles PUT /auth/admin/rotation/policies/{client_id}
func (h *Handlers) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var req struct {
		DaysBeforeExpiry int    `json:"days_before_expiry"`
		GracePeriodHours int    `json:"grace_period_hours"`
		AutoRotate       bool   `json:"auto_rotate"`
		NotifyWebhook    string `json:"notify_webhook"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.DaysBeforeExpiry < 1 {
		httputil.WriteBadRequest(w, "days_before_expiry must be at least 1")
		return
	}
	if req.GracePeriodHours < 1 {
		httputil.WriteBadRequest(w, "grace_period_hours must be at least 1")
		return
	}

	policy := &RotationPolicy{
		ClientID:         clientID,
		DaysBeforeExpiry: req.DaysBeforeExpiry,
		GracePeriodHours: req.GracePeriodHours,
		AutoRotate:       req.AutoRotate,
		NotifyWebhook:    req.NotifyWebhook,
	}
	if err := h.store.UpsertPolicy(r.Context(), policy); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, policy)
}
