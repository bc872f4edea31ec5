package registry

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/httputil"
)

// Handlers provides HTTP handlers for app registry administration
type Handlers struct {
	registry *Cache
	store    *Store
	auditLog audit.Logger
}

// NewHandlers creates registry handlers. cache may be nil when Redis is
// disabled; handlers then hit the store directly.
func NewHandlers(store *Store, cache *Cache, auditLog audit.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	return &Handlers{registry: cache, store: store, auditLog: auditLog}
}

// RegisterRoutes registers registry routes on the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/admin/apps", h.ListApps).Methods("GET")
	r.HandleFunc("/auth/admin/apps", h.RegisterApp).Methods("POST")
	r.HandleFunc("/auth/admin/apps/{client_id}", h.GetApp).Methods("GET")
	r.HandleFunc("/auth/admin/apps/{client_id}", h.UpdateApp).Methods("PUT")
	r.HandleFunc("/auth/admin/apps/{client_id}/activate", h.Activate).Methods("POST")
	r.HandleFunc("/auth/admin/apps/{client_id}/deactivate", h.Deactivate).Methods("POST")
}

func (h *Handlers) reader() AppReader {
	if h.registry != nil {
		return h.registry
	}
	return h.store
}

// RegisterApp handles POST /auth/admin/apps
func (h *Handlers) RegisterApp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name              string   `json:"name"`
		OwnerEmail        string   `json:"owner_email"`
		RedirectURIs      []string `json:"redirect_uris"`
		AllowDiscovery    bool     `json:"allow_discovery"`
		DiscoveryEndpoint string   `json:"discovery_endpoint"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Name == "" || req.OwnerEmail == "" {
		httputil.WriteBadRequest(w, "name and owner_email are required")
		return
	}

	app := &RegisteredApp{
		Name:              req.Name,
		OwnerEmail:        req.OwnerEmail,
		RedirectURIs:      req.RedirectURIs,
		AllowDiscovery:    req.AllowDiscovery,
		DiscoveryEndpoint: req.DiscoveryEndpoint,
	}

	var result *RegistrationResult
	var err error
	if h.registry != nil {
		result, err = h.registry.CreateApp(r.Context(), app)
	} else {
		result, err = h.store.CreateApp(r.Context(), app)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeAppRegister, app.ClientID, audit.ResourceTypeApp, app.Name, err)
		if errors.Is(err, ErrAppExists) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeAppRegister, result.App.ClientID, audit.ResourceTypeApp, result.App.Name, audit.EventStatusSuccess, "app registered")
	httputil.WriteCreated(w, result)
}

// ListApps handles GET /auth/admin/apps
func (h *Handlers) ListApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.reader().ListApps(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"apps": apps})
}

// GetApp handles GET /auth/admin/apps/{client_id}
func (h *Handlers) GetApp(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	app, err := h.reader().GetApp(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, ErrAppNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, app)
}

// UpdateApp handles PUT /auth/admin/apps/{client_id}
func (h *Handlers) UpdateApp(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var update AppUpdate
	if !httputil.ParseJSONOrError(w, r, &update) {
		return
	}

	var app *RegisteredApp
	var err error
	if h.registry != nil {
		app, err = h.registry.UpdateApp(r.Context(), clientID, &update)
	} else {
		app, err = h.store.UpdateApp(r.Context(), clientID, &update)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeAppUpdate, clientID, audit.ResourceTypeApp, clientID, err)
		if errors.Is(err, ErrAppNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeAppUpdate, clientID, audit.ResourceTypeApp, clientID, audit.EventStatusSuccess, "app updated")
	httputil.WriteSuccess(w, app)
}

// Activate handles POST /auth/admin/apps/{client_id}/activate
func (h *Handlers) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true, audit.EventTypeAppActivate)
}

// Deactivate handles POST /auth/admin/apps/{client_id}/deactivate
func (h *Handlers) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false, audit.EventTypeAppDeactivate)
}

func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request, active bool, eventType audit.EventType) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	var err error
	if h.registry != nil {
		err = h.registry.SetActive(r.Context(), clientID, active)
	} else {
		err = h.store.SetActive(r.Context(), clientID, active)
	}
	if err != nil {
		h.auditLog.LogFailure(r.Context(), eventType, clientID, audit.ResourceTypeApp, clientID, err)
		if errors.Is(err, ErrAppNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), eventType, clientID, audit.ResourceTypeApp, clientID, audit.EventStatusSuccess, "activation toggled")
	httputil.WriteSuccess(w, map[string]interface{}{"client_id": clientID, "is_active": active})
}
