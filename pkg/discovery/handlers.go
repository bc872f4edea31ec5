package discovery

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/cids-io/cids/pkg/httputil"
	"github.com/cids-io/cids/pkg/registry"
)

// Handlers provides HTTP handlers for discovery runs and permission trees
type Handlers struct {
	service *Service
	store   RunStore
}

// NewHandlers creates discovery handlers
func NewHandlers(service *Service, store RunStore) *Handlers {
	return &Handlers{service: service, store: store}
}

// RegisterRoutes registers discovery routes on the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/discovery/endpoints/{client_id}", h.RunDiscovery).Methods("POST")
	r.HandleFunc("/discovery/v2/permissions/{client_id}/tree", h.GetLatestTree).Methods("GET")
	r.HandleFunc("/discovery/v2/permissions/{client_id}/tree/{version}", h.GetTree).Methods("GET")
	r.HandleFunc("/discovery/v2/permissions/{client_id}/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/discovery/v2/permissions/{client_id}/diff", h.Diff).Methods("GET")
}

// RunDiscovery handles POST /discovery/endpoints/{client_id}
func (h *Handlers) RunDiscovery(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	force := httputil.QueryBool(r, "force", false)

	result, err := h.service.RunDiscovery(r.Context(), clientID, force)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAppNotFound):
			httputil.WriteNotFound(w, err.Error())
		case errors.Is(err, registry.ErrAppInactive), errors.Is(err, ErrDiscoveryDisabled):
			httputil.WriteForbidden(w, err.Error())
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteSuccess(w, result)
}

// GetLatestTree handles GET /discovery/v2/permissions/{client_id}/tree
func (h *Handlers) GetLatestTree(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}

	tree, err := h.store.LatestTree(r.Context(), clientID)
	if err != nil {
		h.writeTreeError(w, err)
		return
	}
	httputil.WriteSuccess(w, tree)
}

// GetTree handles GET /discovery/v2/permissions/{client_id}/tree/{version}
func (h *Handlers) GetTree(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	version, err := strconv.Atoi(mux.Vars(r)["version"])
	if err != nil || version < 1 {
		httputil.WriteBadRequest(w, "version must be a positive integer")
		return
	}

	tree, err := h.store.GetTree(r.Context(), clientID, version)
	if err != nil {
		h.writeTreeError(w, err)
		return
	}
	httputil.WriteSuccess(w, tree)
}

// ListRuns handles GET /discovery/v2/permissions/{client_id}/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, "limit must be an integer")
		return
	}

	runs, err := h.store.ListRuns(r.Context(), clientID, limit)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"client_id": clientID, "runs": runs})
}

// Diff handles GET /discovery/v2/permissions/{client_id}/diff?from=N&to=M
func (h *Handlers) Diff(w http.ResponseWriter, r *http.Request) {
	clientID, ok := httputil.PathStringOrError(w, r, "client_id")
	if !ok {
		return
	}
	from, err := httputil.QueryInt(r, "from", 0)
	if err != nil || from < 1 {
		httputil.WriteBadRequest(w, "from must be a positive integer")
		return
	}
	to, err := httputil.QueryInt(r, "to", 0)
	if err != nil || to < 1 {
		httputil.WriteBadRequest(w, "to must be a positive integer")
		return
	}

	diff, err := h.service.Diff(r.Context(), clientID, from, to)
	if err != nil {
		h.writeTreeError(w, err)
		return
	}
	httputil.WriteSuccess(w, diff)
}

func (h *Handlers) writeTreeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrTreeNotFound) || errors.Is(err, ErrRunNotFound) {
		httputil.WriteNotFound(w, err.Error())
		return
	}
	httputil.WriteInternalError(w, err)
}
