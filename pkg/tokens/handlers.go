package tokens

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/cids-io/cids/pkg/apikeys"
	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/contextkeys"
	"github.com/cids-io/cids/pkg/httputil"
	"github.com/cids-io/cids/pkg/rbac"
	"github.com/cids-io/cids/pkg/registry"
	"github.com/cids-io/cids/pkg/sso"
)

// TemplateStore is the template persistence surface the handlers need
type TemplateStore interface {
	CreateTemplate(ctx context.Context, tmpl *TokenTemplate) error
	GetTemplate(ctx context.Context, name string) (*TokenTemplate, error)
	ListTemplates(ctx context.Context) ([]*TokenTemplate, error)
	UpdateTemplate(ctx context.Context, tmpl *TokenTemplate) error
	DeleteTemplate(ctx context.Context, name string) error
}

// IdentityVerifier validates bearer ID tokens from the directory front door.
// When nil, identity comes from the request body (local development only).
type IdentityVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*sso.Identity, error)
}

// Handlers exposes token issuance and template administration over HTTP
type Handlers struct {
	issuer   *Issuer
	store    TemplateStore
	verifier IdentityVerifier
	auditLog audit.Logger
}

// NewHandlers creates token HTTP handlers. verifier may be nil.
func NewHandlers(issuer *Issuer, store TemplateStore, verifier IdentityVerifier, auditLog audit.Logger) *Handlers {
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	return &Handlers{issuer: issuer, store: store, verifier: verifier, auditLog: auditLog}
}

// RegisterRoutes registers token routes on the router
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/auth/token", h.IssueUserToken).Methods("POST")
	r.HandleFunc("/auth/token/a2a", h.IssueA2AToken).Methods("POST")
	r.HandleFunc("/auth/admin/token-templates", h.ListTemplates).Methods("GET")
	r.HandleFunc("/auth/admin/token-templates", h.CreateTemplate).Methods("POST")
	r.HandleFunc("/auth/admin/token-templates/{name}", h.GetTemplate).Methods("GET")
	r.HandleFunc("/auth/admin/token-templates/{name}", h.UpdateTemplate).Methods("PUT")
	r.HandleFunc("/auth/admin/token-templates/{name}", h.DeleteTemplate).Methods("DELETE")
}

type userTokenRequest struct {
	Subject   string   `json:"subject,omitempty"`
	Email     string   `json:"email,omitempty"`
	ADGroups  []string `json:"ad_groups,omitempty"`
	ClientIDs []string `json:"client_ids"`
	Audience  string   `json:"audience,omitempty"`
	Template  string   `json:"template,omitempty"`
}

// IssueUserToken handles POST /auth/token
func (h *Handlers) IssueUserToken(w http.ResponseWriter, r *http.Request) {
	var req userTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if len(req.ClientIDs) == 0 {
		httputil.WriteBadRequest(w, "client_ids is required")
		return
	}

	ctx := r.Context()
	subject, email, groups := req.Subject, req.Email, req.ADGroups
	if h.verifier != nil {
		raw := bearerToken(r)
		if raw == "" {
			httputil.WriteUnauthorized(w, "bearer ID token is required")
			return
		}
		identity, err := h.verifier.Verify(ctx, raw)
		if err != nil {
			httputil.WriteUnauthorized(w, "invalid ID token")
			return
		}
		subject, email, groups = identity.Subject, identity.Email, identity.Groups
		ctx = contextkeys.WithIdentity(ctx, identity)
	}
	if subject == "" {
		httputil.WriteBadRequest(w, "subject is required")
		return
	}

	token, err := h.issuer.IssueUserToken(ctx, subject, email, groups, req.ClientIDs, req.Audience, req.Template)
	if err != nil {
		writeIssueError(w, err)
		return
	}
	httputil.WriteSuccess(w, token)
}

type a2aTokenRequest struct {
	APIKey         string `json:"api_key,omitempty"`
	TargetClientID string `json:"target_client_id"`
	Template       string `json:"template,omitempty"`
}

// IssueA2AToken handles POST /auth/token/a2a
func (h *Handlers) IssueA2AToken(w http.ResponseWriter, r *http.Request) {
	var req a2aTokenRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.TargetClientID == "" {
		httputil.WriteBadRequest(w, "target_client_id is required")
		return
	}

	rawKey := bearerToken(r)
	if rawKey == "" {
		rawKey = req.APIKey
	}
	if rawKey == "" {
		httputil.WriteUnauthorized(w, "api key is required")
		return
	}

	token, err := h.issuer.IssueA2AToken(r.Context(), rawKey, req.TargetClientID, req.Template)
	if err != nil {
		writeIssueError(w, err)
		return
	}
	httputil.WriteSuccess(w, token)
}

// ListTemplates handles GET /auth/admin/token-templates
func (h *Handlers) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"templates": templates})
}

// CreateTemplate handles POST /auth/admin/token-templates
func (h *Handlers) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl TokenTemplate
	if !httputil.ParseJSONOrError(w, r, &tmpl) {
		return
	}
	if msg := validateTemplate(&tmpl); msg != "" {
		httputil.WriteBadRequest(w, msg)
		return
	}

	if err := h.store.CreateTemplate(r.Context(), &tmpl); err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeTemplateCreate, "", audit.ResourceTypeTemplate, tmpl.Name, err)
		if errors.Is(err, ErrTemplateExists) {
			httputil.WriteConflict(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeTemplateCreate, "", audit.ResourceTypeTemplate, tmpl.Name,
		audit.EventStatusSuccess, "token template created")
	httputil.WriteCreated(w, &tmpl)
}

// GetTemplate handles GET /auth/admin/token-templates/{name}
func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathStringOrError(w, r, "name")
	if !ok {
		return
	}

	tmpl, err := h.store.GetTemplate(r.Context(), name)
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, tmpl)
}

// UpdateTemplate handles PUT /auth/admin/token-templates/{name}
func (h *Handlers) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathStringOrError(w, r, "name")
	if !ok {
		return
	}

	var tmpl TokenTemplate
	if !httputil.ParseJSONOrError(w, r, &tmpl) {
		return
	}
	tmpl.Name = name
	if msg := validateTemplate(&tmpl); msg != "" {
		httputil.WriteBadRequest(w, msg)
		return
	}

	if err := h.store.UpdateTemplate(r.Context(), &tmpl); err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeTemplateUpdate, "", audit.ResourceTypeTemplate, name, err)
		if errors.Is(err, ErrTemplateNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeTemplateUpdate, "", audit.ResourceTypeTemplate, name,
		audit.EventStatusSuccess, "token template updated")
	httputil.WriteSuccess(w, &tmpl)
}

// DeleteTemplate handles DELETE /auth/admin/token-templates/{name}
func (h *Handlers) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathStringOrError(w, r, "name")
	if !ok {
		return
	}

	if err := h.store.DeleteTemplate(r.Context(), name); err != nil {
		h.auditLog.LogFailure(r.Context(), audit.EventTypeTemplateDelete, "", audit.ResourceTypeTemplate, name, err)
		if errors.Is(err, ErrTemplateNotFound) {
			httputil.WriteNotFound(w, err.Error())
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	h.auditLog.LogMutation(r.Context(), audit.EventTypeTemplateDelete, "", audit.ResourceTypeTemplate, name,
		audit.EventStatusSuccess, "token template deleted")
	httputil.WriteNoContent(w)
}

func validateTemplate(tmpl *TokenTemplate) string {
	if tmpl.Name == "" {
		return "name is required"
	}
	if tmpl.TokenTTLMinutes < 1 {
		return "token_ttl_minutes must be at least 1"
	}
	if tmpl.DefaultAudience == "" {
		return "default_audience is required"
	}
	return ""
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apikeys.ErrKeyInvalid):
		httputil.WriteUnauthorized(w, "invalid api key")
	case errors.Is(err, ErrAudienceNotAllowed), errors.Is(err, ErrNoA2AGrant), errors.Is(err, registry.ErrAppInactive):
		httputil.WriteForbidden(w, err.Error())
	case errors.Is(err, ErrTemplateNotFound), errors.Is(err, registry.ErrAppNotFound), errors.Is(err, rbac.ErrRoleNotFound):
		httputil.WriteNotFound(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
