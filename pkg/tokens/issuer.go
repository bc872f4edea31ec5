package tokens

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/cids-io/cids/pkg/apikeys"
	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/observability"
	"github.com/cids-io/cids/pkg/rbac"
	"github.com/cids-io/cids/pkg/registry"
)

// ErrInvalidToken indicates a token failed signature or claim validation
var ErrInvalidToken = errors.New("invalid token")

// TemplateSource resolves token templates
type TemplateSource interface {
	ResolveTemplate(ctx context.Context, requested string) (*TokenTemplate, error)
}

// AppSource looks up registered apps
type AppSource interface {
	GetApp(ctx context.Context, clientID string) (*registry.RegisteredApp, error)
}

// RoleSource maps identities to role names
type RoleSource interface {
	RolesForGroups(ctx context.Context, clientID string, groups []string) ([]string, error)
	A2ARoles(ctx context.Context, targetClientID, callerClientID string) ([]string, error)
}

// PermissionResolver computes effective permissions for a role set
type PermissionResolver interface {
	Resolve(ctx context.Context, clientID string, roleNames []string, forA2A bool) (*rbac.EffectivePermissions, error)
}

// KeyAuthenticator validates raw API keys for the A2A flow
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*apikeys.APIKey, error)
}

// ActivityRecorder appends one row per issued token
type ActivityRecorder interface {
	Record(ctx context.Context, activity *audit.TokenActivity) error
}

// Claims are the CIDS JWT claims. Roles, Permissions and Denied are keyed by
// the target app's client_id. A "*" entry in a permission field list is a
// wildcard grant; consumers honoring it must subtract the node's Denied paths.
type Claims struct {
	Email       string                         `json:"email,omitempty"`
	Roles       map[string][]string            `json:"roles,omitempty"`
	Permissions map[string]map[string][]string `json:"permissions,omitempty"`
	Denied      map[string]map[string][]string `json:"denied,omitempty"`
	Refreshable *bool                          `json:"refreshable,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs CIDS access tokens with HS256
type Issuer struct {
	secret    []byte
	issuer    string
	a2aTTL    time.Duration
	templates TemplateSource
	apps      AppSource
	roles     RoleSource
	resolver  PermissionResolver
	keys      KeyAuthenticator
	activity  ActivityRecorder
	auditLog  audit.Logger
	metrics   *observability.Metrics
	logger    *observability.Logger
}

// NewIssuer creates a token issuer. a2aTTL is the lifetime for A2A tokens
// issued without a template; zero means MaxA2ATTL, and out-of-range values
// are clamped. The activity recorder may be nil.
func NewIssuer(secret []byte, issuerName string, a2aTTL time.Duration, templates TemplateSource, apps AppSource, roles RoleSource, resolver PermissionResolver, keys KeyAuthenticator, activity ActivityRecorder, auditLog audit.Logger, metrics *observability.Metrics, logger *observability.Logger) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("signing secret is required")
	}
	if issuerName == "" {
		issuerName = "cids"
	}
	if a2aTTL <= 0 {
		a2aTTL = MaxA2ATTL
	} else if a2aTTL < MinA2ATTL {
		a2aTTL = MinA2ATTL
	} else if a2aTTL > MaxA2ATTL {
		a2aTTL = MaxA2ATTL
	}
	if auditLog == nil {
		auditLog = audit.NopLogger()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Issuer{
		secret:    secret,
		issuer:    issuerName,
		a2aTTL:    a2aTTL,
		templates: templates,
		apps:      apps,
		roles:     roles,
		resolver:  resolver,
		keys:      keys,
		activity:  activity,
		auditLog:  auditLog,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// IssueUserToken issues a user access token carrying, per target app, the
// roles mapped from the caller's directory groups and the resolved effective
// permissions. The requested audience must be the template default or in the
// template's allowed set.
func (i *Issuer) IssueUserToken(ctx context.Context, subject, email string, adGroups, clientIDs []string, audience, templateName string) (*IssuedToken, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, errors.New("subject is required")
	}

	tmpl, err := i.templates.ResolveTemplate(ctx, templateName)
	if err != nil {
		return nil, i.issueFailed(ctx, "user", subject, err)
	}
	if audience == "" {
		audience = tmpl.DefaultAudience
	} else if !tmpl.AllowsAudience(audience) {
		err := fmt.Errorf("audience %q for template %s: %w", audience, tmpl.Name, ErrAudienceNotAllowed)
		return nil, i.issueFailed(ctx, "user", subject, err)
	}

	rolesByApp := make(map[string][]string)
	permsByApp := make(map[string]map[string][]string)
	deniedByApp := make(map[string]map[string][]string)
	for _, clientID := range clientIDs {
		app, err := i.apps.GetApp(ctx, clientID)
		if err != nil {
			return nil, i.issueFailed(ctx, "user", subject, err)
		}
		if !app.IsActive {
			err := fmt.Errorf("client_id %s: %w", clientID, registry.ErrAppInactive)
			return nil, i.issueFailed(ctx, "user", subject, err)
		}

		roleNames, err := i.roles.RolesForGroups(ctx, clientID, adGroups)
		if err != nil {
			return nil, i.issueFailed(ctx, "user", subject, err)
		}
		if len(roleNames) == 0 {
			continue
		}

		perms, err := i.resolver.Resolve(ctx, clientID, roleNames, false)
		if err != nil {
			return nil, i.issueFailed(ctx, "user", subject, err)
		}
		rolesByApp[clientID] = perms.Roles
		permsByApp[clientID] = perms.Grants
		if len(perms.Excluded) > 0 {
			deniedByApp[clientID] = perms.Excluded
		}
	}
	if len(deniedByApp) == 0 {
		deniedByApp = nil
	}

	now := time.Now().UTC()
	ttl := tmpl.TTL()
	claims := &Claims{
		Email:       email,
		Roles:       rolesByApp,
		Permissions: permsByApp,
		Denied:      deniedByApp,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := i.sign(claims, tmpl.ClaimsStructure)
	if err != nil {
		return nil, i.issueFailed(ctx, "user", subject, err)
	}

	i.recordIssued(ctx, "user", subject, clientIDs, audience, claims)
	return &IssuedToken{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		TokenID:     claims.ID,
	}, nil
}

// IssueA2AToken issues a short-lived app-to-app token. The caller is
// authenticated by API key and must hold an A2A role grant on the target app.
// A2A tokens are never refreshable and their lifetime is clamped regardless
// of what the template asks for; callers re-mint instead of refreshing.
func (i *Issuer) IssueA2AToken(ctx context.Context, rawKey, targetClientID, templateName string) (*IssuedToken, error) {
	key, err := i.keys.Authenticate(ctx, rawKey)
	if err != nil {
		return nil, i.issueFailed(ctx, "a2a", "", err)
	}
	caller := key.ClientID

	app, err := i.apps.GetApp(ctx, targetClientID)
	if err != nil {
		return nil, i.issueFailed(ctx, "a2a", caller, err)
	}
	if !app.IsActive {
		err := fmt.Errorf("client_id %s: %w", targetClientID, registry.ErrAppInactive)
		return nil, i.issueFailed(ctx, "a2a", caller, err)
	}

	roleNames, err := i.roles.A2ARoles(ctx, targetClientID, caller)
	if err != nil {
		return nil, i.issueFailed(ctx, "a2a", caller, err)
	}
	if len(roleNames) == 0 {
		err := fmt.Errorf("caller %s on target %s: %w", caller, targetClientID, ErrNoA2AGrant)
		return nil, i.issueFailed(ctx, "a2a", caller, err)
	}

	perms, err := i.resolver.Resolve(ctx, targetClientID, roleNames, true)
	if err != nil {
		return nil, i.issueFailed(ctx, "a2a", caller, err)
	}

	var tmpl *TokenTemplate
	var extra map[string]interface{}
	tmpl, err = i.templates.ResolveTemplate(ctx, templateName)
	if err != nil {
		if templateName != "" || !errors.Is(err, ErrTemplateNotFound) {
			return nil, i.issueFailed(ctx, "a2a", caller, err)
		}
	} else {
		extra = tmpl.ClaimsStructure
	}
	ttl := clampA2ATTL(tmpl, i.a2aTTL)

	var denied map[string]map[string][]string
	if len(perms.Excluded) > 0 {
		denied = map[string]map[string][]string{targetClientID: perms.Excluded}
	}

	now := time.Now().UTC()
	refreshable := false
	claims := &Claims{
		Roles:       map[string][]string{targetClientID: perms.Roles},
		Permissions: map[string]map[string][]string{targetClientID: perms.Grants},
		Denied:      denied,
		Refreshable: &refreshable,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   caller,
			Audience:  jwt.ClaimStrings{targetClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := i.sign(claims, extra)
	if err != nil {
		return nil, i.issueFailed(ctx, "a2a", caller, err)
	}

	i.recordIssued(ctx, "a2a", caller, []string{targetClientID}, targetClientID, claims)
	return &IssuedToken{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(ttl.Seconds()),
		TokenID:     claims.ID,
	}, nil
}

// ParseAndValidate verifies the token signature and required claims
func (i *Issuer) ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != i.issuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// sign merges the template's claims structure under the typed claims.
// Reserved and CIDS claims always win over template entries.
func (i *Issuer) sign(claims *Claims, extra map[string]interface{}) (string, error) {
	var token *jwt.Token
	if len(extra) == 0 {
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	} else {
		merged := jwt.MapClaims{}
		for k, v := range extra {
			merged[k] = v
		}
		merged["iss"] = claims.Issuer
		merged["sub"] = claims.Subject
		merged["aud"] = claims.Audience
		merged["iat"] = claims.IssuedAt
		merged["exp"] = claims.ExpiresAt
		merged["jti"] = claims.ID
		if claims.Email != "" {
			merged["email"] = claims.Email
		}
		if len(claims.Roles) > 0 {
			merged["roles"] = claims.Roles
		}
		if len(claims.Permissions) > 0 {
			merged["permissions"] = claims.Permissions
		}
		if len(claims.Denied) > 0 {
			merged["denied"] = claims.Denied
		}
		if claims.Refreshable != nil {
			merged["refreshable"] = *claims.Refreshable
		}
		token = jwt.NewWithClaims(jwt.SigningMethodHS256, merged)
	}

	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (i *Issuer) recordIssued(ctx context.Context, kind, subject string, clientIDs []string, audience string, claims *Claims) {
	eventType := audit.EventTypeTokenIssueUser
	if kind == "a2a" {
		eventType = audit.EventTypeTokenIssueA2A
	}

	if i.activity != nil {
		for _, clientID := range clientIDs {
			activity := &audit.TokenActivity{
				TokenID:   claims.ID,
				Kind:      kind,
				Subject:   subject,
				ClientID:  clientID,
				Audience:  audience,
				IssuedAt:  claims.IssuedAt.Time,
				ExpiresAt: claims.ExpiresAt.Time,
			}
			if err := i.activity.Record(ctx, activity); err != nil {
				i.logger.WithError(err).WithField("token_id", claims.ID).Warn("failed to record token activity")
			}
		}
	}

	if i.metrics != nil {
		i.metrics.TokensIssuedTotal.WithLabelValues(kind).Inc()
	}
	i.auditLog.LogMutation(ctx, eventType, subject, audit.ResourceTypeToken, claims.ID,
		audit.EventStatusSuccess, fmt.Sprintf("%s token issued for %s", kind, strings.Join(clientIDs, ",")))
}

func (i *Issuer) issueFailed(ctx context.Context, kind, subject string, err error) error {
	if i.metrics != nil {
		i.metrics.TokenIssueFailures.WithLabelValues(kind).Inc()
	}
	i.auditLog.LogFailure(ctx, audit.EventTypeTokenIssueFailed, subject, audit.ResourceTypeToken, "", err)
	return err
}

func clampA2ATTL(tmpl *TokenTemplate, fallback time.Duration) time.Duration {
	if tmpl == nil {
		return fallback
	}
	ttl := tmpl.TTL()
	if ttl < MinA2ATTL {
		return MinA2ATTL
	}
	if ttl > MaxA2ATTL {
		return MaxA2ATTL
	}
	return ttl
}
