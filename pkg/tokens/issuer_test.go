package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cids-io/cids/pkg/apikeys"
	"github.com/cids-io/cids/pkg/audit"
	"github.com/cids-io/cids/pkg/rbac"
	"github.com/cids-io/cids/pkg/registry"
)

type fakeTemplates struct {
	byName     map[string]*TokenTemplate
	defaultTpl *TokenTemplate
}

func (f *fakeTemplates) ResolveTemplate(ctx context.Context, requested string) (*TokenTemplate, error) {
	if requested != "" {
		tmpl, ok := f.byName[requested]
		if !ok {
			return nil, ErrTemplateNotFound
		}
		return tmpl, nil
	}
	if f.defaultTpl == nil {
		return nil, ErrTemplateNotFound
	}
	return f.defaultTpl, nil
}

type fakeApps struct {
	apps map[string]*registry.RegisteredApp
}

func (f *fakeApps) GetApp(ctx context.Context, clientID string) (*registry.RegisteredApp, error) {
	app, ok := f.apps[clientID]
	if !ok {
		return nil, registry.ErrAppNotFound
	}
	return app, nil
}

type fakeRoles struct {
	byGroup map[string][]string // keyed by clientID
	a2a     map[string][]string // keyed by target + "|" + caller
}

func (f *fakeRoles) RolesForGroups(ctx context.Context, clientID string, groups []string) ([]string, error) {
	return f.byGroup[clientID], nil
}

func (f *fakeRoles) A2ARoles(ctx context.Context, targetClientID, callerClientID string) ([]string, error) {
	return f.a2a[targetClientID+"|"+callerClientID], nil
}

type fakeResolver struct {
	grants   map[string][]string
	excluded map[string][]string
}

func (f *fakeResolver) Resolve(ctx context.Context, clientID string, roleNames []string, forA2A bool) (*rbac.EffectivePermissions, error) {
	return &rbac.EffectivePermissions{
		ClientID: clientID,
		Roles:    roleNames,
		Grants:   f.grants,
		Excluded: f.excluded,
	}, nil
}

type fakeKeys struct {
	keys map[string]*apikeys.APIKey
}

func (f *fakeKeys) Authenticate(ctx context.Context, rawKey string) (*apikeys.APIKey, error) {
	key, ok := f.keys[rawKey]
	if !ok {
		return nil, apikeys.ErrKeyInvalid
	}
	return key, nil
}

type fakeActivity struct {
	recorded []*audit.TokenActivity
}

func (f *fakeActivity) Record(ctx context.Context, activity *audit.TokenActivity) error {
	f.recorded = append(f.recorded, activity)
	return nil
}

func testIssuer(t *testing.T, templates TemplateSource, activity ActivityRecorder) (*Issuer, *fakeRoles) {
	t.Helper()
	roles := &fakeRoles{
		byGroup: map[string][]string{"cids_hr": {"hr-viewer"}},
		a2a:     map[string][]string{"cids_hr|cids_payroll": {"payroll-reader"}},
	}
	apps := &fakeApps{apps: map[string]*registry.RegisteredApp{
		"cids_hr":      {ClientID: "cids_hr", Name: "HR Portal", IsActive: true},
		"cids_payroll": {ClientID: "cids_payroll", Name: "Payroll", IsActive: true},
		"cids_dead":    {ClientID: "cids_dead", Name: "Retired", IsActive: false},
	}}
	resolver := &fakeResolver{grants: map[string][]string{
		"users.read": {"email", "name"},
	}}
	keys := &fakeKeys{keys: map[string]*apikeys.APIKey{
		"cids_key_valid": {KeyID: "key-1", ClientID: "cids_payroll", State: apikeys.KeyStateActive},
	}}

	issuer, err := NewIssuer([]byte("test-secret"), "cids", 0, templates, apps, roles, resolver, keys, activity, nil, nil, nil)
	require.NoError(t, err)
	return issuer, roles
}

func defaultTemplates() *fakeTemplates {
	return &fakeTemplates{
		byName: map[string]*TokenTemplate{},
		defaultTpl: &TokenTemplate{
			Name:             "standard",
			TokenTTLMinutes:  30,
			DefaultAudience:  "cids-api",
			AllowedAudiences: []string{"cids-console"},
			IsDefault:        true,
		},
	}
}

func TestIssueUserToken(t *testing.T) {
	activity := &fakeActivity{}
	issuer, _ := testIssuer(t, defaultTemplates(), activity)

	token, err := issuer.IssueUserToken(context.Background(), "user-42", "jamie@corp.test",
		[]string{"hr-analysts"}, []string{"cids_hr"}, "", "")
	require.NoError(t, err)

	assert.Equal(t, "Bearer", token.TokenType)
	assert.Equal(t, 1800, token.ExpiresIn)
	assert.NotEmpty(t, token.TokenID)

	claims, err := issuer.ParseAndValidate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "jamie@corp.test", claims.Email)
	assert.Equal(t, jwt.ClaimStrings{"cids-api"}, claims.Audience)
	assert.Equal(t, []string{"hr-viewer"}, claims.Roles["cids_hr"])
	assert.Equal(t, []string{"email", "name"}, claims.Permissions["cids_hr"]["users.read"])
	assert.Nil(t, claims.Refreshable)

	require.Len(t, activity.recorded, 1)
	assert.Equal(t, "user", activity.recorded[0].Kind)
	assert.Equal(t, token.TokenID, activity.recorded[0].TokenID)
	assert.Equal(t, "cids_hr", activity.recorded[0].ClientID)
}

func TestIssueUserTokenAudienceRules(t *testing.T) {
	issuer, _ := testIssuer(t, defaultTemplates(), nil)

	// an explicitly allowed audience is accepted
	token, err := issuer.IssueUserToken(context.Background(), "user-42", "",
		nil, []string{"cids_hr"}, "cids-console", "")
	require.NoError(t, err)
	claims, err := issuer.ParseAndValidate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"cids-console"}, claims.Audience)

	_, err = issuer.IssueUserToken(context.Background(), "user-42", "",
		nil, []string{"cids_hr"}, "someone-elses-api", "")
	assert.ErrorIs(t, err, ErrAudienceNotAllowed)
}

func TestIssueUserTokenInactiveApp(t *testing.T) {
	issuer, _ := testIssuer(t, defaultTemplates(), nil)

	_, err := issuer.IssueUserToken(context.Background(), "user-42", "",
		nil, []string{"cids_dead"}, "", "")
	assert.ErrorIs(t, err, registry.ErrAppInactive)
}

func TestIssueUserTokenSkipsAppsWithoutRoles(t *testing.T) {
	issuer, _ := testIssuer(t, defaultTemplates(), nil)

	token, err := issuer.IssueUserToken(context.Background(), "user-42", "",
		[]string{"hr-analysts"}, []string{"cids_hr", "cids_payroll"}, "", "")
	require.NoError(t, err)

	claims, err := issuer.ParseAndValidate(token.AccessToken)
	require.NoError(t, err)
	assert.Contains(t, claims.Roles, "cids_hr")
	assert.NotContains(t, claims.Roles, "cids_payroll")
}

func TestIssueUserTokenMergesTemplateClaims(t *testing.T) {
	templates := defaultTemplates()
	templates.defaultTpl.ClaimsStructure = map[string]interface{}{
		"env": "prod",
		"sub": "template-must-not-win",
	}
	issuer, _ := testIssuer(t, templates, nil)

	token, err := issuer.IssueUserToken(context.Background(), "user-42", "",
		nil, []string{"cids_hr"}, "", "")
	require.NoError(t, err)

	parsed, err := jwt.Parse(token.AccessToken, func(t *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	mapClaims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "prod", mapClaims["env"])
	assert.Equal(t, "user-42", mapClaims["sub"])
}

func TestIssueUserTokenCarriesDeniedPaths(t *testing.T) {
	base, _ := testIssuer(t, defaultTemplates(), nil)
	resolver := &fakeResolver{
		grants:   map[string][]string{"users.read": {"*", "name"}},
		excluded: map[string][]string{"users.read": {"ssn"}},
	}
	issuer, err := NewIssuer([]byte("test-secret"), "cids", 0,
		defaultTemplates(), base.apps, base.roles, resolver, base.keys, nil, nil, nil, nil)
	require.NoError(t, err)

	token, err := issuer.IssueUserToken(context.Background(), "user-42", "",
		[]string{"hr-analysts"}, []string{"cids_hr"}, "", "")
	require.NoError(t, err)

	claims, err := issuer.ParseAndValidate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, []string{"*", "name"}, claims.Permissions["cids_hr"]["users.read"])
	assert.Equal(t, []string{"ssn"}, claims.Denied["cids_hr"]["users.read"])

	parsed, err := jwt.Parse(token.AccessToken, func(t *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	mapClaims := parsed.Claims.(jwt.MapClaims)
	require.Contains(t, mapClaims, "denied")
}

func TestIssueA2AToken(t *testing.T) {
	activity := &fakeActivity{}
	issuer, _ := testIssuer(t, defaultTemplates(), activity)

	token, err := issuer.IssueA2AToken(context.Background(), "cids_key_valid", "cids_hr", "")
	require.NoError(t, err)

	claims, err := issuer.ParseAndValidate(token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "cids_payroll", claims.Subject)
	assert.Equal(t, jwt.ClaimStrings{"cids_hr"}, claims.Audience)
	assert.Equal(t, []string{"payroll-reader"}, claims.Roles["cids_hr"])
	require.NotNil(t, claims.Refreshable)
	assert.False(t, *claims.Refreshable)

	require.Len(t, activity.recorded, 1)
	assert.Equal(t, "a2a", activity.recorded[0].Kind)
}

func TestIssueA2ATokenTTLBounds(t *testing.T) {
	templates := defaultTemplates()
	templates.byName["long"] = &TokenTemplate{Name: "long", TokenTTLMinutes: 60, DefaultAudience: "cids-api"}
	templates.byName["short"] = &TokenTemplate{Name: "short", TokenTTLMinutes: 1, DefaultAudience: "cids-api"}
	issuer, _ := testIssuer(t, templates, nil)

	// the default template asks for 30 minutes; a2a is capped at 10
	token, err := issuer.IssueA2AToken(context.Background(), "cids_key_valid", "cids_hr", "")
	require.NoError(t, err)
	assert.Equal(t, int(MaxA2ATTL.Seconds()), token.ExpiresIn)

	token, err = issuer.IssueA2AToken(context.Background(), "cids_key_valid", "cids_hr", "long")
	require.NoError(t, err)
	assert.Equal(t, int(MaxA2ATTL.Seconds()), token.ExpiresIn)

	token, err = issuer.IssueA2AToken(context.Background(), "cids_key_valid", "cids_hr", "short")
	require.NoError(t, err)
	assert.Equal(t, int(MinA2ATTL.Seconds()), token.ExpiresIn)

	claims, err := issuer.ParseAndValidate(token.AccessToken)
	require.NoError(t, err)
	lifetime := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
	assert.Equal(t, MinA2ATTL, lifetime)
}

func TestIssueA2ATokenWithoutGrant(t *testing.T) {
	issuer, roles := testIssuer(t, defaultTemplates(), nil)
	delete(roles.a2a, "cids_hr|cids_payroll")

	_, err := issuer.IssueA2AToken(context.Background(), "cids_key_valid", "cids_hr", "")
	assert.ErrorIs(t, err, ErrNoA2AGrant)
}

func TestIssueA2ATokenBadKey(t *testing.T) {
	issuer, _ := testIssuer(t, defaultTemplates(), nil)

	_, err := issuer.IssueA2AToken(context.Background(), "cids_key_bogus", "cids_hr", "")
	assert.ErrorIs(t, err, apikeys.ErrKeyInvalid)
}

func TestParseAndValidateRejectsTamperedToken(t *testing.T) {
	issuer, _ := testIssuer(t, defaultTemplates(), nil)

	token, err := issuer.IssueUserToken(context.Background(), "user-42", "",
		nil, []string{"cids_hr"}, "", "")
	require.NoError(t, err)

	_, err = issuer.ParseAndValidate(token.AccessToken + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.ParseAndValidate("")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestClampA2ATTL(t *testing.T) {
	assert.Equal(t, MaxA2ATTL, clampA2ATTL(nil, MaxA2ATTL))
	assert.Equal(t, 6*time.Minute, clampA2ATTL(nil, 6*time.Minute))
	assert.Equal(t, MaxA2ATTL, clampA2ATTL(&TokenTemplate{TokenTTLMinutes: 120}, MaxA2ATTL))
	assert.Equal(t, MinA2ATTL, clampA2ATTL(&TokenTemplate{TokenTTLMinutes: 2}, MaxA2ATTL))
	assert.Equal(t, 7*time.Minute, clampA2ATTL(&TokenTemplate{TokenTTLMinutes: 7}, MaxA2ATTL))
}

func TestIssueA2ATokenUsesConfiguredTTL(t *testing.T) {
	base, _ := testIssuer(t, defaultTemplates(), nil)
	issuer, err := NewIssuer([]byte("test-secret"), "cids", 6*time.Minute,
		&fakeTemplates{byName: map[string]*TokenTemplate{}}, base.apps, base.roles,
		base.resolver, base.keys, nil, nil, nil, nil)
	require.NoError(t, err)

	token, err := issuer.IssueA2AToken(context.Background(), "cids_key_valid", "cids_hr", "")
	require.NoError(t, err)
	assert.Equal(t, 360, token.ExpiresIn)
}
