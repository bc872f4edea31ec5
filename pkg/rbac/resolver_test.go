package rbac

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cids-io/cids/pkg/discovery"
)

type fakeRoleSource struct {
	roles map[string]*Role
}

func (f *fakeRoleSource) GetRoles(ctx context.Context, clientID string, names []string) ([]*Role, error) {
	var out []*Role
	for _, name := range names {
		role, ok := f.roles[name]
		if !ok {
			return nil, fmt.Errorf("role %s for %s: %w", name, clientID, ErrRoleNotFound)
		}
		out = append(out, role)
	}
	return out, nil
}

type fakeTreeSource struct {
	tree *discovery.PermissionTree
}

func (f *fakeTreeSource) LatestTree(ctx context.Context, clientID string) (*discovery.PermissionTree, error) {
	if f.tree == nil {
		return nil, discovery.ErrTreeNotFound
	}
	return f.tree, nil
}

func hrTree() *discovery.PermissionTree {
	tree := discovery.Classify("cids_hr", 0, []discovery.RawEndpoint{
		{
			Resource: "users",
			Action:   "read",
			Fields: []discovery.RawField{
				{Name: "name"},
				{Name: "email", PII: true},
				{Name: "ssn", PII: true, Sensitive: true},
				{Name: "salary", Financial: true},
			},
		},
		{
			Resource: "users",
			Action:   "write",
			Fields: []discovery.RawField{
				{Name: "title"},
				{Name: "salary", Financial: true},
			},
		},
	})
	tree.Version = 3
	return tree
}

func newTestResolver(t *testing.T, roles map[string]*Role, tree *discovery.PermissionTree) *Resolver {
	t.Helper()
	resolver, err := NewResolver(&fakeRoleSource{roles: roles}, &fakeTreeSource{tree: tree}, 8, nil)
	require.NoError(t, err)
	return resolver
}

func TestResolveWildcardGrantExpands(t *testing.T) {
	roles := map[string]*Role{
		"viewer": {Name: "viewer", Permissions: []string{"users.read.*"}},
	}
	resolver := newTestResolver(t, roles, hrTree())

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"viewer"}, false)
	require.NoError(t, err)

	assert.Equal(t, 3, result.TreeVersion)
	assert.Equal(t, []string{"email", "name", "salary", "ssn"}, result.Grants["users.read"])
	assert.Empty(t, result.Grants["users.write"])
}

func TestResolveDenyWinsOverAnyGrant(t *testing.T) {
	roles := map[string]*Role{
		"granter": {Name: "granter", Permissions: []string{"users.read.*"}},
		"denier":  {Name: "denier", Permissions: []string{"users.read.name"}, DeniedPermissions: []string{"users.read.ssn"}},
	}
	resolver := newTestResolver(t, roles, hrTree())

	for _, order := range [][]string{{"granter", "denier"}, {"denier", "granter"}} {
		result, err := resolver.Resolve(context.Background(), "cids_hr", order, false)
		require.NoError(t, err)
		assert.NotContains(t, result.Grants["users.read"], "ssn", "order %v", order)
		assert.Contains(t, result.Grants["users.read"], "email")
		assert.Equal(t, []string{"users.read.ssn"}, result.Denies)
	}
}

func TestResolveViewerPlusHRAdmin(t *testing.T) {
	roles := map[string]*Role{
		"viewer": {
			Name:        "viewer",
			Permissions: []string{"users.read.name", "users.read.email"},
		},
		"hr-admin": {
			Name:              "hr-admin",
			Permissions:       []string{"users.*"},
			DeniedPermissions: []string{"users.write.salary"},
		},
	}
	resolver := newTestResolver(t, roles, hrTree())

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"viewer", "hr-admin"}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"email", "name", "salary", "ssn"}, result.Grants["users.read"])
	assert.Equal(t, []string{"title"}, result.Grants["users.write"], "salary write must stay denied")
	assert.Equal(t, []string{"hr-admin", "viewer"}, result.Roles)
}

func TestResolveCategoryGrant(t *testing.T) {
	roles := map[string]*Role{
		"pii-reader": {Name: "pii-reader", Permissions: []string{"users.read.pii"}},
	}
	resolver := newTestResolver(t, roles, hrTree())

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"pii-reader"}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"email", "ssn"}, result.Grants["users.read"])
}

func TestResolveCategoryDenyRemovesFlaggedFields(t *testing.T) {
	roles := map[string]*Role{
		"broad": {
			Name:              "broad",
			Permissions:       []string{"users.read.*"},
			DeniedPermissions: []string{"users.read.pii"},
		},
	}
	resolver := newTestResolver(t, roles, hrTree())

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"broad"}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "salary"}, result.Grants["users.read"])
}

// wildcardTree declares a "*" field, meaning the app accepts fields beyond
// the ones it enumerates.
func wildcardTree() *discovery.PermissionTree {
	tree := discovery.Classify("cids_dir", 0, []discovery.RawEndpoint{
		{
			Resource: "users",
			Action:   "read",
			Fields: []discovery.RawField{
				{Name: "*"},
				{Name: "name"},
				{Name: "ssn", PII: true, Sensitive: true},
			},
		},
	})
	tree.Version = 1
	return tree
}

func TestResolveWildcardTreeFieldCarriesDenyExclusions(t *testing.T) {
	roles := map[string]*Role{
		"granter": {Name: "granter", Permissions: []string{"users.read.*"}},
		"denier":  {Name: "denier", DeniedPermissions: []string{"users.read.ssn"}},
	}
	resolver := newTestResolver(t, roles, wildcardTree())

	result, err := resolver.Resolve(context.Background(), "cids_dir", []string{"granter", "denier"}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"*", "name"}, result.Grants["users.read"])
	assert.Equal(t, []string{"ssn"}, result.Excluded["users.read"], "a consumer honoring the wildcard needs the carve-out")

	assert.False(t, result.Allows("users", "read", "ssn"))
	assert.True(t, result.Allows("users", "read", "name"))
	assert.True(t, result.Allows("users", "read", "email"), "wildcard covers fields the tree does not enumerate")
}

func TestResolveDenyOfUndeclaredFieldUnderWildcard(t *testing.T) {
	roles := map[string]*Role{
		"broad": {
			Name:              "broad",
			Permissions:       []string{"users.read.*"},
			DeniedPermissions: []string{"users.read.email"},
		},
	}
	resolver := newTestResolver(t, roles, wildcardTree())

	result, err := resolver.Resolve(context.Background(), "cids_dir", []string{"broad"}, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"email"}, result.Excluded["users.read"])
	assert.False(t, result.Allows("users", "read", "email"))
	assert.True(t, result.Allows("users", "read", "phone"))
}

func TestResolveDenyAllRemovesWildcardNode(t *testing.T) {
	roles := map[string]*Role{
		"revoked": {
			Name:              "revoked",
			Permissions:       []string{"users.read.*"},
			DeniedPermissions: []string{"users.read.*"},
		},
	}
	resolver := newTestResolver(t, roles, wildcardTree())

	result, err := resolver.Resolve(context.Background(), "cids_dir", []string{"revoked"}, false)
	require.NoError(t, err)

	assert.Empty(t, result.Grants)
	assert.Empty(t, result.Excluded)
	assert.False(t, result.Allows("users", "read", "name"))
}

func TestAllowsWithoutWildcardMatchesLiterally(t *testing.T) {
	roles := map[string]*Role{
		"viewer": {Name: "viewer", Permissions: []string{"users.read.name"}},
	}
	resolver := newTestResolver(t, roles, hrTree())

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"viewer"}, false)
	require.NoError(t, err)

	assert.Empty(t, result.Excluded)
	assert.True(t, result.Allows("users", "read", "name"))
	assert.False(t, result.Allows("users", "read", "email"))
}

func TestResolveA2AOnlyRolesExcludedFromUserResolution(t *testing.T) {
	roles := map[string]*Role{
		"machine": {Name: "machine", A2AOnly: true, Permissions: []string{"users.read.*"}},
	}
	resolver := newTestResolver(t, roles, hrTree())

	user, err := resolver.Resolve(context.Background(), "cids_hr", []string{"machine"}, false)
	require.NoError(t, err)
	assert.Empty(t, user.Grants)
	assert.Empty(t, user.Roles)

	a2a, err := resolver.Resolve(context.Background(), "cids_hr", []string{"machine"}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"email", "name", "salary", "ssn"}, a2a.Grants["users.read"])
}

func TestResolveRLSFiltersANDCombined(t *testing.T) {
	roles := map[string]*Role{
		"regional": {
			Name:        "regional",
			Permissions: []string{"users.read.*"},
			RLSFilters:  map[string]RLSFilter{"users": {Field: "region", Op: "eq", Value: "emea"}},
		},
		"departmental": {
			Name:        "departmental",
			Permissions: []string{"users.read.name"},
			RLSFilters:  map[string]RLSFilter{"users": {Field: "department", Op: "eq", Value: "hr"}},
		},
		"unfiltered": {
			Name:        "unfiltered",
			Permissions: []string{"users.read.name"},
		},
	}
	resolver := newTestResolver(t, roles, hrTree())

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"regional", "departmental", "unfiltered"}, false)
	require.NoError(t, err)

	require.Len(t, result.RLSFilters["users"], 2, "roles without a filter impose nothing")
	assert.Equal(t, RLSFilter{Field: "department", Op: "eq", Value: "hr"}, result.RLSFilters["users"][0])
	assert.Equal(t, RLSFilter{Field: "region", Op: "eq", Value: "emea"}, result.RLSFilters["users"][1])
}

func TestResolveUnknownRole(t *testing.T) {
	resolver := newTestResolver(t, map[string]*Role{}, hrTree())

	_, err := resolver.Resolve(context.Background(), "cids_hr", []string{"ghost"}, false)
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestResolveWithoutDiscoveredTree(t *testing.T) {
	roles := map[string]*Role{
		"viewer": {Name: "viewer", Permissions: []string{"users.read.*"}},
	}
	resolver := newTestResolver(t, roles, nil)

	result, err := resolver.Resolve(context.Background(), "cids_hr", []string{"viewer"}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, result.TreeVersion)
	assert.Empty(t, result.Grants)
}

func TestResolveIsDeterministic(t *testing.T) {
	roles := map[string]*Role{
		"viewer":   {Name: "viewer", Permissions: []string{"users.read.*"}},
		"hr-admin": {Name: "hr-admin", Permissions: []string{"users.*"}, DeniedPermissions: []string{"users.write.salary"}},
	}
	resolver := newTestResolver(t, roles, hrTree())

	first, err := resolver.Resolve(context.Background(), "cids_hr", []string{"viewer", "hr-admin"}, false)
	require.NoError(t, err)
	second, err := resolver.Resolve(context.Background(), "cids_hr", []string{"hr-admin", "viewer"}, false)
	require.NoError(t, err)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("role order changed the resolved output")
	}
}
