package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cids-io/cids/pkg/discovery"
	"github.com/cids-io/cids/pkg/observability"
)

// TreeSource supplies the latest discovered permission tree for an app
type TreeSource interface {
	LatestTree(ctx context.Context, clientID string) (*discovery.PermissionTree, error)
}

// RoleSource loads roles by name for an app
type RoleSource interface {
	GetRoles(ctx context.Context, clientID string, names []string) ([]*Role, error)
}

// Resolver computes effective permissions from roles and the latest
// permission tree. Expanded tree indexes are cached per (client_id, version);
// tree snapshots are immutable so entries never go stale.
type Resolver struct {
	roles   RoleSource
	trees   TreeSource
	index   *lru.Cache[string, *treeIndex]
	metrics *observability.Metrics
}

// NewResolver creates a resolver with an index cache of the given size
func NewResolver(roles RoleSource, trees TreeSource, cacheSize int, metrics *observability.Metrics) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, *treeIndex](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree index cache: %w", err)
	}
	return &Resolver{roles: roles, trees: trees, index: cache, metrics: metrics}, nil
}

// Resolve computes the effective permission set of roleNames against the
// app's latest tree. Denies always win: a denied node is removed no matter
// how many roles grant it. Roles marked a2a_only are skipped unless forA2A.
// Output is deterministic for a given (roles, tree) pair.
func (r *Resolver) Resolve(ctx context.Context, clientID string, roleNames []string, forA2A bool) (*EffectivePermissions, error) {
	start := time.Now()
	result, err := r.resolve(ctx, clientID, roleNames, forA2A)
	if r.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
		r.metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	}
	return result, err
}

func (r *Resolver) resolve(ctx context.Context, clientID string, roleNames []string, forA2A bool) (*EffectivePermissions, error) {
	roles, err := r.roles.GetRoles(ctx, clientID, roleNames)
	if err != nil {
		return nil, err
	}

	var applied []*Role
	for _, role := range roles {
		if role.A2AOnly && !forA2A {
			continue
		}
		applied = append(applied, role)
	}

	idx, version, err := r.treeIndexFor(ctx, clientID)
	if err != nil {
		return nil, err
	}

	granted := make(map[string]map[string]bool)
	for _, role := range applied {
		for _, pattern := range role.Permissions {
			idx.expand(pattern, func(node, field string) {
				if granted[node] == nil {
					granted[node] = make(map[string]bool)
				}
				granted[node][field] = true
			})
		}
	}

	denySet := make(map[string]bool)
	excluded := make(map[string]map[string]bool)
	for _, role := range applied {
		for _, pattern := range role.DeniedPermissions {
			denySet[pattern] = true
			idx.expand(pattern, func(node, field string) {
				if field == discovery.Wildcard {
					delete(granted, node)
					delete(excluded, node)
					return
				}
				delete(granted[node], field)
				if granted[node][discovery.Wildcard] {
					if excluded[node] == nil {
						excluded[node] = make(map[string]bool)
					}
					excluded[node][field] = true
				}
			})
		}
	}

	result := &EffectivePermissions{
		ClientID:    clientID,
		TreeVersion: version,
		Grants:      make(map[string][]string),
	}

	for _, role := range applied {
		result.Roles = append(result.Roles, role.Name)
	}
	sort.Strings(result.Roles)

	for node, fields := range granted {
		if len(fields) == 0 {
			continue
		}
		sorted := make([]string, 0, len(fields))
		for field := range fields {
			sorted = append(sorted, field)
		}
		sort.Strings(sorted)
		result.Grants[node] = sorted

		if carved := excluded[node]; len(carved) > 0 && fields[discovery.Wildcard] {
			paths := make([]string, 0, len(carved))
			for field := range carved {
				paths = append(paths, field)
			}
			sort.Strings(paths)
			if result.Excluded == nil {
				result.Excluded = make(map[string][]string)
			}
			result.Excluded[node] = paths
		}
	}

	for pattern := range denySet {
		result.Denies = append(result.Denies, pattern)
	}
	sort.Strings(result.Denies)

	result.RLSFilters = combineRLSFilters(applied)
	return result, nil
}

// treeIndexFor returns the cached expansion index of the app's latest tree.
// An app with no successful discovery yet resolves against an empty index.
func (r *Resolver) treeIndexFor(ctx context.Context, clientID string) (*treeIndex, int, error) {
	tree, err := r.trees.LatestTree(ctx, clientID)
	if err != nil {
		if errors.Is(err, discovery.ErrTreeNotFound) {
			return &treeIndex{}, 0, nil
		}
		return nil, 0, err
	}

	key := fmt.Sprintf("%s:%d", clientID, tree.Version)
	if idx, ok := r.index.Get(key); ok {
		if r.metrics != nil {
			r.metrics.CacheHitsTotal.WithLabelValues("tree_index").Inc()
		}
		return idx, tree.Version, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMissesTotal.WithLabelValues("tree_index").Inc()
	}

	idx := buildTreeIndex(tree)
	r.index.Add(key, idx)
	return idx, tree.Version, nil
}

// combineRLSFilters ANDs the filters of every applied role that carries one
// for a resource. A role without a filter for a resource imposes nothing.
func combineRLSFilters(roles []*Role) map[string][]RLSFilter {
	combined := make(map[string][]RLSFilter)
	resources := make(map[string]bool)
	for _, role := range roles {
		for resource := range role.RLSFilters {
			resources[resource] = true
		}
	}
	if len(resources) == 0 {
		return nil
	}

	names := make([]string, 0, len(resources))
	for resource := range resources {
		names = append(names, resource)
	}
	sort.Strings(names)

	sortedRoles := append([]*Role(nil), roles...)
	sort.Slice(sortedRoles, func(i, j int) bool { return sortedRoles[i].Name < sortedRoles[j].Name })

	for _, resource := range names {
		seen := make(map[RLSFilter]bool)
		for _, role := range sortedRoles {
			filter, ok := role.RLSFilters[resource]
			if !ok || seen[filter] {
				continue
			}
			seen[filter] = true
			combined[resource] = append(combined[resource], filter)
		}
	}
	return combined
}

// treeIndex is a flattened view of one tree version, precomputed for
// permission pattern expansion.
type treeIndex struct {
	// nodes maps "resource.action" to the action's concrete field paths
	nodes map[string][]string
	// wildcards marks nodes whose tree declares a "*" field, meaning the app
	// accepts fields beyond the ones it enumerates
	wildcards map[string]bool
	// categories maps "resource.action" to category name to flagged fields
	categories map[string]map[string][]string
}

func buildTreeIndex(tree *discovery.PermissionTree) *treeIndex {
	idx := &treeIndex{
		nodes:      make(map[string][]string),
		wildcards:  make(map[string]bool),
		categories: make(map[string]map[string][]string),
	}

	for resource, r := range tree.Resources {
		for action, a := range r.Actions {
			node := resource + "." + action
			fields := []string{}
			byCategory := make(map[string][]string)
			for _, field := range a.Fields {
				if field.Category {
					continue
				}
				if field.Path == discovery.Wildcard {
					idx.wildcards[node] = true
					continue
				}
				fields = append(fields, field.Path)
				for _, category := range field.Flags.Categories() {
					byCategory[category] = append(byCategory[category], field.Path)
				}
			}
			sort.Strings(fields)
			idx.nodes[node] = fields
			if len(byCategory) > 0 {
				idx.categories[node] = byCategory
			}
		}
	}
	return idx
}

// expand invokes emit for every (node, field) a pattern addresses. Patterns
// are "resource[.action[.field]]"; omitted or "*" segments match everything at
// that level, and a field segment naming a sensitivity category matches all
// fields carrying that flag. A "*"-field pattern against a node whose tree
// declares a wildcard field also emits the wildcard marker itself, so callers
// see that the pattern covers fields the tree does not enumerate.
func (idx *treeIndex) expand(pattern string, emit func(node, field string)) {
	parts := strings.SplitN(pattern, ".", 3)
	resource := parts[0]
	action := "*"
	field := "*"
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		field = parts[2]
	}

	for node, fields := range idx.nodes {
		nodeRes, nodeAct, _ := strings.Cut(node, ".")
		if resource != "*" && resource != nodeRes {
			continue
		}
		if action != "*" && action != nodeAct {
			continue
		}

		switch {
		case field == "*":
			for _, f := range fields {
				emit(node, f)
			}
			if idx.wildcards[node] {
				emit(node, discovery.Wildcard)
			}
		case isCategory(field):
			for _, f := range idx.categories[node][field] {
				emit(node, f)
			}
		default:
			if idx.wildcards[node] {
				emit(node, field)
				continue
			}
			for _, f := range fields {
				if f == field {
					emit(node, field)
					break
				}
			}
		}
	}
}

func isCategory(s string) bool {
	switch s {
	case discovery.CategoryPII, discovery.CategoryPHI, discovery.CategorySensitive, discovery.CategoryFinancial:
		return true
	}
	return false
}
