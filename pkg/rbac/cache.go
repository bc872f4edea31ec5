package rbac

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache provides a Redis-backed read cache over an app's role set. Every
// role or mapping mutation invalidates the app's entry.
type Cache struct {
	store *Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a new role read cache
func NewCache(store *Store, client *redis.Client) *Cache {
	return &Cache{
		store: store,
		redis: client,
		ttl:   10 * time.Minute,
	}
}

func rolesKey(clientID string) string {
	return fmt.Sprintf("roles:%s", clientID)
}

// ListRoles lists an app's roles with caching
func (c *Cache) ListRoles(ctx context.Context, clientID string) ([]*Role, error) {
	cached, err := c.redis.Get(ctx, rolesKey(clientID)).Result()
	if err == nil {
		var roles []*Role
		if err := json.Unmarshal([]byte(cached), &roles); err == nil {
			return roles, nil
		}
		c.redis.Del(ctx, rolesKey(clientID))
	}

	roles, err := c.store.ListRoles(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(roles); err == nil {
		c.redis.Set(ctx, rolesKey(clientID), data, c.ttl)
	}

	return roles, nil
}

// GetRoles loads the named roles through the cached role set
func (c *Cache) GetRoles(ctx context.Context, clientID string, names []string) ([]*Role, error) {
	all, err := c.ListRoles(ctx, clientID)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*Role, len(all))
	for _, role := range all {
		byName[role.Name] = role
	}

	roles := make([]*Role, 0, len(names))
	for _, name := range names {
		role, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("role %s for %s: %w", name, clientID, ErrRoleNotFound)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// CreateRole creates a role and invalidates the app's role cache
func (c *Cache) CreateRole(ctx context.Context, role *Role) error {
	if err := c.store.CreateRole(ctx, role); err != nil {
		return err
	}
	c.Invalidate(ctx, role.ClientID)
	return nil
}

// UpdateRole updates a role and invalidates the app's role cache
func (c *Cache) UpdateRole(ctx context.Context, role *Role) error {
	if err := c.store.UpdateRole(ctx, role); err != nil {
		return err
	}
	c.Invalidate(ctx, role.ClientID)
	return nil
}

// DeleteRole deletes a role and invalidates the app's role cache
func (c *Cache) DeleteRole(ctx context.Context, clientID, name string) error {
	if err := c.store.DeleteRole(ctx, clientID, name); err != nil {
		return err
	}
	c.Invalidate(ctx, clientID)
	return nil
}

// ListMappings delegates to the store; mappings are read rarely
func (c *Cache) ListMappings(ctx context.Context, clientID string) ([]*RoleMapping, error) {
	return c.store.ListMappings(ctx, clientID)
}

// ReplaceMappings swaps the mapping set and invalidates the role cache
func (c *Cache) ReplaceMappings(ctx context.Context, clientID string, mappings []*RoleMapping) error {
	if err := c.store.ReplaceMappings(ctx, clientID, mappings); err != nil {
		return err
	}
	c.Invalidate(ctx, clientID)
	return nil
}

// RolesForGroups delegates to the store
func (c *Cache) RolesForGroups(ctx context.Context, clientID string, groups []string) ([]string, error) {
	return c.store.RolesForGroups(ctx, clientID, groups)
}

// A2ARoles delegates to the store
func (c *Cache) A2ARoles(ctx context.Context, targetClientID, callerClientID string) ([]string, error) {
	return c.store.A2ARoles(ctx, targetClientID, callerClientID)
}

// Invalidate drops the cached role set for one app
func (c *Cache) Invalidate(ctx context.Context, clientID string) {
	c.redis.Del(ctx, rolesKey(clientID))
}
