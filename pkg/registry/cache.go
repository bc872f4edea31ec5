package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// AppReader is the read surface shared by Store and Cache
type AppReader interface {
	GetApp(ctx context.Context, clientID string) (*RegisteredApp, error)
	ListApps(ctx context.Context) ([]*RegisteredApp, error)
}

// Cache provides a Redis-backed read cache over the app registry with an
// explicit invalidation contract: every mutation calls Invalidate, and a
// scheduled RefreshAll drops everything.
type Cache struct {
	store *Store
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a new registry read cache
func NewCache(store *Store, client *redis.Client) *Cache {
	return &Cache{
		store: store,
		redis: client,
		ttl:   15 * time.Minute,
	}
}

func appKey(clientID string) string {
	return fmt.Sprintf("app:%s", clientID)
}

const appListKey = "apps:list"

// GetApp gets an app with caching
func (c *Cache) GetApp(ctx context.Context, clientID string) (*RegisteredApp, error) {
	cached, err := c.redis.Get(ctx, appKey(clientID)).Result()
	if err == nil {
		var app RegisteredApp
		if err := json.Unmarshal([]byte(cached), &app); err == nil {
			return &app, nil
		}
		// Corrupt entry: drop and fall through to the store
		c.redis.Del(ctx, appKey(clientID))
	}

	app, err := c.store.GetApp(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(app); err == nil {
		c.redis.Set(ctx, appKey(clientID), data, c.ttl)
	}

	return app, nil
}

// ListApps lists apps with caching
func (c *Cache) ListApps(ctx context.Context) ([]*RegisteredApp, error) {
	cached, err := c.redis.Get(ctx, appListKey).Result()
	if err == nil {
		var apps []*RegisteredApp
		if err := json.Unmarshal([]byte(cached), &apps); err == nil {
			return apps, nil
		}
		c.redis.Del(ctx, appListKey)
	}

	apps, err := c.store.ListApps(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(apps); err == nil {
		c.redis.Set(ctx, appListKey, data, 5*time.Minute)
	}

	return apps, nil
}

// CreateApp creates an app and invalidates the list cache
func (c *Cache) CreateApp(ctx context.Context, app *RegisteredApp) (*RegistrationResult, error) {
	result, err := c.store.CreateApp(ctx, app)
	if err != nil {
		return nil, err
	}
	c.redis.Del(ctx, appListKey)
	return result, nil
}

// UpdateApp updates an app and invalidates its cache entries
func (c *Cache) UpdateApp(ctx context.Context, clientID string, update *AppUpdate) (*RegisteredApp, error) {
	app, err := c.store.UpdateApp(ctx, clientID, update)
	if err != nil {
		return nil, err
	}
	c.Invalidate(ctx, clientID)
	return app, nil
}

// SetActive toggles activation and invalidates the app's cache entries
func (c *Cache) SetActive(ctx context.Context, clientID string, active bool) error {
	if err := c.store.SetActive(ctx, clientID, active); err != nil {
		return err
	}
	c.Invalidate(ctx, clientID)
	return nil
}

// VerifySecret delegates to the store; secret hashes are never cached
func (c *Cache) VerifySecret(ctx context.Context, clientID, secret string) error {
	return c.store.VerifySecret(ctx, clientID, secret)
}

// Invalidate drops the cache entries for one app
func (c *Cache) Invalidate(ctx context.Context, clientID string) {
	c.redis.Del(ctx, appKey(clientID), appListKey)
}

// RefreshAll drops every registry cache entry; run on a schedule
func (c *Cache) RefreshAll(ctx context.Context) error {
	iter := c.redis.Scan(ctx, 0, "app:*", 0).Iterator()
	for iter.Next(ctx) {
		c.redis.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("registry cache refresh failed: %w", err)
	}
	c.redis.Del(ctx, appListKey)
	return nil
}
