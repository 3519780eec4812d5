package directory

import (
	"context"
	"time"

	"github.com/mkorchagin/intranet-approvals/internal/cache"
)

// CachedDirectory decorates a Directory with TTL caching. Org structure
// changes slowly relative to submission volume, and strategy resolution
// happens once per submission, so short TTLs are safe.
type CachedDirectory struct {
	inner Directory
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedDirectory wraps inner with the given cache and TTL
func NewCachedDirectory(inner Directory, c cache.Cache, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{inner: inner, cache: c, ttl: ttl}
}

func (d *CachedDirectory) UserExists(ctx context.Context, userID string) (bool, error) {
	key := "user:" + userID
	if v, ok := d.cache.Get(key); ok {
		return v.(bool), nil
	}
	exists, err := d.inner.UserExists(ctx, userID)
	if err != nil {
		return false, err
	}
	d.cache.Set(key, exists, d.ttl)
	return exists, nil
}

func (d *CachedDirectory) UsersInRole(ctx context.Context, roleID string) ([]string, error) {
	return d.cachedList(ctx, "role:"+roleID, func() ([]string, error) {
		return d.inner.UsersInRole(ctx, roleID)
	})
}

func (d *CachedDirectory) UsersInRoleGroup(ctx context.Context, roleGroupID string) ([]string, error) {
	return d.cachedList(ctx, "rolegroup:"+roleGroupID, func() ([]string, error) {
		return d.inner.UsersInRoleGroup(ctx, roleGroupID)
	})
}

func (d *CachedDirectory) UsersInDepartmentRole(ctx context.Context, departmentID, roleID string) ([]string, error) {
	return d.cachedList(ctx, "deptrole:"+departmentID+":"+roleID, func() ([]string, error) {
		return d.inner.UsersInDepartmentRole(ctx, departmentID, roleID)
	})
}

func (d *CachedDirectory) cachedList(_ context.Context, key string, load func() ([]string, error)) ([]string, error) {
	if v, ok := d.cache.Get(key); ok {
		return v.([]string), nil
	}
	users, err := load()
	if err != nil {
		return nil, err
	}
	d.cache.Set(key, users, d.ttl)
	return users, nil
}
