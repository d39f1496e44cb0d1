package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/repo"
)

// SettingsProvider hands out the detection settings currently in force.
// The detection, cleanup, and backfill services read settings through this
// interface so that edits to the stored row take effect without a restart.
type SettingsProvider interface {
	Current(ctx context.Context) (domain.DetectionSettings, error)
}

// cachedSettings is the immutable snapshot held by SettingsCache between
// refreshes.
type cachedSettings struct {
	settings  domain.DetectionSettings
	fetchedAt time.Time
}

// SettingsCache is a SettingsProvider that reads settings from the database
// and caches them for a short TTL. Reads between refreshes are a single
// atomic load, so the ping path never queues behind a settings query.
type SettingsCache struct {
	settings repo.SettingsRepo
	ttl      time.Duration

	cur atomic.Value // cachedSettings
	mu  sync.Mutex   // serializes refreshes
}

// NewSettingsCache constructs a SettingsCache refreshing at most every ttl.
// A non-positive ttl disables caching and every Current call hits the
// database.
func NewSettingsCache(settings repo.SettingsRepo, ttl time.Duration) *SettingsCache {
	return &SettingsCache{settings: settings, ttl: ttl}
}

// Current returns the cached settings, refreshing them from the database
// once the TTL has passed. When a refresh fails but an earlier snapshot
// exists, the earlier snapshot is returned; only a failure with an empty
// cache surfaces as an error.
func (c *SettingsCache) Current(ctx context.Context) (domain.DetectionSettings, error) {
	if cached, ok := c.cur.Load().(cachedSettings); ok && time.Since(cached.fetchedAt) < c.ttl {
		return cached.settings, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while this one waited for the lock.
	if cached, ok := c.cur.Load().(cachedSettings); ok && time.Since(cached.fetchedAt) < c.ttl {
		return cached.settings, nil
	}

	s, err := c.settings.Get(ctx)
	if err == nil {
		err = s.Validate()
	}
	if err != nil {
		if cached, ok := c.cur.Load().(cachedSettings); ok {
			return cached.settings, nil
		}
		return domain.DetectionSettings{}, fmt.Errorf("service.SettingsCache.Current: %w", err)
	}

	c.cur.Store(cachedSettings{settings: s, fetchedAt: time.Now()})
	return s, nil
}

// StaticSettings is a SettingsProvider that always returns the same values.
// Useful for one-shot tools that loaded settings once at startup.
type StaticSettings domain.DetectionSettings

// Current returns the fixed settings.
func (s StaticSettings) Current(context.Context) (domain.DetectionSettings, error) {
	return domain.DetectionSettings(s), nil
}
