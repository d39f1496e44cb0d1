package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/repo"
	"github.com/waylog/waylog/internal/service"
)

// mockSettingsRepo is a hand-written test double for repo.SettingsRepo.
type mockSettingsRepo struct {
	get func(ctx context.Context) (domain.DetectionSettings, error)
}

func (m *mockSettingsRepo) Get(ctx context.Context) (domain.DetectionSettings, error) {
	return m.get(ctx)
}

var _ repo.SettingsRepo = (*mockSettingsRepo)(nil)

func TestSettingsCache_Current_CachesWithinTTL(t *testing.T) {
	calls := 0
	source := &mockSettingsRepo{
		get: func(_ context.Context) (domain.DetectionSettings, error) {
			calls++
			return domain.DefaultDetectionSettings(), nil
		},
	}

	cache := service.NewSettingsCache(source, time.Hour)

	for range 5 {
		got, err := cache.Current(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, got.RequiredHits)
	}

	assert.Equal(t, 1, calls, "repeated reads within the TTL must not hit the database")
}

func TestSettingsCache_Current_ZeroTTLAlwaysFetches(t *testing.T) {
	calls := 0
	source := &mockSettingsRepo{
		get: func(_ context.Context) (domain.DetectionSettings, error) {
			calls++
			return domain.DefaultDetectionSettings(), nil
		},
	}

	cache := service.NewSettingsCache(source, 0)

	for range 3 {
		_, err := cache.Current(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, 3, calls)
}

func TestSettingsCache_Current_ServesStaleOnRefreshFailure(t *testing.T) {
	calls := 0
	source := &mockSettingsRepo{
		get: func(_ context.Context) (domain.DetectionSettings, error) {
			calls++
			if calls > 1 {
				return domain.DetectionSettings{}, errors.New("db exploded")
			}
			return domain.DefaultDetectionSettings(), nil
		},
	}

	// Zero TTL forces a refresh attempt on every read.
	cache := service.NewSettingsCache(source, 0)

	_, err := cache.Current(context.Background())
	require.NoError(t, err)

	got, err := cache.Current(context.Background())

	require.NoError(t, err, "a failed refresh must fall back to the previous snapshot")
	assert.Equal(t, 2, got.RequiredHits)
}

func TestSettingsCache_Current_ErrorWithEmptyCache(t *testing.T) {
	boom := errors.New("db exploded")
	source := &mockSettingsRepo{
		get: func(_ context.Context) (domain.DetectionSettings, error) {
			return domain.DetectionSettings{}, boom
		},
	}

	cache := service.NewSettingsCache(source, time.Hour)

	_, err := cache.Current(context.Background())

	assert.ErrorIs(t, err, boom)
}

func TestSettingsCache_Current_RejectsInvalidStoredSettings(t *testing.T) {
	source := &mockSettingsRepo{
		get: func(_ context.Context) (domain.DetectionSettings, error) {
			bad := domain.DefaultDetectionSettings()
			bad.RequiredHits = 0
			return bad, nil
		},
	}

	cache := service.NewSettingsCache(source, time.Hour)

	_, err := cache.Current(context.Background())

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStaticSettings_Current(t *testing.T) {
	fixed := domain.DefaultDetectionSettings()
	fixed.RequiredHits = 7

	got, err := service.StaticSettings(fixed).Current(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 7, got.RequiredHits)
}
