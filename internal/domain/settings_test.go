package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/waylog/waylog/internal/domain"
)

func TestDetectionSettings_DetectionRadius(t *testing.T) {
	s := domain.DefaultDetectionSettings()

	tests := []struct {
		name      string
		accuracyM float64
		want      float64
	}{
		{"clamped up to the minimum", 10, 50},
		{"scaled when inside the bounds", 80, 120},
		{"clamped down to the maximum", 400, 250},
		{"zero accuracy uses the minimum", 0, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.DetectionRadius(tt.accuracyM))
		})
	}
}

func TestDetectionSettings_DetectionRadiusStaysInBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := domain.DefaultDetectionSettings()
		s.MinRadiusM = rapid.Float64Range(1, 500).Draw(t, "min")
		s.MaxRadiusM = s.MinRadiusM + rapid.Float64Range(0, 1000).Draw(t, "span")
		accuracy := rapid.Float64Range(0, 10000).Draw(t, "accuracy")

		r := s.DetectionRadius(accuracy)
		if r < s.MinRadiusM || r > s.MaxRadiusM {
			t.Fatalf("radius %v outside [%v, %v]", r, s.MinRadiusM, s.MaxRadiusM)
		}
	})
}

func TestDetectionSettings_RejectAccuracy(t *testing.T) {
	s := domain.DefaultDetectionSettings()

	assert.False(t, s.RejectAccuracy(15))
	assert.False(t, s.RejectAccuracy(200), "the threshold itself is still acceptable")
	assert.True(t, s.RejectAccuracy(200.01))
}

func TestDetectionSettings_CooldownDisabled(t *testing.T) {
	s := domain.DefaultDetectionSettings()
	assert.False(t, s.CooldownDisabled())

	s.NotificationCooldown = 0
	assert.False(t, s.CooldownDisabled(), "zero means no cooldown window, not disabled")

	s.NotificationCooldown = -1
	assert.True(t, s.CooldownDisabled())
}

func TestDetectionSettings_MaxTier(t *testing.T) {
	s := domain.DefaultDetectionSettings()

	tests := []struct {
		multiplier float64
		want       int
	}{
		{3, 3},
		{2.5, 3},
		{1, 1},
		{0.5, 1},
	}
	for _, tt := range tests {
		s.SuggestionRadiusMultiplier = tt.multiplier
		assert.Equal(t, tt.want, s.MaxTier(), "multiplier %v", tt.multiplier)
	}
}

func TestDetectionSettings_Validate(t *testing.T) {
	require.NoError(t, domain.DefaultDetectionSettings().Validate())

	t.Run("negative cooldown is allowed", func(t *testing.T) {
		s := domain.DefaultDetectionSettings()
		s.NotificationCooldown = -1
		require.NoError(t, s.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*domain.DetectionSettings)
	}{
		{"zero required hits", func(s *domain.DetectionSettings) { s.RequiredHits = 0 }},
		{"non-positive min radius", func(s *domain.DetectionSettings) { s.MinRadiusM = 0 }},
		{"max radius below min", func(s *domain.DetectionSettings) { s.MaxRadiusM = s.MinRadiusM - 1 }},
		{"non-positive accuracy multiplier", func(s *domain.DetectionSettings) { s.AccuracyMultiplier = 0 }},
		{"non-positive accuracy reject", func(s *domain.DetectionSettings) { s.AccuracyRejectM = 0 }},
		{"search radius below max radius", func(s *domain.DetectionSettings) { s.MaxSearchRadiusM = s.MaxRadiusM - 1 }},
		{"non-positive hit window", func(s *domain.DetectionSettings) { s.HitWindow = 0 }},
		{"non-positive candidate stale window", func(s *domain.DetectionSettings) { s.CandidateStaleAfter = 0 }},
		{"non-positive visit end window", func(s *domain.DetectionSettings) { s.VisitEndAfter = 0 }},
		{"suggestion multiplier below one", func(s *domain.DetectionSettings) { s.SuggestionRadiusMultiplier = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := domain.DefaultDetectionSettings()
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), domain.ErrValidation)
		})
	}
}

func TestDefaultDetectionSettings_Durations(t *testing.T) {
	s := domain.DefaultDetectionSettings()

	assert.Equal(t, 10*time.Minute, s.HitWindow)
	assert.Equal(t, 2*time.Hour, s.CandidateStaleAfter)
	assert.Equal(t, 45*time.Minute, s.VisitEndAfter)
	assert.Equal(t, 6*time.Hour, s.NotificationCooldown)
}
