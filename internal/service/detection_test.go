package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/repo"
	"github.com/waylog/waylog/internal/service"
)

// ---- mock collaborators ----------------------------------------------------

// mockVisitRepo is a hand-written test double for repo.VisitRepo.
type mockVisitRepo struct {
	touchOpen      func(ctx context.Context, userID, placeID uuid.UUID, seenAt time.Time) (bool, error)
	createOpen     func(ctx context.Context, v domain.Visit) (domain.Visit, bool, error)
	createClosed   func(ctx context.Context, v domain.Visit) (domain.Visit, error)
	applyBackfill  func(ctx context.Context, userID uuid.UUID, creates []domain.Visit, deleteIDs []uuid.UUID) (domain.BackfillApplyResult, error)
	closeStale     func(ctx context.Context, now time.Time, endAfter time.Duration) (int64, error)
	end            func(ctx context.Context, userID, placeID uuid.UUID, at time.Time) (domain.Visit, error)
	getByID        func(ctx context.Context, userID, visitID uuid.UUID) (domain.Visit, error)
	listOpenByUser func(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error)
	listByTrip     func(ctx context.Context, userID, tripID uuid.UUID) ([]domain.Visit, error)
	delete         func(ctx context.Context, userID, visitID uuid.UUID) error
}

func (m *mockVisitRepo) TouchOpen(ctx context.Context, userID, placeID uuid.UUID, seenAt time.Time) (bool, error) {
	return m.touchOpen(ctx, userID, placeID, seenAt)
}
func (m *mockVisitRepo) CreateOpen(ctx context.Context, v domain.Visit) (domain.Visit, bool, error) {
	return m.createOpen(ctx, v)
}
func (m *mockVisitRepo) CreateClosed(ctx context.Context, v domain.Visit) (domain.Visit, error) {
	return m.createClosed(ctx, v)
}
func (m *mockVisitRepo) ApplyBackfill(ctx context.Context, userID uuid.UUID, creates []domain.Visit, deleteIDs []uuid.UUID) (domain.BackfillApplyResult, error) {
	return m.applyBackfill(ctx, userID, creates, deleteIDs)
}
func (m *mockVisitRepo) CloseStale(ctx context.Context, now time.Time, endAfter time.Duration) (int64, error) {
	return m.closeStale(ctx, now, endAfter)
}
func (m *mockVisitRepo) End(ctx context.Context, userID, placeID uuid.UUID, at time.Time) (domain.Visit, error) {
	return m.end(ctx, userID, placeID, at)
}
func (m *mockVisitRepo) GetByID(ctx context.Context, userID, visitID uuid.UUID) (domain.Visit, error) {
	return m.getByID(ctx, userID, visitID)
}
func (m *mockVisitRepo) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error) {
	return m.listOpenByUser(ctx, userID)
}
func (m *mockVisitRepo) ListByTrip(ctx context.Context, userID, tripID uuid.UUID) ([]domain.Visit, error) {
	return m.listByTrip(ctx, userID, tripID)
}
func (m *mockVisitRepo) Delete(ctx context.Context, userID, visitID uuid.UUID) error {
	return m.delete(ctx, userID, visitID)
}

// compile-time check: mockVisitRepo must satisfy repo.VisitRepo.
var _ repo.VisitRepo = (*mockVisitRepo)(nil)

// mockCandidateRepo is a hand-written test double for repo.CandidateRepo.
type mockCandidateRepo struct {
	recordHit   func(ctx context.Context, userID, placeID uuid.UUID, hitAt time.Time, window time.Duration) (domain.VisitCandidate, error)
	get         func(ctx context.Context, userID, placeID uuid.UUID) (domain.VisitCandidate, error)
	promote     func(ctx context.Context, cand domain.VisitCandidate, visit domain.Visit) (domain.Visit, bool, error)
	delete      func(ctx context.Context, userID, placeID uuid.UUID) error
	deleteStale func(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
}

func (m *mockCandidateRepo) RecordHit(ctx context.Context, userID, placeID uuid.UUID, hitAt time.Time, window time.Duration) (domain.VisitCandidate, error) {
	return m.recordHit(ctx, userID, placeID, hitAt, window)
}
func (m *mockCandidateRepo) Get(ctx context.Context, userID, placeID uuid.UUID) (domain.VisitCandidate, error) {
	return m.get(ctx, userID, placeID)
}
func (m *mockCandidateRepo) Promote(ctx context.Context, cand domain.VisitCandidate, visit domain.Visit) (domain.Visit, bool, error) {
	return m.promote(ctx, cand, visit)
}
func (m *mockCandidateRepo) Delete(ctx context.Context, userID, placeID uuid.UUID) error {
	return m.delete(ctx, userID, placeID)
}
func (m *mockCandidateRepo) DeleteStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	return m.deleteStale(ctx, now, staleAfter)
}

var _ repo.CandidateRepo = (*mockCandidateRepo)(nil)

// mockPlaceFinder is a hand-written test double for service.PlaceFinder.
type mockPlaceFinder struct {
	findNearby func(ctx context.Context, ping domain.Ping, settings domain.DetectionSettings) ([]domain.PlaceDistance, error)
}

func (m *mockPlaceFinder) FindNearby(ctx context.Context, ping domain.Ping, settings domain.DetectionSettings) ([]domain.PlaceDistance, error) {
	return m.findNearby(ctx, ping, settings)
}

var _ service.PlaceFinder = (*mockPlaceFinder)(nil)

// mockSettings is a hand-written test double for service.SettingsProvider.
// Use service.StaticSettings instead when the test never injects an error.
type mockSettings struct {
	current func(ctx context.Context) (domain.DetectionSettings, error)
}

func (m *mockSettings) Current(ctx context.Context) (domain.DetectionSettings, error) {
	return m.current(ctx)
}

var _ service.SettingsProvider = (*mockSettings)(nil)

// mockNotifier records every confirmed visit it is handed.
type mockNotifier struct {
	visits []domain.Visit
}

func (m *mockNotifier) VisitStarted(_ context.Context, v domain.Visit) {
	m.visits = append(m.visits, v)
}

var _ service.VisitNotifier = (*mockNotifier)(nil)

// ---- helpers ---------------------------------------------------------------

func testPlace(tripID uuid.UUID) domain.Place {
	return domain.Place{
		ID:          uuid.New(),
		TripID:      tripID,
		TripName:    "Pacific Coast",
		RegionName:  "Oregon",
		Name:        "Haystack Rock",
		Latitude:    45.8847,
		Longitude:   -123.9686,
		IconName:    "landmark",
		MarkerColor: "#2a9d8f",
	}
}

func testPing(userID uuid.UUID, at time.Time) domain.Ping {
	return domain.Ping{
		UserID:     userID,
		Latitude:   45.8849,
		Longitude:  -123.9683,
		AccuracyM:  15,
		RecordedAt: at,
	}
}

// finderReturning builds a PlaceFinder that always reports the given matches.
func finderReturning(matches ...domain.PlaceDistance) *mockPlaceFinder {
	return &mockPlaceFinder{
		findNearby: func(_ context.Context, _ domain.Ping, _ domain.DetectionSettings) ([]domain.PlaceDistance, error) {
			return matches, nil
		},
	}
}

func noTouchVisitRepo() *mockVisitRepo {
	return &mockVisitRepo{
		touchOpen: func(_ context.Context, _, _ uuid.UUID, _ time.Time) (bool, error) {
			return false, nil
		},
	}
}

// ---- HandlePing ------------------------------------------------------------

func TestDetectionService_HandlePing_ConfirmsAfterRequiredHits(t *testing.T) {
	userID := uuid.New()
	place := testPlace(uuid.New())
	first := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	second := first.Add(6 * time.Minute)

	hits := 0
	var promoted *domain.Visit
	notifier := &mockNotifier{}

	candidates := &mockCandidateRepo{
		recordHit: func(_ context.Context, uID, pID uuid.UUID, hitAt time.Time, window time.Duration) (domain.VisitCandidate, error) {
			require.Equal(t, userID, uID)
			require.Equal(t, place.ID, pID)
			require.Equal(t, 10*time.Minute, window)
			hits++
			return domain.VisitCandidate{
				UserID:     uID,
				PlaceID:    pID,
				FirstHitAt: first,
				LastHitAt:  hitAt,
				Hits:       hits,
			}, nil
		},
		promote: func(_ context.Context, _ domain.VisitCandidate, visit domain.Visit) (domain.Visit, bool, error) {
			promoted = &visit
			stored := visit
			stored.ID = uuid.New()
			return stored, true, nil
		},
	}

	svc := service.NewDetectionService(
		finderReturning(domain.PlaceDistance{Place: place, DistanceM: 21}),
		candidates,
		noTouchVisitRepo(),
		service.StaticSettings(domain.DefaultDetectionSettings()),
		notifier,
	)

	require.NoError(t, svc.HandlePing(context.Background(), testPing(userID, first)))
	require.Nil(t, promoted, "a single hit must not confirm a visit")
	require.Empty(t, notifier.visits)

	require.NoError(t, svc.HandlePing(context.Background(), testPing(userID, second)))

	require.NotNil(t, promoted)
	assert.Equal(t, first, promoted.ArrivedAt, "arrival is the first hit of the streak")
	assert.Equal(t, second, promoted.LastSeenAt)
	assert.Equal(t, domain.SourceRealtime, promoted.Source)
	require.NotNil(t, promoted.PlaceID)
	assert.Equal(t, place.ID, *promoted.PlaceID)
	assert.Equal(t, place.Name, promoted.Snapshot.PlaceName)
	assert.Equal(t, place.TripID, promoted.Snapshot.TripID)
	assert.Equal(t, place.TripName, promoted.Snapshot.TripName)

	require.Len(t, notifier.visits, 1)
	assert.NotEqual(t, uuid.Nil, notifier.visits[0].ID, "notification carries the stored visit")
}

func TestDetectionService_HandlePing_RefreshesOpenVisit(t *testing.T) {
	userID := uuid.New()
	place := testPlace(uuid.New())
	at := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	var touchedAt time.Time
	visits := &mockVisitRepo{
		touchOpen: func(_ context.Context, _, _ uuid.UUID, seenAt time.Time) (bool, error) {
			touchedAt = seenAt
			return true, nil
		},
	}
	candidates := &mockCandidateRepo{
		recordHit: func(_ context.Context, _, _ uuid.UUID, _ time.Time, _ time.Duration) (domain.VisitCandidate, error) {
			t.Fatal("no candidate hit expected while a visit is open")
			return domain.VisitCandidate{}, nil
		},
	}

	svc := service.NewDetectionService(
		finderReturning(domain.PlaceDistance{Place: place, DistanceM: 21}),
		candidates,
		visits,
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	err := svc.HandlePing(context.Background(), testPing(userID, at))

	require.NoError(t, err)
	assert.Equal(t, at, touchedAt)
}

func TestDetectionService_HandlePing_BelowThresholdDoesNotPromote(t *testing.T) {
	userID := uuid.New()
	place := testPlace(uuid.New())
	at := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)

	candidates := &mockCandidateRepo{
		recordHit: func(_ context.Context, uID, pID uuid.UUID, hitAt time.Time, _ time.Duration) (domain.VisitCandidate, error) {
			return domain.VisitCandidate{UserID: uID, PlaceID: pID, FirstHitAt: hitAt, LastHitAt: hitAt, Hits: 1}, nil
		},
		promote: func(_ context.Context, _ domain.VisitCandidate, _ domain.Visit) (domain.Visit, bool, error) {
			t.Fatal("no promotion expected below the hit threshold")
			return domain.Visit{}, false, nil
		},
	}

	svc := service.NewDetectionService(
		finderReturning(domain.PlaceDistance{Place: place, DistanceM: 21}),
		candidates,
		noTouchVisitRepo(),
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	require.NoError(t, svc.HandlePing(context.Background(), testPing(userID, at)))
}

func TestDetectionService_HandlePing_MalformedDropped(t *testing.T) {
	finder := &mockPlaceFinder{
		findNearby: func(_ context.Context, _ domain.Ping, _ domain.DetectionSettings) ([]domain.PlaceDistance, error) {
			t.Fatal("malformed pings must not reach the matcher")
			return nil, nil
		},
	}

	svc := service.NewDetectionService(
		finder,
		&mockCandidateRepo{},
		&mockVisitRepo{},
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	ping := testPing(uuid.New(), time.Now())
	ping.Latitude = 95 // out of range

	err := svc.HandlePing(context.Background(), ping)

	require.NoError(t, err, "malformed pings are dropped, not errors")
}

func TestDetectionService_HandlePing_PoorAccuracyDropped(t *testing.T) {
	finder := &mockPlaceFinder{
		findNearby: func(_ context.Context, _ domain.Ping, _ domain.DetectionSettings) ([]domain.PlaceDistance, error) {
			t.Fatal("rejected pings must not reach the matcher")
			return nil, nil
		},
	}

	svc := service.NewDetectionService(
		finder,
		&mockCandidateRepo{},
		&mockVisitRepo{},
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	ping := testPing(uuid.New(), time.Now())
	ping.AccuracyM = 500 // default reject threshold is 200m

	err := svc.HandlePing(context.Background(), ping)

	require.NoError(t, err)
}

func TestDetectionService_HandlePing_NoNearbyPlaces(t *testing.T) {
	svc := service.NewDetectionService(
		finderReturning(),
		&mockCandidateRepo{},
		&mockVisitRepo{},
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	err := svc.HandlePing(context.Background(), testPing(uuid.New(), time.Now()))

	require.NoError(t, err)
}

func TestDetectionService_HandlePing_SettingsError(t *testing.T) {
	settingsErr := errors.New("settings unavailable")

	svc := service.NewDetectionService(
		finderReturning(),
		&mockCandidateRepo{},
		&mockVisitRepo{},
		&mockSettings{
			current: func(_ context.Context) (domain.DetectionSettings, error) {
				return domain.DetectionSettings{}, settingsErr
			},
		},
		&mockNotifier{},
	)

	err := svc.HandlePing(context.Background(), testPing(uuid.New(), time.Now()))

	assert.ErrorIs(t, err, settingsErr)
}

func TestDetectionService_HandlePing_PartialFailureHitsEveryPlace(t *testing.T) {
	userID := uuid.New()
	placeA := testPlace(uuid.New())
	placeB := testPlace(uuid.New())
	boom := errors.New("db exploded")

	var touched []uuid.UUID
	visits := &mockVisitRepo{
		touchOpen: func(_ context.Context, _, placeID uuid.UUID, _ time.Time) (bool, error) {
			touched = append(touched, placeID)
			if placeID == placeA.ID {
				return false, boom
			}
			return true, nil
		},
	}

	svc := service.NewDetectionService(
		finderReturning(
			domain.PlaceDistance{Place: placeA, DistanceM: 10},
			domain.PlaceDistance{Place: placeB, DistanceM: 30},
		),
		&mockCandidateRepo{},
		visits,
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	err := svc.HandlePing(context.Background(), testPing(userID, time.Now()))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []uuid.UUID{placeA.ID, placeB.ID}, touched,
		"a failure on one place must not stop the others")
}

func TestDetectionService_HandlePing_LostPromotionRace(t *testing.T) {
	userID := uuid.New()
	place := testPlace(uuid.New())
	at := time.Date(2025, 7, 14, 10, 0, 0, 0, time.UTC)
	notifier := &mockNotifier{}

	candidates := &mockCandidateRepo{
		recordHit: func(_ context.Context, uID, pID uuid.UUID, hitAt time.Time, _ time.Duration) (domain.VisitCandidate, error) {
			return domain.VisitCandidate{UserID: uID, PlaceID: pID, FirstHitAt: hitAt.Add(-5 * time.Minute), LastHitAt: hitAt, Hits: 2}, nil
		},
		promote: func(_ context.Context, _ domain.VisitCandidate, visit domain.Visit) (domain.Visit, bool, error) {
			// Another writer confirmed first; the insert degraded to a refresh.
			return visit, false, nil
		},
	}

	svc := service.NewDetectionService(
		finderReturning(domain.PlaceDistance{Place: place, DistanceM: 21}),
		candidates,
		noTouchVisitRepo(),
		service.StaticSettings(domain.DefaultDetectionSettings()),
		notifier,
	)

	err := svc.HandlePing(context.Background(), testPing(userID, at))

	require.NoError(t, err)
	assert.Empty(t, notifier.visits, "losing the race must not notify")
}

// ---- EndVisit --------------------------------------------------------------

func TestDetectionService_EndVisit_OK(t *testing.T) {
	userID, placeID := uuid.New(), uuid.New()
	at := time.Date(2025, 7, 14, 12, 0, 0, 0, time.UTC)

	var calls []string
	candidates := &mockCandidateRepo{
		delete: func(_ context.Context, uID, pID uuid.UUID) error {
			calls = append(calls, "candidate.Delete")
			assert.Equal(t, userID, uID)
			assert.Equal(t, placeID, pID)
			return nil
		},
	}
	visits := &mockVisitRepo{
		end: func(_ context.Context, _, _ uuid.UUID, endAt time.Time) (domain.Visit, error) {
			calls = append(calls, "visit.End")
			ended := endAt
			return domain.Visit{ID: uuid.New(), UserID: userID, EndedAt: &ended}, nil
		},
	}

	svc := service.NewDetectionService(
		finderReturning(),
		candidates,
		visits,
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	got, err := svc.EndVisit(context.Background(), userID, placeID, at)

	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, at, *got.EndedAt)
	assert.Equal(t, []string{"candidate.Delete", "visit.End"}, calls,
		"the streak is discarded before the visit is closed")
}

func TestDetectionService_EndVisit_ZeroTime(t *testing.T) {
	svc := service.NewDetectionService(
		finderReturning(),
		&mockCandidateRepo{},
		&mockVisitRepo{},
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	_, err := svc.EndVisit(context.Background(), uuid.New(), uuid.New(), time.Time{})

	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDetectionService_EndVisit_NotFound(t *testing.T) {
	svc := service.NewDetectionService(
		finderReturning(),
		&mockCandidateRepo{
			delete: func(_ context.Context, _, _ uuid.UUID) error { return nil },
		},
		&mockVisitRepo{
			end: func(_ context.Context, _, _ uuid.UUID, _ time.Time) (domain.Visit, error) {
				return domain.Visit{}, domain.ErrNotFound
			},
		},
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	_, err := svc.EndVisit(context.Background(), uuid.New(), uuid.New(), time.Now())

	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDetectionService_EndVisit_CandidateDeleteError(t *testing.T) {
	boom := errors.New("delete failed")

	svc := service.NewDetectionService(
		finderReturning(),
		&mockCandidateRepo{
			delete: func(_ context.Context, _, _ uuid.UUID) error { return boom },
		},
		&mockVisitRepo{
			end: func(_ context.Context, _, _ uuid.UUID, _ time.Time) (domain.Visit, error) {
				t.Fatal("the visit must not be closed when the streak cleanup fails")
				return domain.Visit{}, nil
			},
		},
		service.StaticSettings(domain.DefaultDetectionSettings()),
		&mockNotifier{},
	)

	_, err := svc.EndVisit(context.Background(), uuid.New(), uuid.New(), time.Now())

	assert.ErrorIs(t, err, boom)
}
