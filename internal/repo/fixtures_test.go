package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/repo"
	"github.com/waylog/waylog/testutil"
)

// repoTx opens a transaction against the test database and returns it. The
// transaction is automatically rolled back when the test finishes, giving
// free per-test isolation.
//
// Repos under test are constructed directly on the transaction. Fixture rows
// in the host-owned tables (trips, places, location_pings) are inserted with
// plain SQL below, because the engine deliberately has no write path for
// them.
func repoTx(t *testing.T) pgx.Tx {
	t.Helper()
	pool := testutil.NewPool(t)

	tx, err := pool.Begin(context.Background())
	require.NoError(t, err, "begin transaction")

	t.Cleanup(func() {
		// Rollback discards all changes made during the test — no cleanup SQL needed.
		_ = tx.Rollback(context.Background())
	})

	return tx
}

// insertTrip inserts a host-side trip row and returns its id.
func insertTrip(t *testing.T, tx pgx.Tx, userID uuid.UUID, name, region string) uuid.UUID {
	t.Helper()

	const sql = `
		INSERT INTO trips (user_id, name, region)
		VALUES (@user_id, @name, @region)
		RETURNING id`

	var id pgtype.UUID
	err := tx.QueryRow(context.Background(), sql, pgx.NamedArgs{
		"user_id": userID,
		"name":    name,
		"region":  region,
	}).Scan(&id)
	require.NoError(t, err, "insert trip fixture")
	return uuid.UUID(id.Bytes)
}

// insertPlace inserts a host-side place row and returns its id. Icon, color
// and notes get fixed non-empty values so snapshot assertions can tell a
// copied field from a zero value.
func insertPlace(t *testing.T, tx pgx.Tx, tripID uuid.UUID, name string, lat, lon float64) uuid.UUID {
	t.Helper()

	const sql = `
		INSERT INTO places (trip_id, name, latitude, longitude, icon_name, marker_color, notes_html)
		VALUES (@trip_id, @name, @lat, @lon, 'tent', '#2d6a4f', '<p>Reserve ahead.</p>')
		RETURNING id`

	var id pgtype.UUID
	err := tx.QueryRow(context.Background(), sql, pgx.NamedArgs{
		"trip_id": tripID,
		"name":    name,
		"lat":     lat,
		"lon":     lon,
	}).Scan(&id)
	require.NoError(t, err, "insert place fixture")
	return uuid.UUID(id.Bytes)
}

// mustPlace reads a fixture place back through the repo, so visit fixtures
// snapshot exactly what production code would see.
func mustPlace(t *testing.T, tx pgx.Tx, placeID uuid.UUID) domain.Place {
	t.Helper()
	place, err := repo.NewPlaceRepo(tx).GetByID(context.Background(), placeID)
	require.NoError(t, err, "read place fixture")
	return place
}

// insertPing inserts a row into the archived ping table.
func insertPing(t *testing.T, tx pgx.Tx, userID uuid.UUID, lat, lon, accuracyM float64, recordedAt time.Time) {
	t.Helper()

	const sql = `
		INSERT INTO location_pings (user_id, latitude, longitude, accuracy_m, recorded_at)
		VALUES (@user_id, @lat, @lon, @accuracy, @recorded_at)`

	_, err := tx.Exec(context.Background(), sql, pgx.NamedArgs{
		"user_id":     userID,
		"lat":         lat,
		"lon":         lon,
		"accuracy":    accuracyM,
		"recorded_at": recordedAt,
	})
	require.NoError(t, err, "insert ping fixture")
}

// visitFixture returns an open realtime visit at the given place, ready for
// insertion. Callers override fields (EndedAt, Source) as needed.
func visitFixture(userID uuid.UUID, place domain.Place, arrivedAt time.Time) domain.Visit {
	return domain.Visit{
		UserID:     userID,
		PlaceID:    &place.ID,
		ArrivedAt:  arrivedAt,
		LastSeenAt: arrivedAt,
		Source:     domain.SourceRealtime,
		Snapshot:   domain.SnapshotOf(place),
	}
}
