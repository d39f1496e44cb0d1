// Package repo contains all database access logic for the waylog visit
// engine. Each record kind has its own file with an interface and a Postgres
// implementation. No business logic lives here, only SQL and type mapping.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/waylog/waylog/internal/domain"
)

// db is the minimal interface satisfied by *pgxpool.Pool, pgx.Conn, and
// pgx.Tx. Accepting this interface instead of *pgxpool.Pool directly allows
// integration tests to pass a transaction that is rolled back after each
// test, giving free per-test isolation without any manual cleanup.
//
// Begin is included because candidate promotion spans two statements that
// must commit together; under a test transaction it opens a savepoint.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// visitColumns is the SELECT list shared by every visit query, in the order
// scanVisit expects.
const visitColumns = `id, user_id, place_id, arrived_at, last_seen_at, ended_at, source,
		trip_id, trip_name, region_name, place_name, place_lat, place_lon,
		icon_name, marker_color, notes_html, created_at, updated_at`

// VisitRepo defines the persistence operations for place visits.
// The service layer depends on this interface, not the concrete Postgres
// implementation, which allows the services to be unit-tested with mocks.
type VisitRepo interface {
	// TouchOpen advances last_seen_at on the open visit for (userID,
	// placeID), if one exists. Out-of-order timestamps never move
	// last_seen_at backwards. Returns true when an open visit was found.
	TouchOpen(ctx context.Context, userID, placeID uuid.UUID, seenAt time.Time) (bool, error)

	// CreateOpen inserts a new open visit. When another open visit for the
	// same (user, place) already exists the insert is a no-op and created
	// is false: the caller lost a promotion race and should treat the call
	// as success.
	CreateOpen(ctx context.Context, v domain.Visit) (_ domain.Visit, created bool, _ error)

	// CreateClosed inserts a visit that already has an end time, as manual
	// entry and imports do.
	CreateClosed(ctx context.Context, v domain.Visit) (domain.Visit, error)

	// ApplyBackfill inserts the given closed visits and deletes the given
	// visit IDs in one transaction. A create whose (user, place, UTC day of
	// arrival) already has a visit is skipped rather than duplicated, which
	// makes re-applying an identical batch a no-op. Deletes of already-gone
	// IDs are silently not counted for the same reason.
	ApplyBackfill(ctx context.Context, userID uuid.UUID, creates []domain.Visit, deleteIDs []uuid.UUID) (domain.BackfillApplyResult, error)

	// CloseStale closes every open visit whose last sighting is older than
	// endAfter, setting ended_at to that last sighting rather than the sweep
	// time. The cutoff comparison re-reads last_seen_at at write time, so a
	// visit refreshed between sweep scheduling and execution is left open.
	CloseStale(ctx context.Context, now time.Time, endAfter time.Duration) (int64, error)

	// End closes the open visit for (userID, placeID) at the given time,
	// never earlier than its arrival. Returns domain.ErrNotFound when no
	// open visit exists.
	End(ctx context.Context, userID, placeID uuid.UUID, at time.Time) (domain.Visit, error)

	// GetByID retrieves a single visit scoped to its owner.
	GetByID(ctx context.Context, userID, visitID uuid.UUID) (domain.Visit, error)

	// ListOpenByUser returns the user's open visits ordered by arrival.
	ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error)

	// ListByTrip returns all of a user's visits whose snapshot belongs to
	// the trip, ordered by arrival. The snapshot trip id is used so visits
	// to since-deleted places are included.
	ListByTrip(ctx context.Context, userID, tripID uuid.UUID) ([]domain.Visit, error)

	// Delete removes a visit scoped to its owner.
	// Returns domain.ErrNotFound when no such visit exists.
	Delete(ctx context.Context, userID, visitID uuid.UUID) error
}

// pgVisitRepo is the Postgres implementation of VisitRepo.
type pgVisitRepo struct {
	db db
}

// NewVisitRepo constructs a VisitRepo backed by the provided db connection.
// In production pass *pgxpool.Pool; in tests pass a pgx.Tx for rollback
// isolation.
func NewVisitRepo(db db) VisitRepo {
	return &pgVisitRepo{db: db}
}

// touchOpenVisit is shared with the promotion transaction in candidate.go.
func touchOpenVisit(ctx context.Context, q db, userID, placeID uuid.UUID, seenAt time.Time) (bool, error) {
	const sql = `
		UPDATE place_visits
		SET last_seen_at = GREATEST(last_seen_at, @seen_at),
		    updated_at   = now()
		WHERE user_id = @user_id
		  AND place_id = @place_id
		  AND ended_at IS NULL`

	tag, err := q.Exec(ctx, sql, pgx.NamedArgs{
		"user_id":  userID,
		"place_id": placeID,
		"seen_at":  seenAt,
	})
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// insertOpenVisit is shared with the promotion transaction in candidate.go.
// The ON CONFLICT target matches the partial unique index enforcing "one
// open visit per (user, place)", so a concurrent confirmation degrades to a
// no-op instead of an error.
func insertOpenVisit(ctx context.Context, q db, v domain.Visit) (domain.Visit, bool, error) {
	const sql = `
		INSERT INTO place_visits (
			user_id, place_id, arrived_at, last_seen_at, ended_at, source,
			trip_id, trip_name, region_name, place_name, place_lat, place_lon,
			icon_name, marker_color, notes_html)
		VALUES (
			@user_id, @place_id, @arrived_at, @last_seen_at, NULL, @source,
			@trip_id, @trip_name, @region_name, @place_name, @place_lat, @place_lon,
			@icon_name, @marker_color, @notes_html)
		ON CONFLICT (user_id, place_id) WHERE ended_at IS NULL DO NOTHING
		RETURNING ` + visitColumns

	rows, err := q.Query(ctx, sql, visitArgs(v))
	if err != nil {
		return domain.Visit{}, false, err
	}
	defer rows.Close()

	if !rows.Next() {
		// Conflict path: DO NOTHING suppressed the insert, RETURNING yields
		// no row.
		return domain.Visit{}, false, rows.Err()
	}
	created, err := scanVisit(rows)
	if err != nil {
		return domain.Visit{}, false, err
	}
	return created, true, rows.Err()
}

// visitArgs maps the insertable fields of a visit to named SQL arguments.
func visitArgs(v domain.Visit) pgx.NamedArgs {
	return pgx.NamedArgs{
		"user_id":      v.UserID,
		"place_id":     v.PlaceID, // nil becomes NULL
		"arrived_at":   v.ArrivedAt,
		"last_seen_at": v.LastSeenAt,
		"ended_at":     v.EndedAt,
		"source":       string(v.Source),
		"trip_id":      v.Snapshot.TripID,
		"trip_name":    v.Snapshot.TripName,
		"region_name":  v.Snapshot.RegionName,
		"place_name":   v.Snapshot.PlaceName,
		"place_lat":    v.Snapshot.PlaceLat,
		"place_lon":    v.Snapshot.PlaceLon,
		"icon_name":    v.Snapshot.IconName,
		"marker_color": v.Snapshot.MarkerColor,
		"notes_html":   v.Snapshot.NotesHTML,
	}
}

func (r *pgVisitRepo) TouchOpen(ctx context.Context, userID, placeID uuid.UUID, seenAt time.Time) (bool, error) {
	touched, err := touchOpenVisit(ctx, r.db, userID, placeID, seenAt)
	if err != nil {
		return false, fmt.Errorf("repo.VisitRepo.TouchOpen: %w", err)
	}
	return touched, nil
}

func (r *pgVisitRepo) CreateOpen(ctx context.Context, v domain.Visit) (domain.Visit, bool, error) {
	created, ok, err := insertOpenVisit(ctx, r.db, v)
	if err != nil {
		return domain.Visit{}, false, fmt.Errorf("repo.VisitRepo.CreateOpen: %w", err)
	}
	return created, ok, nil
}

func (r *pgVisitRepo) CreateClosed(ctx context.Context, v domain.Visit) (domain.Visit, error) {
	result, err := insertVisit(ctx, r.db, v)
	if err != nil {
		return domain.Visit{}, fmt.Errorf("repo.VisitRepo.CreateClosed: %w", err)
	}
	return result, nil
}

// insertVisit is the unconditional insert shared by CreateClosed and
// ApplyBackfill.
func insertVisit(ctx context.Context, q db, v domain.Visit) (domain.Visit, error) {
	const sql = `
		INSERT INTO place_visits (
			user_id, place_id, arrived_at, last_seen_at, ended_at, source,
			trip_id, trip_name, region_name, place_name, place_lat, place_lon,
			icon_name, marker_color, notes_html)
		VALUES (
			@user_id, @place_id, @arrived_at, @last_seen_at, @ended_at, @source,
			@trip_id, @trip_name, @region_name, @place_name, @place_lat, @place_lon,
			@icon_name, @marker_color, @notes_html)
		RETURNING ` + visitColumns

	return scanVisit(q.QueryRow(ctx, sql, visitArgs(v)))
}

func (r *pgVisitRepo) ApplyBackfill(ctx context.Context, userID uuid.UUID, creates []domain.Visit, deleteIDs []uuid.UUID) (domain.BackfillApplyResult, error) {
	var result domain.BackfillApplyResult

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("repo.VisitRepo.ApplyBackfill: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, v := range creates {
		exists, err := visitExistsOnDay(ctx, tx, v.UserID, *v.PlaceID, v.ArrivedAt)
		if err != nil {
			return domain.BackfillApplyResult{}, fmt.Errorf("repo.VisitRepo.ApplyBackfill: equivalence check: %w", err)
		}
		if exists {
			result.SkippedExisting++
			continue
		}
		if _, err := insertVisit(ctx, tx, v); err != nil {
			return domain.BackfillApplyResult{}, fmt.Errorf("repo.VisitRepo.ApplyBackfill: insert: %w", err)
		}
		result.Created++
	}

	if len(deleteIDs) > 0 {
		const sql = `DELETE FROM place_visits WHERE user_id = @user_id AND id = ANY(@ids)`
		tag, err := tx.Exec(ctx, sql, pgx.NamedArgs{"user_id": userID, "ids": deleteIDs})
		if err != nil {
			return domain.BackfillApplyResult{}, fmt.Errorf("repo.VisitRepo.ApplyBackfill: delete: %w", err)
		}
		result.Deleted = int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.BackfillApplyResult{}, fmt.Errorf("repo.VisitRepo.ApplyBackfill: commit: %w", err)
	}
	return result, nil
}

// visitExistsOnDay reports whether (userID, placeID) already has a visit
// whose arrival falls on the same UTC calendar day as arrivedAt. This is the
// equivalence rule that keeps backfill idempotent.
func visitExistsOnDay(ctx context.Context, q db, userID, placeID uuid.UUID, arrivedAt time.Time) (bool, error) {
	const sql = `
		SELECT EXISTS (
			SELECT 1
			FROM place_visits
			WHERE user_id = @user_id
			  AND place_id = @place_id
			  AND (arrived_at AT TIME ZONE 'UTC')::date =
			      (@arrived_at::timestamptz AT TIME ZONE 'UTC')::date)`

	args := pgx.NamedArgs{
		"user_id":    userID,
		"place_id":   placeID,
		"arrived_at": arrivedAt,
	}

	var exists bool
	if err := q.QueryRow(ctx, sql, args).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *pgVisitRepo) CloseStale(ctx context.Context, now time.Time, endAfter time.Duration) (int64, error) {
	// ended_at takes the value of last_seen_at, not the sweep time: the
	// visit ends at the last confirmed sighting. The WHERE clause evaluates
	// against the current row, so a visit touched by a live ping after the
	// sweep was scheduled no longer matches and is left alone.
	const sql = `
		UPDATE place_visits
		SET ended_at   = last_seen_at,
		    updated_at = now()
		WHERE ended_at IS NULL
		  AND last_seen_at < @cutoff`

	tag, err := r.db.Exec(ctx, sql, pgx.NamedArgs{"cutoff": now.Add(-endAfter)})
	if err != nil {
		return 0, fmt.Errorf("repo.VisitRepo.CloseStale: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgVisitRepo) End(ctx context.Context, userID, placeID uuid.UUID, at time.Time) (domain.Visit, error) {
	const sql = `
		UPDATE place_visits
		SET ended_at   = GREATEST(arrived_at, @at),
		    updated_at = now()
		WHERE user_id = @user_id
		  AND place_id = @place_id
		  AND ended_at IS NULL
		RETURNING ` + visitColumns

	args := pgx.NamedArgs{
		"user_id":  userID,
		"place_id": placeID,
		"at":       at,
	}

	row := r.db.QueryRow(ctx, sql, args)
	result, err := scanVisit(row)
	if err != nil {
		return domain.Visit{}, fmt.Errorf("repo.VisitRepo.End: %w", err)
	}
	return result, nil
}

func (r *pgVisitRepo) GetByID(ctx context.Context, userID, visitID uuid.UUID) (domain.Visit, error) {
	const sql = `
		SELECT ` + visitColumns + `
		FROM place_visits
		WHERE id = @id AND user_id = @user_id`

	row := r.db.QueryRow(ctx, sql, pgx.NamedArgs{"id": visitID, "user_id": userID})
	result, err := scanVisit(row)
	if err != nil {
		return domain.Visit{}, fmt.Errorf("repo.VisitRepo.GetByID: %w", err)
	}
	return result, nil
}

func (r *pgVisitRepo) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]domain.Visit, error) {
	const sql = `
		SELECT ` + visitColumns + `
		FROM place_visits
		WHERE user_id = @user_id AND ended_at IS NULL
		ORDER BY arrived_at`

	visits, err := r.queryVisits(ctx, sql, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("repo.VisitRepo.ListOpenByUser: %w", err)
	}
	return visits, nil
}

func (r *pgVisitRepo) ListByTrip(ctx context.Context, userID, tripID uuid.UUID) ([]domain.Visit, error) {
	const sql = `
		SELECT ` + visitColumns + `
		FROM place_visits
		WHERE user_id = @user_id AND trip_id = @trip_id
		ORDER BY arrived_at`

	visits, err := r.queryVisits(ctx, sql, pgx.NamedArgs{"user_id": userID, "trip_id": tripID})
	if err != nil {
		return nil, fmt.Errorf("repo.VisitRepo.ListByTrip: %w", err)
	}
	return visits, nil
}

func (r *pgVisitRepo) Delete(ctx context.Context, userID, visitID uuid.UUID) error {
	const sql = `DELETE FROM place_visits WHERE id = @id AND user_id = @user_id`

	tag, err := r.db.Exec(ctx, sql, pgx.NamedArgs{"id": visitID, "user_id": userID})
	if err != nil {
		return fmt.Errorf("repo.VisitRepo.Delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("repo.VisitRepo.Delete: %w", domain.ErrNotFound)
	}
	return nil
}

// queryVisits runs a multi-row visit query and scans every row.
func (r *pgVisitRepo) queryVisits(ctx context.Context, sql string, args pgx.NamedArgs) ([]domain.Visit, error) {
	rows, err := r.db.Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visits []domain.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return visits, nil
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing the scan
// helpers to be reused for both QueryRow and Query calls.
type scanner interface {
	Scan(dest ...any) error
}

// scanVisit maps a single database row into a domain.Visit.
// It handles the UUID conversions, the nullable place_id and ended_at, and
// the closed source enum.
func scanVisit(s scanner) (domain.Visit, error) {
	var (
		v       domain.Visit
		id      pgtype.UUID
		userID  pgtype.UUID
		placeID pgtype.UUID
		endedAt pgtype.Timestamptz
		source  string
		tripID  pgtype.UUID
	)

	err := s.Scan(
		&id, &userID, &placeID, &v.ArrivedAt, &v.LastSeenAt, &endedAt, &source,
		&tripID, &v.Snapshot.TripName, &v.Snapshot.RegionName, &v.Snapshot.PlaceName,
		&v.Snapshot.PlaceLat, &v.Snapshot.PlaceLon,
		&v.Snapshot.IconName, &v.Snapshot.MarkerColor, &v.Snapshot.NotesHTML,
		&v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Visit{}, domain.ErrNotFound
		}
		return domain.Visit{}, err
	}

	v.ID = uuid.UUID(id.Bytes)
	v.UserID = uuid.UUID(userID.Bytes)
	if placeID.Valid {
		pid := uuid.UUID(placeID.Bytes)
		v.PlaceID = &pid
	}
	if endedAt.Valid {
		ended := endedAt.Time
		v.EndedAt = &ended
	}
	v.Snapshot.TripID = uuid.UUID(tripID.Bytes)

	v.Source, err = domain.ParseVisitSource(source)
	if err != nil {
		return domain.Visit{}, err
	}
	return v, nil
}
