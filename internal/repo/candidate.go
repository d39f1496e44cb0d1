package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/waylog/waylog/internal/domain"
)

// CandidateRepo defines the persistence operations for visit candidates:
// the per-(user, place) hit-streak rows that exist only between the first
// qualifying ping and either confirmation or staleness.
type CandidateRepo interface {
	// RecordHit registers a qualifying hit at hitAt and returns the
	// resulting candidate state. The whole streak transition runs as one
	// conditional upsert, so concurrent pings for the same (user, place)
	// serialize on the row: a first hit creates the candidate, a hit within
	// window of the previous one extends the streak, and a larger gap
	// restarts it with hitAt as the new first hit.
	RecordHit(ctx context.Context, userID, placeID uuid.UUID, hitAt time.Time, window time.Duration) (domain.VisitCandidate, error)

	// Get retrieves the candidate for (userID, placeID).
	// Returns domain.ErrNotFound when none exists.
	Get(ctx context.Context, userID, placeID uuid.UUID) (domain.VisitCandidate, error)

	// Promote converts a full streak into an open visit and removes the
	// candidate row, atomically. When another writer confirmed the same
	// (user, place) first, the insert degrades to a refresh of the existing
	// open visit, the candidate is still removed, and created is false.
	Promote(ctx context.Context, cand domain.VisitCandidate, visit domain.Visit) (_ domain.Visit, created bool, _ error)

	// Delete removes the candidate for (userID, placeID), if present.
	Delete(ctx context.Context, userID, placeID uuid.UUID) error

	// DeleteStale removes every candidate whose last hit is older than
	// staleAfter and returns how many were discarded.
	DeleteStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
}

// pgCandidateRepo is the Postgres implementation of CandidateRepo.
type pgCandidateRepo struct {
	db db
}

// NewCandidateRepo constructs a CandidateRepo backed by the provided db
// connection. In production pass *pgxpool.Pool; in tests pass a pgx.Tx for
// rollback isolation.
func NewCandidateRepo(db db) CandidateRepo {
	return &pgCandidateRepo{db: db}
}

// RecordHit implements the streak transition in SQL so that it is atomic per
// (user_id, place_id) row. The CASE mirrors the gap rule: a hit within the
// window extends the streak, anything later restarts it. GREATEST keeps
// last_hit_at monotone if pings arrive out of order; a late ping inside the
// window still counts toward the streak.
func (r *pgCandidateRepo) RecordHit(ctx context.Context, userID, placeID uuid.UUID, hitAt time.Time, window time.Duration) (domain.VisitCandidate, error) {
	const sql = `
		INSERT INTO visit_candidates (user_id, place_id, first_hit_at, last_hit_at, hits)
		VALUES (@user_id, @place_id, @hit_at, @hit_at, 1)
		ON CONFLICT (user_id, place_id) DO UPDATE SET
			hits = CASE
				WHEN EXTRACT(EPOCH FROM (excluded.last_hit_at - visit_candidates.last_hit_at)) <= @window_seconds
				THEN visit_candidates.hits + 1
				ELSE 1
			END,
			first_hit_at = CASE
				WHEN EXTRACT(EPOCH FROM (excluded.last_hit_at - visit_candidates.last_hit_at)) <= @window_seconds
				THEN visit_candidates.first_hit_at
				ELSE excluded.first_hit_at
			END,
			last_hit_at = GREATEST(visit_candidates.last_hit_at, excluded.last_hit_at)
		RETURNING user_id, place_id, first_hit_at, last_hit_at, hits`

	args := pgx.NamedArgs{
		"user_id":        userID,
		"place_id":       placeID,
		"hit_at":         hitAt,
		"window_seconds": window.Seconds(),
	}

	row := r.db.QueryRow(ctx, sql, args)
	cand, err := scanCandidate(row)
	if err != nil {
		return domain.VisitCandidate{}, fmt.Errorf("repo.CandidateRepo.RecordHit: %w", err)
	}
	return cand, nil
}

func (r *pgCandidateRepo) Get(ctx context.Context, userID, placeID uuid.UUID) (domain.VisitCandidate, error) {
	const sql = `
		SELECT user_id, place_id, first_hit_at, last_hit_at, hits
		FROM visit_candidates
		WHERE user_id = @user_id AND place_id = @place_id`

	row := r.db.QueryRow(ctx, sql, pgx.NamedArgs{"user_id": userID, "place_id": placeID})
	cand, err := scanCandidate(row)
	if err != nil {
		return domain.VisitCandidate{}, fmt.Errorf("repo.CandidateRepo.Get: %w", err)
	}
	return cand, nil
}

// Promote runs the insert and the candidate delete in one transaction. Under
// a test transaction the Begin call opens a savepoint, so rollback isolation
// still holds.
func (r *pgCandidateRepo) Promote(ctx context.Context, cand domain.VisitCandidate, visit domain.Visit) (domain.Visit, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.Visit{}, false, fmt.Errorf("repo.CandidateRepo.Promote: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	created, ok, err := insertOpenVisit(ctx, tx, visit)
	if err != nil {
		return domain.Visit{}, false, fmt.Errorf("repo.CandidateRepo.Promote: insert visit: %w", err)
	}
	if !ok {
		// Lost the race: an open visit for this (user, place) already
		// exists. Refresh its last sighting with ours and fall through to
		// the candidate delete. The caller treats this as a successful
		// no-op confirmation.
		if _, err := touchOpenVisit(ctx, tx, cand.UserID, cand.PlaceID, visit.LastSeenAt); err != nil {
			return domain.Visit{}, false, fmt.Errorf("repo.CandidateRepo.Promote: touch existing: %w", err)
		}
	}

	const del = `DELETE FROM visit_candidates WHERE user_id = @user_id AND place_id = @place_id`
	if _, err := tx.Exec(ctx, del, pgx.NamedArgs{"user_id": cand.UserID, "place_id": cand.PlaceID}); err != nil {
		return domain.Visit{}, false, fmt.Errorf("repo.CandidateRepo.Promote: delete candidate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Visit{}, false, fmt.Errorf("repo.CandidateRepo.Promote: commit: %w", err)
	}
	return created, ok, nil
}

func (r *pgCandidateRepo) Delete(ctx context.Context, userID, placeID uuid.UUID) error {
	const sql = `DELETE FROM visit_candidates WHERE user_id = @user_id AND place_id = @place_id`

	if _, err := r.db.Exec(ctx, sql, pgx.NamedArgs{"user_id": userID, "place_id": placeID}); err != nil {
		return fmt.Errorf("repo.CandidateRepo.Delete: %w", err)
	}
	return nil
}

func (r *pgCandidateRepo) DeleteStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	const sql = `DELETE FROM visit_candidates WHERE last_hit_at < @cutoff`

	tag, err := r.db.Exec(ctx, sql, pgx.NamedArgs{"cutoff": now.Add(-staleAfter)})
	if err != nil {
		return 0, fmt.Errorf("repo.CandidateRepo.DeleteStale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanCandidate maps a single database row into a domain.VisitCandidate.
func scanCandidate(s scanner) (domain.VisitCandidate, error) {
	var (
		c       domain.VisitCandidate
		userID  pgtype.UUID
		placeID pgtype.UUID
	)

	err := s.Scan(&userID, &placeID, &c.FirstHitAt, &c.LastHitAt, &c.Hits)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VisitCandidate{}, domain.ErrNotFound
		}
		return domain.VisitCandidate{}, err
	}

	c.UserID = uuid.UUID(userID.Bytes)
	c.PlaceID = uuid.UUID(placeID.Bytes)
	return c, nil
}
