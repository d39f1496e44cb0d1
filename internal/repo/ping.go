package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/geo"
)

// PingRepo is the read-only adapter over the historical ping archive owned
// by the timeline side of the application. Live detection never touches it;
// only backfill scans read here.
type PingRepo interface {
	// ListNear returns the user's archived pings inside the bounding box and
	// time range, ordered by recording time ascending. The box is a coarse
	// prefilter; callers apply the exact distance check.
	ListNear(ctx context.Context, userID uuid.UUID, box geo.BoundingBox, r domain.TimeRange) ([]domain.Ping, error)
}

// pgPingRepo is the Postgres implementation of PingRepo.
type pgPingRepo struct {
	db db
}

// NewPingRepo constructs a PingRepo backed by the provided db connection.
func NewPingRepo(db db) PingRepo {
	return &pgPingRepo{db: db}
}

func (r *pgPingRepo) ListNear(ctx context.Context, userID uuid.UUID, box geo.BoundingBox, tr domain.TimeRange) ([]domain.Ping, error) {
	const sql = `
		SELECT user_id, latitude, longitude, accuracy_m, recorded_at
		FROM location_pings
		WHERE user_id = @user_id
		  AND latitude  BETWEEN @min_lat AND @max_lat
		  AND longitude BETWEEN @min_lon AND @max_lon
		  AND (@from::timestamptz IS NULL OR recorded_at >= @from)
		  AND (@to::timestamptz   IS NULL OR recorded_at <  @to)
		ORDER BY recorded_at`

	args := pgx.NamedArgs{
		"user_id": userID,
		"min_lat": box.MinLat,
		"max_lat": box.MaxLat,
		"min_lon": box.MinLon,
		"max_lon": box.MaxLon,
		"from":    tr.From, // nil becomes NULL = unbounded
		"to":      tr.To,
	}

	rows, err := r.db.Query(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("repo.PingRepo.ListNear: %w", err)
	}
	defer rows.Close()

	var pings []domain.Ping
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, fmt.Errorf("repo.PingRepo.ListNear: scan: %w", err)
		}
		pings = append(pings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repo.PingRepo.ListNear: rows: %w", err)
	}
	return pings, nil
}

// scanPing maps a single database row into a domain.Ping.
func scanPing(s scanner) (domain.Ping, error) {
	var (
		p      domain.Ping
		userID pgtype.UUID
	)

	err := s.Scan(&userID, &p.Latitude, &p.Longitude, &p.AccuracyM, &p.RecordedAt)
	if err != nil {
		return domain.Ping{}, err
	}

	p.UserID = uuid.UUID(userID.Bytes)
	return p, nil
}
