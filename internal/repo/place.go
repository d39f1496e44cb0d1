package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/waylog/waylog/internal/domain"
	"github.com/waylog/waylog/internal/geo"
)

// placeColumns joins trips so every read carries the trip and region names
// needed for snapshotting, in the order scanPlace expects.
const placeColumns = `p.id, p.trip_id, t.name, t.region, p.name,
		p.latitude, p.longitude, p.icon_name, p.marker_color, p.notes_html,
		p.created_at, p.updated_at`

// PlaceRepo is the read-only adapter over the trip-planning side's place
// records. The engine never writes places.
type PlaceRepo interface {
	// GetByID retrieves a single place with its trip linkage.
	// Returns domain.ErrNotFound if the place does not exist.
	GetByID(ctx context.Context, placeID uuid.UUID) (domain.Place, error)

	// ListInBox returns the user's places inside the bounding box, in no
	// particular order. The box is a coarse prefilter; callers apply the
	// exact distance check.
	ListInBox(ctx context.Context, userID uuid.UUID, box geo.BoundingBox) ([]domain.Place, error)

	// ListByTrip returns up to limit places of a trip with an id greater
	// than afterID, ordered by id. Passing uuid.Nil starts from the
	// beginning; repeating with the last returned id pages through
	// arbitrarily large trips with bounded query size.
	ListByTrip(ctx context.Context, tripID, afterID uuid.UUID, limit int) ([]domain.Place, error)
}

// pgPlaceRepo is the Postgres implementation of PlaceRepo.
type pgPlaceRepo struct {
	db db
}

// NewPlaceRepo constructs a PlaceRepo backed by the provided db connection.
func NewPlaceRepo(db db) PlaceRepo {
	return &pgPlaceRepo{db: db}
}

func (r *pgPlaceRepo) GetByID(ctx context.Context, placeID uuid.UUID) (domain.Place, error) {
	const sql = `
		SELECT ` + placeColumns + `
		FROM places p
		JOIN trips t ON t.id = p.trip_id
		WHERE p.id = @id`

	row := r.db.QueryRow(ctx, sql, pgx.NamedArgs{"id": placeID})
	place, err := scanPlace(row)
	if err != nil {
		return domain.Place{}, fmt.Errorf("repo.PlaceRepo.GetByID: %w", err)
	}
	return place, nil
}

func (r *pgPlaceRepo) ListInBox(ctx context.Context, userID uuid.UUID, box geo.BoundingBox) ([]domain.Place, error) {
	const sql = `
		SELECT ` + placeColumns + `
		FROM places p
		JOIN trips t ON t.id = p.trip_id
		WHERE t.user_id = @user_id
		  AND p.latitude  BETWEEN @min_lat AND @max_lat
		  AND p.longitude BETWEEN @min_lon AND @max_lon`

	args := pgx.NamedArgs{
		"user_id": userID,
		"min_lat": box.MinLat,
		"max_lat": box.MaxLat,
		"min_lon": box.MinLon,
		"max_lon": box.MaxLon,
	}

	places, err := r.queryPlaces(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("repo.PlaceRepo.ListInBox: %w", err)
	}
	return places, nil
}

func (r *pgPlaceRepo) ListByTrip(ctx context.Context, tripID, afterID uuid.UUID, limit int) ([]domain.Place, error) {
	const sql = `
		SELECT ` + placeColumns + `
		FROM places p
		JOIN trips t ON t.id = p.trip_id
		WHERE p.trip_id = @trip_id
		  AND p.id > @after_id
		ORDER BY p.id
		LIMIT @limit`

	args := pgx.NamedArgs{
		"trip_id":  tripID,
		"after_id": afterID,
		"limit":    limit,
	}

	places, err := r.queryPlaces(ctx, sql, args)
	if err != nil {
		return nil, fmt.Errorf("repo.PlaceRepo.ListByTrip: %w", err)
	}
	return places, nil
}

func (r *pgPlaceRepo) queryPlaces(ctx context.Context, sql string, args pgx.NamedArgs) ([]domain.Place, error) {
	rows, err := r.db.Query(ctx, sql, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var places []domain.Place
	for rows.Next() {
		p, err := scanPlace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		places = append(places, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return places, nil
}

// scanPlace maps a single database row into a domain.Place.
func scanPlace(s scanner) (domain.Place, error) {
	var (
		p      domain.Place
		id     pgtype.UUID
		tripID pgtype.UUID
	)

	err := s.Scan(
		&id, &tripID, &p.TripName, &p.RegionName, &p.Name,
		&p.Latitude, &p.Longitude, &p.IconName, &p.MarkerColor, &p.NotesHTML,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Place{}, domain.ErrNotFound
		}
		return domain.Place{}, err
	}

	p.ID = uuid.UUID(id.Bytes)
	p.TripID = uuid.UUID(tripID.Bytes)
	return p, nil
}
