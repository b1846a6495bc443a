package repository

import (
	"context"
	"fmt"

	"inversion-orchestrator/core/models"
)

// EventRepository stores the observational event catalog. The catalog is
// seeded from the configured event file at startup and only ever read
// afterwards.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// ListEvents returns the full event catalog ordered by ID.
func (r *EventRepository) ListEvents(ctx context.Context) ([]models.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, latitude, longitude, depth_km FROM events ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: listing events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		if err := rows.Scan(&ev.ID, &ev.Latitude, &ev.Longitude, &ev.DepthKm); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertEvent inserts or refreshes one catalog entry.
func (r *EventRepository) UpsertEvent(ctx context.Context, ev models.Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, latitude, longitude, depth_km)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET latitude = EXCLUDED.latitude,
		              longitude = EXCLUDED.longitude,
		              depth_km = EXCLUDED.depth_km`,
		ev.ID, ev.Latitude, ev.Longitude, ev.DepthKm,
	)
	if err != nil {
		return fmt.Errorf("repository: upserting event %s: %w", ev.ID, err)
	}
	return nil
}
