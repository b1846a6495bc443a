package repository

import (
	"context"
	"fmt"
)

// MisfitRepository persists per-event misfits. Validation-dataset misfits
// live in the same table but form a separate ledger keyed by the validation
// flag, so they never feed the optimizer's gradient bookkeeping.
type MisfitRepository struct {
	db *DB
}

// NewMisfitRepository creates a new misfit repository
func NewMisfitRepository(db *DB) *MisfitRepository {
	return &MisfitRepository{db: db}
}

// Record upserts the misfit for one (iteration, event).
func (r *MisfitRepository) Record(ctx context.Context, iteration, eventID string, misfit float64, validation bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO misfits (iteration, event_id, validation, misfit)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (iteration, event_id, validation)
		DO UPDATE SET misfit = EXCLUDED.misfit, created_at = NOW()`,
		iteration, eventID, validation, misfit,
	)
	if err != nil {
		return fmt.Errorf("repository: recording misfit for %s/%s: %w", iteration, eventID, err)
	}
	return nil
}

// Total sums the misfits of one iteration's ledger.
func (r *MisfitRepository) Total(ctx context.Context, iteration string, validation bool) (float64, error) {
	var total float64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(misfit), 0)
		FROM misfits
		WHERE iteration = $1 AND validation = $2`,
		iteration, validation,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("repository: summing misfits for %s: %w", iteration, err)
	}
	return total, nil
}

// PerEvent returns the misfit of every event in one iteration's ledger.
func (r *MisfitRepository) PerEvent(ctx context.Context, iteration string, validation bool) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, misfit
		FROM misfits
		WHERE iteration = $1 AND validation = $2`,
		iteration, validation,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: listing misfits for %s: %w", iteration, err)
	}
	defer rows.Close()

	misfits := make(map[string]float64)
	for rows.Next() {
		var eventID string
		var misfit float64
		if err := rows.Scan(&eventID, &misfit); err != nil {
			return nil, err
		}
		misfits[eventID] = misfit
	}
	return misfits, rows.Err()
}
