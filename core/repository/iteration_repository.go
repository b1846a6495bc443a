package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"inversion-orchestrator/core/models"
)

// ErrIterationExists is returned when an iteration name is already registered
// in the catalog.
var ErrIterationExists = errors.New("repository: iteration already exists")

// IterationRepository persists iteration records and their task cursors
type IterationRepository struct {
	db *DB
}

// NewIterationRepository creates a new iteration repository
func NewIterationRepository(db *DB) *IterationRepository {
	return &IterationRepository{db: db}
}

// Create registers a new iteration with its frozen event set.
func (r *IterationRepository) Create(ctx context.Context, it *models.Iteration) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO iterations (name, number, events, control_group, validation, task)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		it.Name, it.Number, pq.Array(it.Events), pq.Array(it.ControlGroup), it.Validation, it.Task,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", ErrIterationExists, it.Name)
		}
		return fmt.Errorf("repository: creating iteration %s: %w", it.Name, err)
	}
	return nil
}

// Get fetches one iteration record by name.
func (r *IterationRepository) Get(ctx context.Context, name string) (*models.Iteration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT name, number, events, control_group, validation, task, created_at, updated_at
		FROM iterations
		WHERE name = $1`,
		name,
	)
	var it models.Iteration
	err := row.Scan(
		&it.Name,
		&it.Number,
		pq.Array(&it.Events),
		pq.Array(&it.ControlGroup),
		&it.Validation,
		&it.Task,
		&it.CreatedAt,
		&it.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repository: iteration %s not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("repository: fetching iteration %s: %w", name, err)
	}
	return &it, nil
}

// Has reports whether an iteration name is already registered.
func (r *IterationRepository) Has(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM iterations WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository: checking iteration %s: %w", name, err)
	}
	return exists, nil
}

// SetTask persists the iteration's task cursor.
func (r *IterationRepository) SetTask(ctx context.Context, name string, task models.Task) error {
	if !models.ValidTask(task) {
		return fmt.Errorf("repository: unknown task %q", task)
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE iterations SET task = $1, updated_at = NOW() WHERE name = $2`, task, name,
	)
	if err != nil {
		return fmt.Errorf("repository: setting task for %s: %w", name, err)
	}
	return nil
}

// SetControlGroup persists the control group carried into the next iteration.
func (r *IterationRepository) SetControlGroup(ctx context.Context, name string, controlGroup []string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE iterations SET control_group = $1, updated_at = NOW() WHERE name = $2`,
		pq.Array(controlGroup), name,
	)
	if err != nil {
		return fmt.Errorf("repository: setting control group for %s: %w", name, err)
	}
	return nil
}

// List returns all iterations ordered by number.
func (r *IterationRepository) List(ctx context.Context) ([]*models.Iteration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, number, events, control_group, validation, task, created_at, updated_at
		FROM iterations
		ORDER BY number`,
	)
	if err != nil {
		return nil, fmt.Errorf("repository: listing iterations: %w", err)
	}
	defer rows.Close()

	var iterations []*models.Iteration
	for rows.Next() {
		var it models.Iteration
		err := rows.Scan(
			&it.Name,
			&it.Number,
			pq.Array(&it.Events),
			pq.Array(&it.ControlGroup),
			&it.Validation,
			&it.Task,
			&it.CreatedAt,
			&it.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		iterations = append(iterations, &it)
	}
	return iterations, rows.Err()
}
