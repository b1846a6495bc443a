package controller

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"inversion-orchestrator/core/models"
	"inversion-orchestrator/storage"
)

// GradientDescent is the plain steepest-descent optimizer:
// m_{k+1} = m_k - step_length * g_k over the configured parameters.
type GradientDescent struct {
	store      *storage.Store
	parameters []string
	stepLength float64
	log        zerolog.Logger
}

// NewGradientDescent creates the optimizer.
func NewGradientDescent(store *storage.Store, parameters []string, stepLength float64, log zerolog.Logger) *GradientDescent {
	return &GradientDescent{
		store:      store,
		parameters: parameters,
		stepLength: stepLength,
		log:        log.With().Str("optimizer", "gradient_descent").Logger(),
	}
}

func (g *GradientDescent) Name() string { return "gradient_descent" }

// InitDirectories is a no-op: steepest descent needs nothing beyond the
// shared store layout.
func (g *GradientDescent) InitDirectories() error { return nil }

// IssueFirstTask starts the inversion at iteration zero.
func (g *GradientDescent) IssueFirstTask() *Progress {
	return &Progress{
		Iteration: IterationName(0),
		Number:    0,
		Task:      models.TaskPrepareIteration,
	}
}

// Regularize is a no-op for steepest descent; gradient smoothing happens
// remotely before the gradients are fetched.
func (g *GradientDescent) Regularize(ctx context.Context, it *models.Iteration) error {
	g.log.Debug().Str("iteration", it.Name).Msg("no regularization stage")
	return nil
}

// UpdateModel averages the event gradients, stores the raw update and writes
// the next model artifact. The previous model is copied first so untouched
// parameter slices carry over bit-identically.
func (g *GradientDescent) UpdateModel(ctx context.Context, it *models.Iteration) error {
	n := it.Number
	model, err := g.store.ReadParameters(g.store.ModelPath(n), g.parameters)
	if err != nil {
		return fmt.Errorf("gradient descent: reading model %d: %w", n, err)
	}

	gradient, err := g.sumGradients(n, it.Events, model)
	if err != nil {
		return err
	}

	if err := g.store.WriteNew(g.store.UpdatePath(n), gradient); err != nil {
		return fmt.Errorf("gradient descent: storing raw update %d: %w", n, err)
	}

	for i := range model.Data {
		model.Data[i] -= g.stepLength * gradient.Data[i]
	}

	next := g.store.ModelPath(n + 1)
	if err := g.store.CopyArtifact(g.store.ModelPath(n), next); err != nil {
		return fmt.Errorf("gradient descent: copying model %d forward: %w", n, err)
	}
	if err := g.store.WriteParameters(next, g.parameters, model); err != nil {
		return fmt.Errorf("gradient descent: writing model %d: %w", n+1, err)
	}
	g.log.Info().Int("iteration", n).Float64("step_length", g.stepLength).Msg("model updated")
	return nil
}

// sumGradients averages the per-event gradient artifacts of the iteration.
func (g *GradientDescent) sumGradients(n int, events []string, like *storage.Tensor) (*storage.Tensor, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("gradient descent: iteration %d has no events", n)
	}
	sum := storage.NewTensor(g.parameters, like.Shape)
	for _, eventID := range events {
		grad, err := g.store.ReadParameters(g.store.GradientPath(n, eventID), g.parameters)
		if err != nil {
			return nil, fmt.Errorf("gradient descent: reading gradient for %s: %w", eventID, err)
		}
		if !grad.SameShape(sum) {
			return nil, fmt.Errorf("gradient descent: gradient for %s has shape %v, want %v",
				eventID, grad.Shape, sum.Shape)
		}
		for i := range sum.Data {
			sum.Data[i] += grad.Data[i]
		}
	}
	scale := 1.0 / float64(len(events))
	for i := range sum.Data {
		sum.Data[i] *= scale
	}
	return sum, nil
}
