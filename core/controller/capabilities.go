package controller

import (
	"context"

	"inversion-orchestrator/core/models"
)

// Capabilities is the per-optimizer capability set. The controller owns the
// orchestration sequence; an optimizer variant only supplies its directory
// needs, the first progress record and the numeric update rule.
type Capabilities interface {
	Name() string
	// InitDirectories creates any optimizer-specific directories beyond the
	// shared artifact store layout.
	InitDirectories() error
	// IssueFirstTask returns the progress record a fresh inversion starts
	// from.
	IssueFirstTask() *Progress
	// Regularize applies the optimizer's regularization stage, if any.
	Regularize(ctx context.Context, it *models.Iteration) error
	// UpdateModel applies the numeric update rule and writes the next model
	// artifact.
	UpdateModel(ctx context.Context, it *models.Iteration) error
}
