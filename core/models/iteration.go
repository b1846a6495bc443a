package models

import "time"

// Iteration is one full optimization cycle. The event set is frozen when the
// iteration is created and never mutated afterwards; iteration records are
// append-only history.
type Iteration struct {
	Name         string
	Number       int
	Events       []string // frozen event IDs, sorted
	ControlGroup []string // events carried over into the next iteration
	Validation   bool
	Task         Task // current stage of the task sequence
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Task represents a stage of the per-iteration task sequence
type Task string

const (
	TaskPrepareIteration        Task = "prepare_iteration"
	TaskRunForward              Task = "run_forward"
	TaskComputeMisfit           Task = "compute_misfit"
	TaskComputeValidationMisfit Task = "compute_validation_misfit"
	TaskComputeGradient         Task = "compute_gradient"
	TaskRegularization          Task = "regularization"
	TaskUpdateModel             Task = "update_model"
	TaskDocumentation           Task = "documentation"
)

// TaskSequence is the ordered task list of a single iteration. After the last
// task the controller wraps to TaskPrepareIteration of the next iteration.
var TaskSequence = []Task{
	TaskPrepareIteration,
	TaskRunForward,
	TaskComputeMisfit,
	TaskComputeValidationMisfit,
	TaskComputeGradient,
	TaskRegularization,
	TaskUpdateModel,
	TaskDocumentation,
}

// NextTask returns the task following t. The second return is false when t is
// the last task of the sequence (or unknown), meaning the next iteration
// begins.
func NextTask(t Task) (Task, bool) {
	for i, task := range TaskSequence {
		if task == t && i+1 < len(TaskSequence) {
			return TaskSequence[i+1], true
		}
	}
	return TaskPrepareIteration, false
}

// ValidTask reports whether t is part of the task sequence.
func ValidTask(t Task) bool {
	for _, task := range TaskSequence {
		if task == t {
			return true
		}
	}
	return false
}
