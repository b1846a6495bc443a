package models

import "time"

// SimulationJob represents one remote simulation for an (iteration, event,
// kind) triple. At most one non-terminal job may exist per triple; the
// repository enforces this on insert.
type SimulationJob struct {
	ID          string
	Iteration   string
	EventID     string
	Kind        JobKind
	Status      JobStatus
	RemoteID    string // identifier handed back by the remote site
	SubmittedAt *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobKind represents the kind of simulation a job runs
type JobKind string

const (
	// KindPrepareForward interpolates the current model onto the event mesh.
	// It must reach a terminal state before the forward simulation for the
	// same event may be submitted.
	KindPrepareForward JobKind = "prepare_forward"
	KindForward        JobKind = "forward"
	KindAdjoint        JobKind = "adjoint"
)

// ValidKind reports whether k is a known job kind.
func ValidKind(k JobKind) bool {
	switch k {
	case KindPrepareForward, KindForward, KindAdjoint:
		return true
	}
	return false
}

// JobStatus represents the current status of a simulation job
type JobStatus string

const (
	StatusNotSubmitted JobStatus = "not_submitted"
	StatusSubmitted    JobStatus = "submitted"
	StatusRunning      JobStatus = "running"
	StatusRetrievable  JobStatus = "retrievable"
	StatusRetrieved    JobStatus = "retrieved"
	StatusFailed       JobStatus = "failed"
)

// statusRank orders statuses along the job lifecycle. Transitions may skip
// ranks (a short job can go straight from submitted to retrievable) but may
// never move to an equal or lower rank.
var statusRank = map[JobStatus]int{
	StatusNotSubmitted: 0,
	StatusSubmitted:    1,
	StatusRunning:      2,
	StatusRetrievable:  3,
	StatusRetrieved:    4,
	StatusFailed:       4,
}

// Terminal reports whether s is a terminal status.
func (s JobStatus) Terminal() bool {
	return s == StatusRetrieved || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether a job may move from one status to another.
// Statuses only advance forward; terminal statuses never change. Any
// non-terminal status may fail.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}
