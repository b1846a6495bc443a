// Package remote defines the boundary to the remote execution site that runs
// forward/adjoint simulations and mesh-interpolation jobs. The orchestrator
// only ever submits jobs, polls their state and fetches artifacts; it never
// looks inside the simulations themselves.
package remote

import "context"

// JobState is the remote site's view of a job
type JobState string

const (
	StatePending JobState = "pending"
	StateRunning JobState = "running"
	StateDone    JobState = "done"
	StateFailed  JobState = "failed"
)

// JobSpec describes one job to submit to the remote site
type JobSpec struct {
	Name      string // unique per (iteration, event, kind)
	Iteration string
	EventID   string
	Kind      string
	InputDoc  []byte // TOML worker input document
	Ranks     int
	WallHours float64
}

// Site is the remote execution collaborator. Cancellation is never issued
// automatically by the orchestrator; Cancel exists for explicit operator use.
type Site interface {
	Submit(ctx context.Context, spec JobSpec) (string, error)
	Status(ctx context.Context, remoteID string) (JobState, error)
	FetchArtifact(ctx context.Context, remoteID string, dest string) error
	Cancel(ctx context.Context, remoteID string) error
}
