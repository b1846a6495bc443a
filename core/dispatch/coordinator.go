// Package dispatch coordinates simulation jobs against the remote execution
// site: idempotent submission, blocking poll-based retrieval and the hard
// gating checks the controller relies on between stages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"inversion-orchestrator/core/models"
	"inversion-orchestrator/remote"
)

var (
	// ErrDispatchIncomplete is raised by AssertAllDispatched when a job is
	// missing or was never submitted.
	ErrDispatchIncomplete = errors.New("dispatch: not all jobs dispatched")
	// ErrRetrievalIncomplete is raised by AssertAllRetrieved when a job is
	// missing, non-terminal or failed.
	ErrRetrievalIncomplete = errors.New("dispatch: not all jobs retrieved")
)

// JobStore is the persisted job-status table the coordinator works against
type JobStore interface {
	EnsureJob(ctx context.Context, iteration, eventID string, kind models.JobKind) (*models.SimulationJob, error)
	GetJob(ctx context.Context, iteration, eventID string, kind models.JobKind) (*models.SimulationJob, error)
	MarkSubmitted(ctx context.Context, jobID, remoteID string) error
	UpdateStatus(ctx context.Context, jobID string, to models.JobStatus, reason string) error
}

// JobPlanner builds the remote job description for an event and decides where
// fetched artifacts land locally
type JobPlanner interface {
	BuildSpec(ctx context.Context, iteration string, event models.Event, kind models.JobKind) (remote.JobSpec, error)
	ArtifactPath(iteration string, eventID string, kind models.JobKind) string
}

// Config holds the coordinator settings. Poll policy lives in the Poller.
type Config struct {
	MeshMode    string // "multi-mesh" requires mesh interpolation before forward runs
	MaxInFlight int    // submission concurrency bound
}

// Coordinator submits and retrieves simulation jobs per event
type Coordinator struct {
	jobs    JobStore
	site    remote.Site
	planner JobPlanner
	poller  Poller
	cfg     Config
	log     zerolog.Logger
}

// NewCoordinator creates a dispatch coordinator.
func NewCoordinator(jobs JobStore, site remote.Site, planner JobPlanner, poller Poller, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	return &Coordinator{
		jobs:    jobs,
		site:    site,
		planner: planner,
		poller:  poller,
		cfg:     cfg,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch submits one job per event. An existing non-terminal job for the
// same (iteration, event, kind) is reused rather than resubmitted. Forward
// jobs in multi-mesh mode first run the mesh interpolation dependency to
// completion; a simulation is never submitted before its mesh is ready.
func (c *Coordinator) Dispatch(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) error {
	if kind == models.KindForward && c.cfg.MeshMode == "multi-mesh" {
		if err := c.Dispatch(ctx, iteration, events, models.KindPrepareForward); err != nil {
			return fmt.Errorf("dispatch: preparing meshes for %s: %w", iteration, err)
		}
		if _, err := c.Retrieve(ctx, iteration, events, models.KindPrepareForward); err != nil {
			return fmt.Errorf("dispatch: awaiting meshes for %s: %w", iteration, err)
		}
		if err := c.AssertAllRetrieved(ctx, iteration, events, models.KindPrepareForward); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxInFlight)
	for _, event := range events {
		event := event
		g.Go(func() error {
			return c.dispatchOne(gctx, iteration, event, kind)
		})
	}
	return g.Wait()
}

func (c *Coordinator) dispatchOne(ctx context.Context, iteration string, event models.Event, kind models.JobKind) error {
	job, err := c.jobs.EnsureJob(ctx, iteration, event.ID, kind)
	if err != nil {
		return err
	}
	if job.Status != models.StatusNotSubmitted {
		c.log.Debug().Str("iteration", iteration).Str("event", event.ID).
			Str("kind", string(kind)).Str("status", string(job.Status)).
			Msg("reusing existing job")
		return nil
	}

	spec, err := c.planner.BuildSpec(ctx, iteration, event, kind)
	if err != nil {
		return fmt.Errorf("dispatch: planning %s/%s/%s: %w", iteration, event.ID, kind, err)
	}
	remoteID, err := c.site.Submit(ctx, spec)
	if err != nil {
		return fmt.Errorf("dispatch: submitting %s/%s/%s: %w", iteration, event.ID, kind, err)
	}
	if err := c.jobs.MarkSubmitted(ctx, job.ID, remoteID); err != nil {
		return err
	}
	c.log.Info().Str("iteration", iteration).Str("event", event.ID).
		Str("kind", string(kind)).Str("remote_id", remoteID).Msg("job dispatched")
	return nil
}

// Retrieve blocks until every requested job reaches a terminal state or the
// poll policy expires, fetching artifacts as jobs become retrievable. The
// per-event outcome is returned for both terminal states.
func (c *Coordinator) Retrieve(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) (map[string]models.JobStatus, error) {
	outcomes := make(map[string]models.JobStatus, len(events))

	err := c.poller.Wait(ctx, func(ctx context.Context) (bool, error) {
		pending := 0
		for _, event := range events {
			job, err := c.jobs.GetJob(ctx, iteration, event.ID, kind)
			if err != nil {
				return false, err
			}
			if job == nil {
				return false, fmt.Errorf("dispatch: no job for %s/%s/%s", iteration, event.ID, kind)
			}
			if job.Status.Terminal() {
				outcomes[event.ID] = job.Status
				continue
			}
			status, err := c.pollOne(ctx, job)
			if err != nil {
				return false, err
			}
			if status.Terminal() {
				outcomes[event.ID] = status
			} else {
				pending++
			}
		}
		return pending == 0, nil
	})
	if err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

// pollOne advances one job from the remote state. Failures from the site are
// surfaced, never swallowed.
func (c *Coordinator) pollOne(ctx context.Context, job *models.SimulationJob) (models.JobStatus, error) {
	state, err := c.site.Status(ctx, job.RemoteID)
	if err != nil {
		return job.Status, fmt.Errorf("dispatch: polling %s: %w", job.RemoteID, err)
	}

	switch state {
	case remote.StatePending:
		return job.Status, nil

	case remote.StateRunning:
		if models.CanTransition(job.Status, models.StatusRunning) {
			if err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusRunning, "remote job running"); err != nil {
				return job.Status, err
			}
		}
		return models.StatusRunning, nil

	case remote.StateDone:
		if models.CanTransition(job.Status, models.StatusRetrievable) {
			if err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusRetrievable, "remote job finished"); err != nil {
				return job.Status, err
			}
		}
		dest := c.planner.ArtifactPath(job.Iteration, job.EventID, job.Kind)
		if err := c.site.FetchArtifact(ctx, job.RemoteID, dest); err != nil {
			return models.StatusRetrievable, fmt.Errorf("dispatch: fetching artifact for %s/%s: %w", job.Iteration, job.EventID, err)
		}
		if job.Kind == models.KindPrepareForward {
			// The mesh preparation artifact is the simulation description the
			// forward run depends on; a document that does not parse must
			// fail here, not on the solver.
			if err := c.verifySimulationDoc(dest); err != nil {
				return models.StatusRetrievable, fmt.Errorf("dispatch: %s/%s: %w", job.Iteration, job.EventID, err)
			}
		}
		if err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusRetrieved, "artifact fetched"); err != nil {
			return models.StatusRetrievable, err
		}
		return models.StatusRetrieved, nil

	case remote.StateFailed:
		if err := c.jobs.UpdateStatus(ctx, job.ID, models.StatusFailed, "remote job failed"); err != nil {
			return job.Status, err
		}
		c.log.Error().Str("iteration", job.Iteration).Str("event", job.EventID).
			Str("kind", string(job.Kind)).Msg("remote job failed")
		return models.StatusFailed, nil

	default:
		return job.Status, fmt.Errorf("dispatch: unknown remote state %q for %s", state, job.RemoteID)
	}
}

func (c *Coordinator) verifySimulationDoc(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading simulation doc: %w", err)
	}
	if _, err := remote.ParseSimulationDoc(data); err != nil {
		return err
	}
	return nil
}

// AssertAllDispatched verifies every requested job was submitted. There is no
// automatic retry: a missing submission is fatal to the current run.
func (c *Coordinator) AssertAllDispatched(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) error {
	var missing []string
	for _, event := range events {
		job, err := c.jobs.GetJob(ctx, iteration, event.ID, kind)
		if err != nil {
			return err
		}
		if job == nil || job.Status == models.StatusNotSubmitted {
			missing = append(missing, event.ID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s/%s missing %s", ErrDispatchIncomplete, iteration, kind, strings.Join(missing, ", "))
	}
	return nil
}

// AssertAllRetrieved verifies every requested job ended in Retrieved. Failed
// and non-terminal jobs are both grounds for failure; the error names them.
func (c *Coordinator) AssertAllRetrieved(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) error {
	var pending, failed []string
	for _, event := range events {
		job, err := c.jobs.GetJob(ctx, iteration, event.ID, kind)
		if err != nil {
			return err
		}
		switch {
		case job == nil:
			pending = append(pending, event.ID)
		case job.Status == models.StatusFailed:
			failed = append(failed, event.ID)
		case job.Status != models.StatusRetrieved:
			pending = append(pending, event.ID)
		}
	}
	if len(pending) == 0 && len(failed) == 0 {
		return nil
	}
	var parts []string
	if len(pending) > 0 {
		parts = append(parts, "pending: "+strings.Join(pending, ", "))
	}
	if len(failed) > 0 {
		parts = append(parts, "failed: "+strings.Join(failed, ", "))
	}
	return fmt.Errorf("%w: %s/%s %s", ErrRetrievalIncomplete, iteration, kind, strings.Join(parts, "; "))
}
