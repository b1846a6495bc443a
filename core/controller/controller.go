// Package controller drives the inversion: a state machine over the ordered
// per-iteration task sequence, persisting its cursor after every completed
// stage so a restarted process resumes where it stopped.
package controller

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"inversion-orchestrator/config"
	"inversion-orchestrator/core/models"
	"inversion-orchestrator/core/selector"
	"inversion-orchestrator/storage"
)

// IterationStore is the persisted iteration catalog
type IterationStore interface {
	Create(ctx context.Context, it *models.Iteration) error
	Get(ctx context.Context, name string) (*models.Iteration, error)
	Has(ctx context.Context, name string) (bool, error)
	SetTask(ctx context.Context, name string, task models.Task) error
	SetControlGroup(ctx context.Context, name string, controlGroup []string) error
}

// MisfitStore is the persisted misfit ledger
type MisfitStore interface {
	Record(ctx context.Context, iteration, eventID string, misfit float64, validation bool) error
	Total(ctx context.Context, iteration string, validation bool) (float64, error)
	PerEvent(ctx context.Context, iteration string, validation bool) (map[string]float64, error)
}

// EventCatalog lists the observational events
type EventCatalog interface {
	ListEvents(ctx context.Context) ([]models.Event, error)
}

// Dispatcher is the simulation dispatch coordinator
type Dispatcher interface {
	Dispatch(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) error
	Retrieve(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) (map[string]models.JobStatus, error)
	AssertAllDispatched(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) error
	AssertAllRetrieved(ctx context.Context, iteration string, events []models.Event, kind models.JobKind) error
}

// Quantifier computes the misfit between synthetics and data for one event.
// The numerics are an external collaborator.
type Quantifier interface {
	Quantify(ctx context.Context, iteration string, event models.Event) (float64, error)
}

// CostReporter estimates remote compute cost. Optional; estimates only feed
// the iteration summary.
type CostReporter interface {
	EstimateIteration(ctx context.Context, jobs int, wallHours float64) (float64, error)
}

// Controller sequences the per-iteration task state machine
type Controller struct {
	cfg        *config.Config
	store      *storage.Store
	iterations IterationStore
	misfits    MisfitStore
	catalog    EventCatalog
	dispatcher Dispatcher
	quantifier Quantifier
	progress   ProgressStore
	caps       Capabilities
	costs      CostReporter
	log        zerolog.Logger
}

// New wires a controller. costs may be nil.
func New(
	cfg *config.Config,
	store *storage.Store,
	iterations IterationStore,
	misfits MisfitStore,
	catalog EventCatalog,
	dispatcher Dispatcher,
	quantifier Quantifier,
	progress ProgressStore,
	caps Capabilities,
	costs CostReporter,
	log zerolog.Logger,
) *Controller {
	return &Controller{
		cfg:        cfg,
		store:      store,
		iterations: iterations,
		misfits:    misfits,
		catalog:    catalog,
		dispatcher: dispatcher,
		quantifier: quantifier,
		progress:   progress,
		caps:       caps,
		costs:      costs,
		log:        log.With().Str("component", "controller").Logger(),
	}
}

// IterationName formats the canonical name for an iteration number.
func IterationName(n int) string {
	return fmt.Sprintf("model_%05d", n)
}

// IterationNumber derives the newest iteration number from the artifact
// store, the source of truth for inversion progress.
func (c *Controller) IterationNumber() int {
	return c.store.IterationNumber()
}

// Run drives the inversion until max_iterations is reached or the context is
// cancelled. Any task failure propagates; nothing is retried automatically.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.initialize(ctx); err != nil {
		return err
	}

	progress, err := c.progress.Load()
	if err != nil {
		return err
	}
	if progress == nil {
		progress = c.caps.IssueFirstTask()
		if err := c.progress.Save(progress); err != nil {
			return err
		}
		c.log.Info().Str("optimizer", c.caps.Name()).Msg("issued first task")
	} else {
		c.log.Info().Str("iteration", progress.Iteration).Str("task", string(progress.Task)).
			Msg("resuming from persisted progress")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !c.cfg.Unbounded() && progress.Number >= c.cfg.MaxIterations {
			c.log.Info().Int("max_iterations", c.cfg.MaxIterations).Msg("iteration cap reached")
			return nil
		}

		c.log.Info().Str("iteration", progress.Iteration).Str("task", string(progress.Task)).Msg("running task")
		if err := c.runTask(ctx, progress); err != nil {
			return fmt.Errorf("controller: %s of %s: %w", progress.Task, progress.Iteration, err)
		}

		if next, ok := models.NextTask(progress.Task); ok {
			progress.Task = next
		} else {
			// Iteration finished; the new model artifact determines the next
			// iteration number.
			progress.Number = c.store.IterationNumber()
			progress.Iteration = IterationName(progress.Number)
			progress.Task = models.TaskPrepareIteration
		}
		if err := c.progress.Save(progress); err != nil {
			return err
		}
	}
}

// initialize imports the initial model on a fresh inversion and lets the
// optimizer create its directories.
func (c *Controller) initialize(ctx context.Context) error {
	if err := c.caps.InitDirectories(); err != nil {
		return fmt.Errorf("controller: initializing %s: %w", c.caps.Name(), err)
	}
	if len(c.store.FindIterationNumbers()) > 0 {
		return nil
	}
	c.log.Info().Str("initial_model", c.cfg.InitialModel).Msg("importing initial model")
	if err := c.store.CopyArtifact(c.cfg.InitialModel, c.store.ModelPath(0)); err != nil {
		return fmt.Errorf("controller: importing initial model: %w", err)
	}
	return nil
}

func (c *Controller) runTask(ctx context.Context, progress *Progress) error {
	switch progress.Task {
	case models.TaskPrepareIteration:
		return c.prepareIteration(ctx, progress)
	case models.TaskRunForward:
		return c.runForward(ctx, progress.Iteration)
	case models.TaskComputeMisfit:
		return c.computeMisfit(ctx, progress.Iteration)
	case models.TaskComputeValidationMisfit:
		return c.computeValidationMisfit(ctx, progress)
	case models.TaskComputeGradient:
		return c.computeGradient(ctx, progress.Iteration)
	case models.TaskRegularization:
		return c.regularization(ctx, progress.Iteration)
	case models.TaskUpdateModel:
		return c.updateModel(ctx, progress.Iteration)
	case models.TaskDocumentation:
		return c.documentation(ctx, progress.Iteration)
	default:
		return fmt.Errorf("unknown task %q", progress.Task)
	}
}

// PrepareIteration registers an iteration with an explicit event list. A
// duplicate name fails with ErrIterationExists from the catalog.
func (c *Controller) PrepareIteration(ctx context.Context, name string, number int, eventIDs []string) error {
	sorted := append([]string{}, eventIDs...)
	sort.Strings(sorted)
	return c.iterations.Create(ctx, &models.Iteration{
		Name:   name,
		Number: number,
		Events: sorted,
		Task:   models.TaskPrepareIteration,
	})
}

// prepareIteration freezes the event set for the iteration the run loop is
// on. An iteration that already exists in the catalog means a resumed run, a
// warning rather than an error.
func (c *Controller) prepareIteration(ctx context.Context, progress *Progress) error {
	exists, err := c.iterations.Has(ctx, progress.Iteration)
	if err != nil {
		return err
	}
	if exists {
		c.log.Warn().Str("iteration", progress.Iteration).Msg("iteration already prepared, reusing frozen event set")
		return nil
	}

	batch, err := c.selectBatch(ctx, progress.Number)
	if err != nil {
		return err
	}
	return c.PrepareIteration(ctx, progress.Iteration, progress.Number, models.EventIDs(batch))
}

// selectBatch runs the minibatch selector, carrying the previous iteration's
// control group. The iteration number seeds the generator so re-preparing the
// same iteration yields the same batch.
func (c *Controller) selectBatch(ctx context.Context, number int) ([]models.Event, error) {
	all, err := c.catalog.ListEvents(ctx)
	if err != nil {
		return nil, err
	}

	req := selector.Request{
		Quota:       c.cfg.BatchSize,
		RandomPicks: c.cfg.RandomEventPicks,
		Seed:        int64(number),
		All:         all,
	}
	if number > 0 {
		prev, err := c.iterations.Get(ctx, IterationName(number-1))
		if err != nil {
			return nil, err
		}
		req.ControlGroup = prev.ControlGroup
	}
	return selector.Select(req)
}

func (c *Controller) runForward(ctx context.Context, iteration string) error {
	events, err := c.iterationEvents(ctx, iteration)
	if err != nil {
		return err
	}
	if err := c.dispatcher.Dispatch(ctx, iteration, events, models.KindForward); err != nil {
		return err
	}
	return c.dispatcher.AssertAllDispatched(ctx, iteration, events, models.KindForward)
}

func (c *Controller) computeMisfit(ctx context.Context, iteration string) error {
	events, err := c.iterationEvents(ctx, iteration)
	if err != nil {
		return err
	}
	if _, err := c.dispatcher.Retrieve(ctx, iteration, events, models.KindForward); err != nil {
		return err
	}
	if err := c.dispatcher.AssertAllRetrieved(ctx, iteration, events, models.KindForward); err != nil {
		return err
	}
	for _, event := range events {
		misfit, err := c.quantifier.Quantify(ctx, iteration, event)
		if err != nil {
			return fmt.Errorf("quantifying %s: %w", event.ID, err)
		}
		if err := c.misfits.Record(ctx, iteration, event.ID, misfit, false); err != nil {
			return err
		}
	}
	return nil
}

// computeValidationMisfit runs the fixed validation dataset through the same
// dispatch/retrieve contract. The runs live in their own flagged iteration
// record; the misfits land in the separate validation ledger and never touch
// the optimizer's bookkeeping.
func (c *Controller) computeValidationMisfit(ctx context.Context, progress *Progress) error {
	iteration := progress.Iteration
	if len(c.cfg.ValidationEvents) == 0 {
		c.log.Debug().Msg("no validation dataset configured, skipping")
		return nil
	}
	events, err := c.resolveEvents(ctx, c.cfg.ValidationEvents)
	if err != nil {
		return err
	}
	valIteration := "validation_" + iteration

	exists, err := c.iterations.Has(ctx, valIteration)
	if err != nil {
		return err
	}
	if !exists {
		ids := append([]string{}, c.cfg.ValidationEvents...)
		sort.Strings(ids)
		if err := c.iterations.Create(ctx, &models.Iteration{
			Name:       valIteration,
			Number:     progress.Number,
			Events:     ids,
			Validation: true,
			Task:       models.TaskRunForward,
		}); err != nil {
			return err
		}
	}

	if err := c.dispatcher.Dispatch(ctx, valIteration, events, models.KindForward); err != nil {
		return err
	}
	if err := c.dispatcher.AssertAllDispatched(ctx, valIteration, events, models.KindForward); err != nil {
		return err
	}
	if _, err := c.dispatcher.Retrieve(ctx, valIteration, events, models.KindForward); err != nil {
		return err
	}
	if err := c.dispatcher.AssertAllRetrieved(ctx, valIteration, events, models.KindForward); err != nil {
		return err
	}
	for _, event := range events {
		misfit, err := c.quantifier.Quantify(ctx, valIteration, event)
		if err != nil {
			return fmt.Errorf("quantifying validation %s: %w", event.ID, err)
		}
		if err := c.misfits.Record(ctx, iteration, event.ID, misfit, true); err != nil {
			return err
		}
	}
	total, err := c.misfits.Total(ctx, iteration, true)
	if err != nil {
		return err
	}
	c.log.Info().Str("iteration", iteration).Float64("validation_misfit", total).Msg("validation misfit computed")
	return nil
}

func (c *Controller) computeGradient(ctx context.Context, iteration string) error {
	events, err := c.iterationEvents(ctx, iteration)
	if err != nil {
		return err
	}
	if err := c.dispatcher.Dispatch(ctx, iteration, events, models.KindAdjoint); err != nil {
		return err
	}
	if err := c.dispatcher.AssertAllDispatched(ctx, iteration, events, models.KindAdjoint); err != nil {
		return err
	}
	if _, err := c.dispatcher.Retrieve(ctx, iteration, events, models.KindAdjoint); err != nil {
		return err
	}
	return c.dispatcher.AssertAllRetrieved(ctx, iteration, events, models.KindAdjoint)
}

func (c *Controller) regularization(ctx context.Context, iteration string) error {
	it, err := c.iterations.Get(ctx, iteration)
	if err != nil {
		return err
	}
	if err := c.caps.Regularize(ctx, it); err != nil {
		return err
	}
	return c.iterations.SetTask(ctx, iteration, models.TaskRegularization)
}

func (c *Controller) updateModel(ctx context.Context, iteration string) error {
	it, err := c.iterations.Get(ctx, iteration)
	if err != nil {
		return err
	}
	if err := c.caps.UpdateModel(ctx, it); err != nil {
		return err
	}
	return c.iterations.SetTask(ctx, iteration, models.TaskUpdateModel)
}

// iterationSummary is the documentation artifact written per iteration
type iterationSummary struct {
	Iteration        string             `toml:"iteration"`
	Number           int                `toml:"number"`
	TotalMisfit      float64            `toml:"total_misfit"`
	ValidationMisfit float64            `toml:"validation_misfit"`
	EventMisfits     map[string]float64 `toml:"event_misfits"`
	ControlGroup     []string           `toml:"control_group"`
	EstimatedCostUSD float64            `toml:"estimated_cost_usd"`
}

// documentation writes the iteration summary and carries the control group
// forward: the events with the largest misfits are reused to stabilize the
// next gradient estimate.
func (c *Controller) documentation(ctx context.Context, iteration string) error {
	it, err := c.iterations.Get(ctx, iteration)
	if err != nil {
		return err
	}

	perEvent, err := c.misfits.PerEvent(ctx, iteration, false)
	if err != nil {
		return err
	}
	total, err := c.misfits.Total(ctx, iteration, false)
	if err != nil {
		return err
	}
	validation, err := c.misfits.Total(ctx, iteration, true)
	if err != nil {
		return err
	}

	controlGroup := pickControlGroup(perEvent, c.cfg.ControlGroupSize)
	if err := c.iterations.SetControlGroup(ctx, iteration, controlGroup); err != nil {
		return err
	}

	summary := iterationSummary{
		Iteration:        iteration,
		Number:           it.Number,
		TotalMisfit:      total,
		ValidationMisfit: validation,
		EventMisfits:     perEvent,
		ControlGroup:     controlGroup,
	}
	if c.costs != nil {
		// Forward plus adjoint per event; estimate failures only cost the
		// summary its number, never the run.
		cost, err := c.costs.EstimateIteration(ctx, 2*len(it.Events), c.cfg.Site.WallHours)
		if err != nil {
			c.log.Warn().Err(err).Msg("cost estimate unavailable")
		} else {
			summary.EstimatedCostUSD = cost
		}
	}

	if err := writeSummary(c.store.DocumentationPath(iteration), &summary); err != nil {
		return err
	}
	if err := c.iterations.SetTask(ctx, iteration, models.TaskDocumentation); err != nil {
		return err
	}
	c.log.Info().Str("iteration", iteration).Float64("total_misfit", total).
		Strs("control_group", controlGroup).Msg("iteration documented")
	return nil
}

// pickControlGroup keeps the size highest-misfit events, ties broken toward
// the smaller event ID.
func pickControlGroup(perEvent map[string]float64, size int) []string {
	ids := make([]string, 0, len(perEvent))
	for id := range perEvent {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool {
		if perEvent[ids[a]] != perEvent[ids[b]] {
			return perEvent[ids[a]] > perEvent[ids[b]]
		}
		return ids[a] < ids[b]
	})
	if size > len(ids) {
		size = len(ids)
	}
	if size < 0 {
		size = 0
	}
	return ids[:size]
}

func writeSummary(path string, summary *iterationSummary) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing summary %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(summary); err != nil {
		return fmt.Errorf("encoding summary %s: %w", path, err)
	}
	return nil
}

// iterationEvents resolves the iteration's frozen event IDs against the
// catalog.
func (c *Controller) iterationEvents(ctx context.Context, iteration string) ([]models.Event, error) {
	it, err := c.iterations.Get(ctx, iteration)
	if err != nil {
		return nil, err
	}
	return c.resolveEvents(ctx, it.Events)
}

func (c *Controller) resolveEvents(ctx context.Context, ids []string) ([]models.Event, error) {
	all, err := c.catalog.ListEvents(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.Event, len(all))
	for _, ev := range all {
		byID[ev.ID] = ev
	}
	events := make([]models.Event, 0, len(ids))
	for _, id := range ids {
		ev, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("event %q not in catalog", id)
		}
		events = append(events, ev)
	}
	return events, nil
}
