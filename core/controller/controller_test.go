package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inversion-orchestrator/config"
	"inversion-orchestrator/core/models"
	"inversion-orchestrator/storage"
)

// memIterations is an in-memory IterationStore
type memIterations struct {
	mu         sync.Mutex
	iterations map[string]*models.Iteration
}

func newMemIterations() *memIterations {
	return &memIterations{iterations: make(map[string]*models.Iteration)}
}

func (m *memIterations) Create(_ context.Context, it *models.Iteration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.iterations[it.Name]; ok {
		return fmt.Errorf("iteration %s exists", it.Name)
	}
	copied := *it
	m.iterations[it.Name] = &copied
	return nil
}

func (m *memIterations) Get(_ context.Context, name string) (*models.Iteration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.iterations[name]
	if !ok {
		return nil, fmt.Errorf("iteration %s not found", name)
	}
	copied := *it
	return &copied, nil
}

func (m *memIterations) Has(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.iterations[name]
	return ok, nil
}

func (m *memIterations) SetTask(_ context.Context, name string, task models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.iterations[name]
	if !ok {
		return fmt.Errorf("iteration %s not found", name)
	}
	it.Task = task
	return nil
}

func (m *memIterations) SetControlGroup(_ context.Context, name string, controlGroup []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.iterations[name]
	if !ok {
		return fmt.Errorf("iteration %s not found", name)
	}
	it.ControlGroup = controlGroup
	return nil
}

// memMisfits is an in-memory MisfitStore
type memMisfits struct {
	mu      sync.Mutex
	records map[string]float64 // iteration|event|validation
}

func newMemMisfits() *memMisfits {
	return &memMisfits{records: make(map[string]float64)}
}

func misfitKey(iteration, eventID string, validation bool) string {
	return fmt.Sprintf("%s|%s|%t", iteration, eventID, validation)
}

func (m *memMisfits) Record(_ context.Context, iteration, eventID string, misfit float64, validation bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[misfitKey(iteration, eventID, validation)] = misfit
	return nil
}

func (m *memMisfits) Total(_ context.Context, iteration string, validation bool) (float64, error) {
	per, err := m.PerEvent(context.Background(), iteration, validation)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, v := range per {
		total += v
	}
	return total, nil
}

func (m *memMisfits) PerEvent(_ context.Context, iteration string, validation bool) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	per := make(map[string]float64)
	prefix := iteration + "|"
	suffix := fmt.Sprintf("|%t", validation)
	for key, v := range m.records {
		if len(key) > len(prefix)+len(suffix) && key[:len(prefix)] == prefix && key[len(key)-len(suffix):] == suffix {
			per[key[len(prefix):len(key)-len(suffix)]] = v
		}
	}
	return per, nil
}

// memCatalog serves a fixed event list
type memCatalog struct {
	events []models.Event
}

func (m *memCatalog) ListEvents(_ context.Context) ([]models.Event, error) {
	return append([]models.Event{}, m.events...), nil
}

// fakeDispatcher records dispatch calls and fabricates gradient artifacts on
// adjoint retrieval so the optimizer has something to read.
type fakeDispatcher struct {
	mu    sync.Mutex
	store *storage.Store
	calls []string
}

func (d *fakeDispatcher) record(op, iteration string, kind models.JobKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, fmt.Sprintf("%s %s %s", op, iteration, kind))
}

func (d *fakeDispatcher) Dispatch(_ context.Context, iteration string, events []models.Event, kind models.JobKind) error {
	d.record("dispatch", iteration, kind)
	return nil
}

func (d *fakeDispatcher) Retrieve(_ context.Context, iteration string, events []models.Event, kind models.JobKind) (map[string]models.JobStatus, error) {
	d.record("retrieve", iteration, kind)
	outcomes := make(map[string]models.JobStatus, len(events))
	for _, ev := range events {
		outcomes[ev.ID] = models.StatusRetrieved
	}
	if kind == models.KindAdjoint {
		var n int
		if _, err := fmt.Sscanf(iteration, "model_%05d", &n); err != nil {
			return nil, err
		}
		for _, ev := range events {
			tensor := storage.NewTensor(allParameters, [3]int{2, 4, 3})
			for i := range tensor.Data {
				tensor.Data[i] = 1.0
			}
			if err := d.store.WriteNew(d.store.GradientPath(n, ev.ID), tensor); err != nil {
				return nil, err
			}
		}
	}
	return outcomes, nil
}

func (d *fakeDispatcher) AssertAllDispatched(_ context.Context, iteration string, _ []models.Event, kind models.JobKind) error {
	d.record("assert-dispatched", iteration, kind)
	return nil
}

func (d *fakeDispatcher) AssertAllRetrieved(_ context.Context, iteration string, _ []models.Event, kind models.JobKind) error {
	d.record("assert-retrieved", iteration, kind)
	return nil
}

// fixedQuantifier derives a stable misfit from the event ID
type fixedQuantifier struct{}

func (fixedQuantifier) Quantify(_ context.Context, _ string, event models.Event) (float64, error) {
	var n int
	fmt.Sscanf(event.ID, "event_%04d", &n)
	return float64(n + 1), nil
}

func testCatalog(n int) []models.Event {
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, models.Event{
			ID:        fmt.Sprintf("event_%04d", i),
			Latitude:  float64(i*13%140) - 70,
			Longitude: float64(i*37%340) - 170,
			DepthKm:   15,
		})
	}
	return events
}

func TestControllerRunsOneIteration(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "INVERSION"))
	require.NoError(t, err)

	// The initial model lives outside the store and is imported on startup.
	initial := storage.NewTensor(allParameters, [3]int{2, 4, 3})
	for i := range initial.Data {
		initial.Data[i] = 100.0
	}
	initialPath := filepath.Join(dir, "initial.h5")
	require.NoError(t, store.WriteNew(initialPath, initial))

	cfg := config.Default()
	cfg.InitialModel = initialPath
	cfg.MaxIterations = 1
	cfg.BatchSize = 4
	cfg.ControlGroupSize = 2
	cfg.ValidationEvents = []string{"event_0000"}

	iterations := newMemIterations()
	misfits := newMemMisfits()
	catalog := &memCatalog{events: testCatalog(8)}
	dispatcher := &fakeDispatcher{store: store}
	progress := &FileProgressStore{Path: filepath.Join(store.TaskDir(), "progress.toml")}
	optimizer := NewGradientDescent(store, cfg.Parameters, cfg.StepLength, zerolog.Nop())

	ctrl := New(cfg, store, iterations, misfits, catalog, dispatcher,
		fixedQuantifier{}, progress, optimizer, nil, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, ctrl.Run(ctx))

	// One full iteration produced the next model artifact.
	assert.Equal(t, 1, store.IterationNumber())
	next, err := store.ReadParameters(store.ModelPath(1), cfg.Parameters)
	require.NoError(t, err)
	// m - step * mean(gradient of ones)
	assert.InDelta(t, 100.0-cfg.StepLength, next.At(0, 0, 0), 1e-12)

	// The progress record points at the next iteration.
	saved, err := progress.Load()
	require.NoError(t, err)
	assert.Equal(t, IterationName(1), saved.Iteration)
	assert.Equal(t, 1, saved.Number)
	assert.Equal(t, models.TaskPrepareIteration, saved.Task)

	// The iteration record froze the batch and carries a control group of the
	// configured size.
	it, err := iterations.Get(ctx, IterationName(0))
	require.NoError(t, err)
	assert.Len(t, it.Events, cfg.BatchSize)
	assert.Len(t, it.ControlGroup, cfg.ControlGroupSize)

	// Batch misfits and the validation misfit were both recorded.
	per, err := misfits.PerEvent(ctx, IterationName(0), false)
	require.NoError(t, err)
	assert.Len(t, per, cfg.BatchSize)
	validation, err := misfits.PerEvent(ctx, IterationName(0), true)
	require.NoError(t, err)
	assert.Len(t, validation, 1)

	// Validation forward runs went out under their own namespace, with a
	// flagged iteration record of their own.
	assert.Contains(t, dispatcher.calls, "dispatch validation_model_00000 forward")
	valIt, err := iterations.Get(ctx, "validation_model_00000")
	require.NoError(t, err)
	assert.True(t, valIt.Validation)
	assert.Equal(t, []string{"event_0000"}, valIt.Events)
	assert.Equal(t, 0, valIt.Number)

	// The iteration summary was written.
	_, err = os.Stat(store.DocumentationPath(IterationName(0)))
	assert.NoError(t, err)
}

func TestControllerResumesFromPersistedTask(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "INVERSION"))
	require.NoError(t, err)
	seedModel(t, store, 0, 100.0)

	cfg := config.Default()
	cfg.InitialModel = "unused.h5"
	cfg.MaxIterations = 1
	cfg.BatchSize = 4
	cfg.ControlGroupSize = 1

	iterations := newMemIterations()
	require.NoError(t, iterations.Create(context.Background(), &models.Iteration{
		Name:   IterationName(0),
		Number: 0,
		Events: []string{"event_0000", "event_0001", "event_0002", "event_0003"},
	}))

	misfits := newMemMisfits()
	catalog := &memCatalog{events: testCatalog(8)}
	dispatcher := &fakeDispatcher{store: store}
	progress := &FileProgressStore{Path: filepath.Join(store.TaskDir(), "progress.toml")}
	optimizer := NewGradientDescent(store, cfg.Parameters, cfg.StepLength, zerolog.Nop())

	// Pretend a previous process stopped right before the gradient stage.
	require.NoError(t, progress.Save(&Progress{
		Iteration: IterationName(0),
		Number:    0,
		Task:      models.TaskComputeGradient,
	}))

	ctrl := New(cfg, store, iterations, misfits, catalog, dispatcher,
		fixedQuantifier{}, progress, optimizer, nil, zerolog.Nop())
	require.NoError(t, ctrl.Run(context.Background()))

	// The earlier stages were not repeated: no forward dispatch, no batch
	// misfit quantification.
	for _, call := range dispatcher.calls {
		assert.NotEqual(t, "dispatch model_00000 forward", call)
	}
	per, err := misfits.PerEvent(context.Background(), IterationName(0), false)
	require.NoError(t, err)
	assert.Empty(t, per)

	assert.Equal(t, 1, store.IterationNumber())
}

func TestControllerReusesPreparedIteration(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "INVERSION"))
	require.NoError(t, err)
	seedModel(t, store, 0, 1.0)

	cfg := config.Default()
	cfg.InitialModel = "unused.h5"
	cfg.MaxIterations = 1
	cfg.BatchSize = 2
	cfg.ControlGroupSize = 1

	iterations := newMemIterations()
	frozen := []string{"event_0005", "event_0006"}
	require.NoError(t, iterations.Create(context.Background(), &models.Iteration{
		Name:   IterationName(0),
		Number: 0,
		Events: frozen,
	}))

	dispatcher := &fakeDispatcher{store: store}
	progress := &FileProgressStore{Path: filepath.Join(store.TaskDir(), "progress.toml")}
	optimizer := NewGradientDescent(store, cfg.Parameters, cfg.StepLength, zerolog.Nop())
	ctrl := New(cfg, store, iterations, newMemMisfits(), &memCatalog{events: testCatalog(8)},
		dispatcher, fixedQuantifier{}, progress, optimizer, nil, zerolog.Nop())

	require.NoError(t, ctrl.Run(context.Background()))

	// The frozen event set survived instead of being re-selected.
	it, err := iterations.Get(context.Background(), IterationName(0))
	require.NoError(t, err)
	assert.Equal(t, frozen, it.Events)
}

func TestControllerExplicitPrepareRejectsDuplicate(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStore(filepath.Join(dir, "INVERSION"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.InitialModel = "unused.h5"
	iterations := newMemIterations()
	ctrl := New(cfg, store, iterations, newMemMisfits(), &memCatalog{events: testCatalog(4)},
		&fakeDispatcher{store: store}, fixedQuantifier{},
		&FileProgressStore{Path: filepath.Join(store.TaskDir(), "progress.toml")},
		NewGradientDescent(store, cfg.Parameters, cfg.StepLength, zerolog.Nop()),
		nil, zerolog.Nop())

	ctx := context.Background()
	require.NoError(t, ctrl.PrepareIteration(ctx, IterationName(0), 0, []string{"event_0001", "event_0000"}))

	// Event IDs are stored in canonical order.
	it, err := iterations.Get(ctx, IterationName(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"event_0000", "event_0001"}, it.Events)

	assert.Error(t, ctrl.PrepareIteration(ctx, IterationName(0), 0, []string{"event_0002"}))
}
