package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScaffoldsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inversion.toml")

	_, err := Load(path)
	var scaffolded *ScaffoldedError
	require.ErrorAs(t, err, &scaffolded)
	assert.Equal(t, path, scaffolded.Path)

	// The scaffolded file exists and parses, but still lacks an initial
	// model, so the next load reports that instead.
	_, err = Load(path)
	assert.ErrorIs(t, err, ErrMissingInitialModel)
}

func TestLoadCompleteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inversion.toml")
	content := `
step_length = 0.002
parameters = ["VSV", "VSH"]
initial_model = "/data/initial.h5"
max_iterations = 10
batch_size = 6
control_group_size = 2
mesh_mode = "mono-mesh"
poll_interval = "45s"
poll_timeout = "2h"

[site]
region = "eu-central-1"
instance_type = "c5.9xlarge"
wall_hours = 2.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.002, cfg.StepLength)
	assert.Equal(t, []string{"VSV", "VSH"}, cfg.Parameters)
	assert.Equal(t, "/data/initial.h5", cfg.InitialModel)
	assert.Equal(t, 6, cfg.BatchSize)
	assert.Equal(t, "mono-mesh", cfg.MeshMode)
	assert.Equal(t, 45*time.Second, cfg.PollInterval.Duration)
	assert.Equal(t, 2*time.Hour, cfg.PollTimeout.Duration)
	assert.Equal(t, "eu-central-1", cfg.Site.Region)
	assert.Equal(t, 2.5, cfg.Site.WallHours)
	assert.False(t, cfg.Unbounded())

	// Fields absent from the file keep their defaults.
	assert.Equal(t, "misfit-quant", cfg.MisfitCmd)
	assert.Equal(t, 8, cfg.MaxInFlight)
	assert.Equal(t, "event-mesher", cfg.Tools.MesherCmd)
	assert.Equal(t, "wave-solver", cfg.Tools.SolverCmd)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative step length", `initial_model = "m.h5"` + "\n" + `step_length = -1.0`},
		{"zero batch size", `initial_model = "m.h5"` + "\n" + `batch_size = -3`},
		{"unknown mesh mode", `initial_model = "m.h5"` + "\n" + `mesh_mode = "half-mesh"`},
		{"bad duration", `initial_model = "m.h5"` + "\n" + `poll_interval = "soon"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "inversion.toml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
			var scaffolded *ScaffoldedError
			assert.False(t, errors.As(err, &scaffolded))
		})
	}
}

func TestUnbounded(t *testing.T) {
	cfg := Default()
	cfg.MaxIterations = 0
	assert.True(t, cfg.Unbounded())
	cfg.MaxIterations = 5
	assert.False(t, cfg.Unbounded())
}

func TestLoadEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.toml")
	content := `
[[events]]
id = "event_0001"
latitude = 35.2
longitude = -118.5
depth_km = 12.0

[[events]]
id = "event_0002"
latitude = -10.0
longitude = 45.0
depth_km = 30.0
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, err := LoadEvents(path)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "event_0001", events[0].ID)
	assert.Equal(t, 35.2, events[0].Latitude)
	assert.Equal(t, 30.0, events[1].DepthKm)
}

func TestLoadEventsRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.toml")
	content := `
[[events]]
id = "event_0001"

[[events]]
id = "event_0001"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	_, err := LoadEvents(path)
	assert.Error(t, err)
}

func TestLoadEventsEmptyCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.toml")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))
	_, err := LoadEvents(path)
	assert.Error(t, err)
}
