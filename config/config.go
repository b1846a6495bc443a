package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrMissingInitialModel is returned when the config file exists but no
// initial model has been provided yet. The operator must fill it in before
// the inversion can start.
var ErrMissingInitialModel = errors.New("config: initial_model is not set")

// ScaffoldedError is returned on first run, after a default config file has
// been written. The embedding program decides whether to exit.
type ScaffoldedError struct {
	Path string
}

func (e *ScaffoldedError) Error() string {
	return fmt.Sprintf("config: wrote default config to %s, set initial_model and restart", e.Path)
}

// Config holds the full orchestrator configuration
type Config struct {
	StepLength    float64  `toml:"step_length"`
	Parameters    []string `toml:"parameters"`
	InitialModel  string   `toml:"initial_model"`
	MaxIterations int      `toml:"max_iterations"` // 0 means unbounded

	BatchSize        int      `toml:"batch_size"`
	ControlGroupSize int      `toml:"control_group_size"`
	RandomEventPicks int      `toml:"random_event_picks"`
	ValidationEvents []string `toml:"validation_events"`
	MeshMode         string   `toml:"mesh_mode"` // "multi-mesh" or "mono-mesh"
	MisfitCmd        string   `toml:"misfit_cmd"`

	PollInterval duration `toml:"poll_interval"`
	PollTimeout  duration `toml:"poll_timeout"`
	MaxInFlight  int      `toml:"max_in_flight"`

	StoreRoot  string `toml:"store_root"`
	EventsFile string `toml:"events_file"`
	Ranks      int    `toml:"ranks"`

	DatabaseURL string `toml:"database_url"`
	APIAddr     string `toml:"api_addr"`

	Site       SiteConfig       `toml:"site"`
	Mesh       MeshConfig       `toml:"mesh"`
	Simulation SimulationConfig `toml:"simulation"`
	Tools      ToolsConfig      `toml:"tools"`
}

// ToolsConfig names the numerics commands the remote worker shells out to,
// as they are installed on the worker image.
type ToolsConfig struct {
	MesherCmd string `toml:"mesher_cmd"`
	InterpCmd string `toml:"interp_cmd"`
	SolverCmd string `toml:"solver_cmd"`
}

// MeshConfig describes mesh generation and reuse
type MeshConfig struct {
	Folder          string  `toml:"folder"`
	LongTermFolder  string  `toml:"long_term_folder"`
	MinPeriod       float64 `toml:"min_period"`
	ElemsPerQuarter int     `toml:"elems_per_quarter"`
}

// SimulationConfig holds the physics settings forwarded to every simulation
type SimulationConfig struct {
	StartTime               float64  `toml:"start_time"`
	EndTime                 float64  `toml:"end_time"`
	TimeStep                float64  `toml:"time_step"`
	Attenuation             bool     `toml:"attenuation"`
	AbsorbingBoundaries     bool     `toml:"absorbing_boundaries"`
	AbsorbingBoundaryLength float64  `toml:"absorbing_boundary_length"`
	SideSets                []string `toml:"side_sets"`
}

// SiteConfig describes the remote execution site
type SiteConfig struct {
	Region       string  `toml:"region"`
	InstanceType string  `toml:"instance_type"`
	AMI          string  `toml:"ami"`
	WorkerPath   string  `toml:"worker_path"`
	ArtifactRoot string  `toml:"artifact_root"`
	WallHours    float64 `toml:"wall_hours"`
}

// duration wraps time.Duration for TOML string values like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the config written on first-run scaffolding.
func Default() *Config {
	return &Config{
		StepLength:       0.001,
		Parameters:       []string{"VSV", "VSH", "VPV", "VPH"},
		InitialModel:     "",
		MaxIterations:    1000,
		BatchSize:        4,
		ControlGroupSize: 1,
		RandomEventPicks: 1,
		MeshMode:         "multi-mesh",
		MisfitCmd:        "misfit-quant",
		PollInterval:     duration{30 * time.Second},
		PollTimeout:      duration{12 * time.Hour},
		MaxInFlight:      8,
		StoreRoot:        "INVERSION",
		EventsFile:       "events.toml",
		Ranks:            8,
		DatabaseURL:      "postgres://localhost/inversion?sslmode=disable",
		APIAddr:          ":8080",
		Site: SiteConfig{
			Region:       "us-east-1",
			InstanceType: "c5.18xlarge",
			WallHours:    1.0,
		},
		Mesh: MeshConfig{
			Folder:          "MESHES",
			LongTermFolder:  "LONG_TERM_MESHES",
			MinPeriod:       50.0,
			ElemsPerQuarter: 4,
		},
		Simulation: SimulationConfig{
			StartTime:               -10.0,
			EndTime:                 600.0,
			TimeStep:                0.1,
			Attenuation:             true,
			AbsorbingBoundaries:     true,
			AbsorbingBoundaryLength: 100.0,
			SideSets:                []string{"r0", "t0", "t1", "p0", "p1"},
		},
		Tools: ToolsConfig{
			MesherCmd: "event-mesher",
			InterpCmd: "model-interp",
			SolverCmd: "wave-solver",
		},
	}
}

// Load reads the config file at path. A missing file triggers first-run
// scaffolding: defaults are written and a *ScaffoldedError is returned. An
// empty initial_model returns ErrMissingInitialModel.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if werr := writeDefault(path); werr != nil {
			return nil, fmt.Errorf("config: scaffolding %s: %w", path, werr)
		}
		return nil, &ScaffoldedError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InitialModel == "" {
		return ErrMissingInitialModel
	}
	if c.StepLength <= 0 {
		return fmt.Errorf("config: step_length must be positive, got %g", c.StepLength)
	}
	if len(c.Parameters) == 0 {
		return errors.New("config: parameters must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MeshMode != "multi-mesh" && c.MeshMode != "mono-mesh" {
		return fmt.Errorf("config: unknown mesh_mode %q", c.MeshMode)
	}
	return nil
}

// Unbounded reports whether the inversion has no iteration cap.
func (c *Config) Unbounded() bool {
	return c.MaxIterations <= 0
}

func writeDefault(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(Default())
}
