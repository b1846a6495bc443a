package remote

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"inversion-orchestrator/core/models"
)

// WorkerInput is the single input document the job worker is invoked with.
// Kind selects what the worker does with it: mesh preparation, the forward
// simulation or the adjoint run. Adjoint runs reuse the stored
// standard-gradient mesh instead of building an event mesh.
type WorkerInput struct {
	Kind           string         `toml:"kind"`
	MeshInfo       MeshInfo       `toml:"mesh_info"`
	SourceInfo     SourceInfo     `toml:"source_info"`
	ReceiverInfo   []ReceiverInfo `toml:"receiver_info"`
	SimulationInfo SimulationInfo `toml:"simulation_info"`
	Tools          ToolsInfo      `toml:"tools"`
}

// MeshInfo locates meshes on the remote filesystem
type MeshInfo struct {
	EventName          string   `toml:"event_name"`
	MeshFolder         string   `toml:"mesh_folder"`
	LongTermMeshFolder string   `toml:"long_term_mesh_folder"`
	MinPeriod          float64  `toml:"min_period"`
	ElemsPerQuarter    int      `toml:"elems_per_quarter"`
	Parameters         []string `toml:"parameters"`
}

// SourceInfo describes the seismic source of the event
type SourceInfo struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
	DepthInM  float64 `toml:"depth_in_m"`
	Mrr       float64 `toml:"mrr"`
	Mtt       float64 `toml:"mtt"`
	Mpp       float64 `toml:"mpp"`
	Mtp       float64 `toml:"mtp"`
	Mrp       float64 `toml:"mrp"`
	Mrt       float64 `toml:"mrt"`
	SideSet   string  `toml:"side_set"`
	STF       string  `toml:"stf"`
}

// ReceiverInfo describes one receiver station
type ReceiverInfo struct {
	Latitude    float64 `toml:"latitude"`
	Longitude   float64 `toml:"longitude"`
	NetworkCode string  `toml:"network_code"`
	StationCode string  `toml:"station_code"`
}

// SimulationInfo carries the wave-equation settings forwarded verbatim into
// the simulation description document
type SimulationInfo struct {
	StartTime               float64  `toml:"start_time"`
	EndTime                 float64  `toml:"end_time"`
	TimeStep                float64  `toml:"time_step"`
	MinimumPeriod           float64  `toml:"minimum_period"`
	Attenuation             bool     `toml:"attenuation"`
	AbsorbingBoundaries     bool     `toml:"absorbing_boundaries"`
	AbsorbingBoundaryLength float64  `toml:"absorbing_boundary_length"`
	SideSets                []string `toml:"side_sets"`
}

// ToolsInfo names the external numerics commands the worker shells out to.
// Mesh generation and field interpolation are external collaborators.
type ToolsInfo struct {
	MesherCmd string `toml:"mesher_cmd"`
	InterpCmd string `toml:"interp_cmd"`
	SolverCmd string `toml:"solver_cmd"`
}

// LoadWorkerInput reads a worker input document from disk.
func LoadWorkerInput(path string) (*WorkerInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("worker input: reading %s: %w", path, err)
	}
	var in WorkerInput
	if err := toml.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("worker input: parsing %s: %w", path, err)
	}
	if !models.ValidKind(models.JobKind(in.Kind)) {
		return nil, fmt.Errorf("worker input: %s has unknown kind %q", path, in.Kind)
	}
	if in.MeshInfo.EventName == "" {
		return nil, fmt.Errorf("worker input: %s has no event name", path)
	}
	return &in, nil
}

// Encode serializes the input document for submission alongside a job.
func (in *WorkerInput) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(in); err != nil {
		return nil, fmt.Errorf("worker input: encoding: %w", err)
	}
	return buf.Bytes(), nil
}
