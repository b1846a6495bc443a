package remote

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SimulationDoc is the simulation description the worker emits after a
// successful mesh preparation and feeds to the solver on forward runs. It is
// downloaded and verified locally before the forward job goes out, bypassing
// slow receiver placement on the head node.
type SimulationDoc struct {
	Simulation SimulationDocBody `yaml:"simulation"`
}

// SimulationDocBody is the body of the simulation description
type SimulationDocBody struct {
	Mesh      string                 `yaml:"mesh"`
	Source    SimulationDocSource    `yaml:"source"`
	Receivers []SimulationDocStation `yaml:"receivers"`
	Physics   SimulationDocPhysics   `yaml:"physics"`
	Output    SimulationDocOutput    `yaml:"output"`
}

// SimulationDocSource is the moment-tensor point source
type SimulationDocSource struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	DepthInM  float64 `yaml:"depth_in_m"`
	Mrr       float64 `yaml:"mrr"`
	Mtt       float64 `yaml:"mtt"`
	Mpp       float64 `yaml:"mpp"`
	Mtp       float64 `yaml:"mtp"`
	Mrp       float64 `yaml:"mrp"`
	Mrt       float64 `yaml:"mrt"`
	SideSet   string  `yaml:"side_set"`
	STF       string  `yaml:"stf"`
}

// SimulationDocStation is one receiver entry
type SimulationDocStation struct {
	Latitude    float64 `yaml:"latitude"`
	Longitude   float64 `yaml:"longitude"`
	NetworkCode string  `yaml:"network_code"`
	StationCode string  `yaml:"station_code"`
	SideSet     string  `yaml:"side_set"`
}

// SimulationDocPhysics carries the wave-equation settings
type SimulationDocPhysics struct {
	StartTime           float64  `yaml:"start_time"`
	EndTime             float64  `yaml:"end_time"`
	TimeStep            float64  `yaml:"time_step"`
	Attenuation         bool     `yaml:"attenuation"`
	AbsorbingBoundaries []string `yaml:"absorbing_boundaries,omitempty"`
	TaperAmplitude      float64  `yaml:"taper_amplitude,omitempty"`
}

// SimulationDocOutput describes the volume output needed for the adjoint run
type SimulationDocOutput struct {
	Format           string `yaml:"format"`
	Filename         string `yaml:"filename"`
	CheckpointFields bool   `yaml:"checkpoint_fields"`
}

// BuildSimulationDoc assembles a simulation description from the worker input
// and the path of the interpolated mesh.
func BuildSimulationDoc(in *WorkerInput, meshPath string) *SimulationDoc {
	doc := &SimulationDoc{
		Simulation: SimulationDocBody{
			Mesh: meshPath,
			Source: SimulationDocSource{
				Latitude:  in.SourceInfo.Latitude,
				Longitude: in.SourceInfo.Longitude,
				DepthInM:  in.SourceInfo.DepthInM,
				Mrr:       in.SourceInfo.Mrr,
				Mtt:       in.SourceInfo.Mtt,
				Mpp:       in.SourceInfo.Mpp,
				Mtp:       in.SourceInfo.Mtp,
				Mrp:       in.SourceInfo.Mrp,
				Mrt:       in.SourceInfo.Mrt,
				SideSet:   in.SourceInfo.SideSet,
				STF:       in.SourceInfo.STF,
			},
			Physics: SimulationDocPhysics{
				StartTime:   in.SimulationInfo.StartTime,
				EndTime:     in.SimulationInfo.EndTime,
				TimeStep:    in.SimulationInfo.TimeStep,
				Attenuation: in.SimulationInfo.Attenuation,
			},
			Output: SimulationDocOutput{
				Format:           "hdf5",
				Filename:         "output.h5",
				CheckpointFields: true,
			},
		},
	}
	if in.SimulationInfo.AbsorbingBoundaries {
		doc.Simulation.Physics.AbsorbingBoundaries = in.SimulationInfo.SideSets
		doc.Simulation.Physics.TaperAmplitude = 1.0 / in.SimulationInfo.MinimumPeriod
	}
	for _, rec := range in.ReceiverInfo {
		doc.Simulation.Receivers = append(doc.Simulation.Receivers, SimulationDocStation{
			Latitude:    rec.Latitude,
			Longitude:   rec.Longitude,
			NetworkCode: rec.NetworkCode,
			StationCode: rec.StationCode,
			SideSet:     "r1",
		})
	}
	return doc
}

// WriteSimulationDoc writes the document to path as YAML.
func WriteSimulationDoc(doc *SimulationDoc, path string) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("simulation doc: encoding: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("simulation doc: writing %s: %w", path, err)
	}
	return nil
}

// ParseSimulationDoc parses a simulation description document.
func ParseSimulationDoc(data []byte) (*SimulationDoc, error) {
	var doc SimulationDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("simulation doc: parsing: %w", err)
	}
	if doc.Simulation.Mesh == "" {
		return nil, fmt.Errorf("simulation doc: missing mesh path")
	}
	return &doc, nil
}
