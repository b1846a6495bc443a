package remote

import (
	"context"
	"fmt"

	"inversion-orchestrator/core/models"
	"inversion-orchestrator/storage"
)

// Planner builds worker input documents and job specs per event, and decides
// where fetched artifacts land in the local artifact store.
type Planner struct {
	store      *storage.Store
	parameters []string
	meshFolder string
	longTerm   string
	minPeriod  float64
	elemsPerQ  int
	sim        SimulationInfo
	tools      ToolsInfo
	ranks      int
	wallHours  float64
}

// PlannerConfig configures a Planner
type PlannerConfig struct {
	Parameters         []string
	MeshFolder         string
	LongTermMeshFolder string
	MinPeriod          float64
	ElemsPerQuarter    int
	Simulation         SimulationInfo
	Tools              ToolsInfo
	Ranks              int
	WallHours          float64
}

// NewPlanner creates a planner bound to the local artifact store.
func NewPlanner(store *storage.Store, cfg PlannerConfig) *Planner {
	if cfg.Ranks <= 0 {
		cfg.Ranks = 1
	}
	return &Planner{
		store:      store,
		parameters: cfg.Parameters,
		meshFolder: cfg.MeshFolder,
		longTerm:   cfg.LongTermMeshFolder,
		minPeriod:  cfg.MinPeriod,
		elemsPerQ:  cfg.ElemsPerQuarter,
		sim:        cfg.Simulation,
		tools:      cfg.Tools,
		ranks:      cfg.Ranks,
		wallHours:  cfg.WallHours,
	}
}

// BuildSpec assembles the remote job description for one event.
func (p *Planner) BuildSpec(ctx context.Context, iteration string, event models.Event, kind models.JobKind) (JobSpec, error) {
	input := &WorkerInput{
		Kind: string(kind),
		MeshInfo: MeshInfo{
			EventName:          event.ID,
			MeshFolder:         p.meshFolder,
			LongTermMeshFolder: p.longTerm,
			MinPeriod:          p.minPeriod,
			ElemsPerQuarter:    p.elemsPerQ,
			Parameters:         p.parameters,
		},
		SourceInfo: SourceInfo{
			Latitude:  event.Latitude,
			Longitude: event.Longitude,
			DepthInM:  event.DepthKm * 1000,
			SideSet:   "r1",
		},
		SimulationInfo: p.sim,
		Tools:          p.tools,
	}
	doc, err := input.Encode()
	if err != nil {
		return JobSpec{}, err
	}
	return JobSpec{
		Name:      JobName(iteration, event.ID, string(kind)),
		Iteration: iteration,
		EventID:   event.ID,
		Kind:      string(kind),
		InputDoc:  doc,
		Ranks:     p.ranks,
		WallHours: p.wallHours,
	}, nil
}

// ArtifactPath maps a finished job to its destination in the artifact store:
// mesh preparation yields the simulation description, forward runs yield
// synthetic seismograms, adjoint runs yield the raw event gradient.
func (p *Planner) ArtifactPath(iteration string, eventID string, kind models.JobKind) string {
	switch kind {
	case models.KindPrepareForward:
		return p.store.SimulationDocPath(iteration, eventID)
	case models.KindForward:
		return p.store.SyntheticsPath(iteration, eventID)
	case models.KindAdjoint:
		return p.store.GradientPath(IterationNumber(iteration), eventID)
	default:
		return p.store.SyntheticsPath(iteration, eventID)
	}
}

// JobName builds the unique remote job name for an (iteration, event, kind).
func JobName(iteration, eventID, kind string) string {
	return fmt.Sprintf("%s__%s__%s", iteration, eventID, kind)
}

// IterationNumber parses the zero-padded suffix of an iteration name like
// "model_00007". Unparsable names map to zero.
func IterationNumber(iteration string) int {
	var n int
	if _, err := fmt.Sscanf(iteration, "model_%05d", &n); err != nil {
		return 0
	}
	return n
}
