// The job worker runs on the remote instance. It receives one input
// document, branches on the job kind it names, and leaves its result at
// output/artifact in the job directory: mesh preparation emits the
// simulation description, forward runs emit synthetic seismograms, adjoint
// runs emit the event gradient. A nonzero exit means the job failed.
package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"inversion-orchestrator/core/models"
	"inversion-orchestrator/internal/observability"
	"inversion-orchestrator/remote"
)

func main() {
	logger := observability.InitLogger("worker")

	if len(os.Args) != 2 {
		logger.Fatal().Msg("usage: worker <input.toml>")
	}
	inputPath := os.Args[1]
	jobDir := filepath.Dir(inputPath)

	in, err := remote.LoadWorkerInput(inputPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading input document")
	}

	outputDir := filepath.Join(jobDir, "output")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("creating output directory")
	}

	switch models.JobKind(in.Kind) {
	case models.KindPrepareForward:
		err = prepareForwardMesh(in, jobDir, outputDir)
	case models.KindForward:
		err = runForward(in, jobDir, outputDir)
	case models.KindAdjoint:
		err = runAdjoint(in, jobDir, outputDir)
	default:
		err = fmt.Errorf("unknown job kind %q", in.Kind)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("event", in.MeshInfo.EventName).Str("kind", in.Kind).Msg("job failed")
	}
	logger.Info().Str("event", in.MeshInfo.EventName).Str("kind", in.Kind).Msg("worker finished")
}

// prepareForwardMesh builds or reuses the event mesh, interpolates the
// current model onto it, and writes the simulation description artifact.
func prepareForwardMesh(in *remote.WorkerInput, jobDir, outputDir string) error {
	docPath, err := buildSimulationInput(in, jobDir)
	if err != nil {
		return err
	}
	return copyFile(docPath, filepath.Join(outputDir, "artifact"))
}

// runForward prepares the simulation input the same way mesh preparation
// does, then runs the solver. The synthetic seismograms are the artifact.
func runForward(in *remote.WorkerInput, jobDir, outputDir string) error {
	docPath, err := buildSimulationInput(in, jobDir)
	if err != nil {
		return err
	}

	synthetics := filepath.Join(outputDir, "receivers.h5")
	if err := runTool(in.Tools.SolverCmd, "--doc", docPath, "--output", synthetics); err != nil {
		return fmt.Errorf("running forward simulation: %w", err)
	}
	return copyFile(synthetics, filepath.Join(outputDir, "artifact"))
}

// runAdjoint runs the adjoint simulation and interpolates the raw event
// gradient onto the shared standard-gradient mesh. The interpolated mesh
// itself is the artifact.
func runAdjoint(in *remote.WorkerInput, jobDir, outputDir string) error {
	standard := filepath.Join(in.MeshInfo.LongTermMeshFolder, "standard_gradient", "mesh.h5")
	if _, err := os.Stat(standard); err != nil {
		return fmt.Errorf("standard gradient mesh %s: %w", standard, err)
	}

	raw := filepath.Join(jobDir, "raw_gradient.h5")
	err := runTool(in.Tools.SolverCmd,
		"--adjoint",
		"--event", in.MeshInfo.EventName,
		"--output", raw,
	)
	if err != nil {
		return fmt.Errorf("running adjoint simulation: %w", err)
	}

	interpolated := filepath.Join(outputDir, "mesh.h5")
	if err := runTool(in.Tools.InterpCmd, "--gradient", "--field", raw, "--mesh", standard, "--output", interpolated); err != nil {
		return fmt.Errorf("interpolating gradient: %w", err)
	}
	return copyFile(interpolated, filepath.Join(outputDir, "artifact"))
}

// buildSimulationInput resolves the event mesh, interpolates the current
// model onto it and writes the simulation description into the job
// directory, returning its path.
func buildSimulationInput(in *remote.WorkerInput, jobDir string) (string, error) {
	meshPath, err := eventMesh(in, jobDir)
	if err != nil {
		return "", err
	}

	interpolated := filepath.Join(jobDir, "mesh.h5")
	if err := runTool(in.Tools.InterpCmd, "--mesh", meshPath, "--output", interpolated); err != nil {
		return "", fmt.Errorf("interpolating model: %w", err)
	}

	doc := remote.BuildSimulationDoc(in, interpolated)
	docPath := filepath.Join(jobDir, "simulation.yaml")
	if err := remote.WriteSimulationDoc(doc, docPath); err != nil {
		return "", err
	}
	return docPath, nil
}

// eventMesh returns the path of the event mesh, reusing a stored one when
// available and building a fresh one otherwise. Freshly built meshes are
// moved into the mesh folder so later iterations skip the mesher.
func eventMesh(in *remote.WorkerInput, jobDir string) (string, error) {
	stored := filepath.Join(in.MeshInfo.MeshFolder, in.MeshInfo.EventName, "mesh.h5")
	if _, err := os.Stat(stored); err == nil {
		return stored, nil
	}
	longTerm := filepath.Join(in.MeshInfo.LongTermMeshFolder, in.MeshInfo.EventName, "mesh.h5")
	if _, err := os.Stat(longTerm); err == nil {
		return longTerm, nil
	}

	built := filepath.Join(jobDir, "event_mesh.h5")
	err := runTool(in.Tools.MesherCmd,
		"--event", in.MeshInfo.EventName,
		"--min-period", fmt.Sprintf("%g", in.MeshInfo.MinPeriod),
		"--elems-per-quarter", fmt.Sprintf("%d", in.MeshInfo.ElemsPerQuarter),
		"--output", built,
	)
	if err != nil {
		return "", fmt.Errorf("building event mesh: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(stored), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(built, stored); err != nil {
		// The mesh folder may be on another filesystem; fall back to a copy.
		if cerr := copyFile(built, stored); cerr != nil {
			return "", fmt.Errorf("storing event mesh: %w", cerr)
		}
	}
	return stored, nil
}

func runTool(cmd string, args ...string) error {
	if cmd == "" {
		return fmt.Errorf("no tool command configured")
	}
	c := exec.Command(cmd, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
