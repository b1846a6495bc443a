// Package storage implements the versioned artifact store for models,
// gradients and updates. Artifacts are keyed by a fixed-width zero-padded
// iteration suffix; the store is the source of truth for inversion progress.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrArtifactNotFound is returned when a read or write targets a missing
// artifact. Writes never create artifacts implicitly.
var ErrArtifactNotFound = errors.New("storage: artifact not found")

const modelPrefix = "model_"

// Store is the on-disk artifact store rooted at an OPTIMIZATION directory
type Store struct {
	root string
}

// NewStore creates the store layout under root if needed.
func NewStore(root string) (*Store, error) {
	s := &Store{root: root}
	for _, dir := range []string{
		s.ModelDir(), s.GradientDir(), s.UpdateDir(),
		s.RegularizationDir(), s.SyntheticsDir(), s.DocumentationDir(), s.TaskDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: creating %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) ModelDir() string          { return filepath.Join(s.root, "MODELS") }
func (s *Store) GradientDir() string       { return filepath.Join(s.root, "RAW_GRADIENTS") }
func (s *Store) UpdateDir() string         { return filepath.Join(s.root, "RAW_UPDATES") }
func (s *Store) RegularizationDir() string { return filepath.Join(s.root, "REGULARIZATION") }
func (s *Store) SyntheticsDir() string     { return filepath.Join(s.root, "SYNTHETICS") }
func (s *Store) DocumentationDir() string  { return filepath.Join(s.root, "DOCUMENTATION") }
func (s *Store) TaskDir() string           { return filepath.Join(s.root, "TASKS") }

// ModelPath returns the model artifact path for iteration n.
func (s *Store) ModelPath(n int) string {
	return filepath.Join(s.ModelDir(), fmt.Sprintf("%s%05d.h5", modelPrefix, n))
}

// GradientPath returns the raw gradient path for iteration n and one event.
func (s *Store) GradientPath(n int, eventID string) string {
	return filepath.Join(s.GradientDir(), fmt.Sprintf("gradient_%05d_%s.h5", n, eventID))
}

// UpdatePath returns the raw model update path for iteration n.
func (s *Store) UpdatePath(n int) string {
	return filepath.Join(s.UpdateDir(), fmt.Sprintf("update_%05d.h5", n))
}

// SyntheticsPath returns where forward-simulation results for an event land.
func (s *Store) SyntheticsPath(iteration, eventID string) string {
	return filepath.Join(s.SyntheticsDir(), iteration, eventID, "receivers.h5")
}

// SimulationDocPath returns where the prepared simulation description for an
// event is stored.
func (s *Store) SimulationDocPath(iteration, eventID string) string {
	return filepath.Join(s.SyntheticsDir(), iteration, eventID, "simulation.yaml")
}

// DocumentationPath returns the iteration summary path.
func (s *Store) DocumentationPath(iteration string) string {
	return filepath.Join(s.DocumentationDir(), iteration+".toml")
}

// FindIterationNumbers parses the zero-padded suffix of every model artifact.
// Files with an unparsable suffix are ignored.
func (s *Store) FindIterationNumbers() []int {
	matches, err := filepath.Glob(filepath.Join(s.ModelDir(), modelPrefix+"*.h5"))
	if err != nil {
		return nil
	}
	var numbers []int
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), ".h5")
		n, err := strconv.Atoi(strings.TrimPrefix(base, modelPrefix))
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// IterationNumber returns the newest iteration number, derived from the model
// artifacts on disk. Zero when no artifact exists.
func (s *Store) IterationNumber() int {
	numbers := s.FindIterationNumbers()
	if len(numbers) == 0 {
		return 0
	}
	return numbers[len(numbers)-1]
}

// ReadParameters reads the named parameter slices of an artifact. The
// returned tensor carries the requested labels in the requested order.
func (s *Store) ReadParameters(path string, params []string) (*Tensor, error) {
	full, err := s.readFull(path)
	if err != nil {
		return nil, err
	}
	indices, err := parameterIndices(full.Labels, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sub := NewTensor(params, [3]int{full.Shape[0], len(params), full.Shape[2]})
	for i := 0; i < full.Shape[0]; i++ {
		for p, idx := range indices {
			for k := 0; k < full.Shape[2]; k++ {
				sub.Set(i, p, k, full.At(i, idx, k))
			}
		}
	}
	return sub, nil
}

// WriteParameters overwrites only the named parameter slices of an existing
// artifact; every other slice is preserved bit-identically. The merged slices
// are applied in ascending storage-index order before persisting.
func (s *Store) WriteParameters(path string, params []string, sub *Tensor) error {
	full, err := s.readFull(path)
	if err != nil {
		return err
	}
	indices, err := parameterIndices(full.Labels, params)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if sub.Shape[0] != full.Shape[0] || sub.Shape[1] != len(params) || sub.Shape[2] != full.Shape[2] {
		return fmt.Errorf("storage: shape %v does not fit artifact %s with shape %v",
			sub.Shape, path, full.Shape)
	}

	// The backing storage requires monotonically ordered index writes, so the
	// (storage index, incoming slice) pairs are sorted before applying.
	type slicePair struct{ storage, sub int }
	pairs := make([]slicePair, len(indices))
	for p, idx := range indices {
		pairs[p] = slicePair{storage: idx, sub: p}
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].storage < pairs[b].storage })

	for _, pair := range pairs {
		for i := 0; i < full.Shape[0]; i++ {
			for k := 0; k < full.Shape[2]; k++ {
				full.Set(i, pair.storage, k, sub.At(i, pair.sub, k))
			}
		}
	}
	return writeContainer(path, full)
}

// WriteNew creates a fresh artifact at path holding the given tensor.
func (s *Store) WriteNew(path string, t *Tensor) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage: creating parent of %s: %w", path, err)
	}
	return writeContainer(path, t)
}

// CopyArtifact duplicates an artifact byte-for-byte.
func (s *Store) CopyArtifact(src, dst string) error {
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, src)
	}
	if err != nil {
		return fmt.Errorf("storage: opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("storage: creating parent of %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("storage: creating %s: %w", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("storage: copying %s: %w", src, err)
	}
	return out.Close()
}

func (s *Store) readFull(path string) (*Tensor, error) {
	t, err := readContainer(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// parameterIndices resolves the storage index of each requested parameter.
// Resolved once per operation; the mapping is constant for a given file.
func parameterIndices(labels, params []string) ([]int, error) {
	byLabel := make(map[string]int, len(labels))
	for i, l := range labels {
		byLabel[l] = i
	}
	indices := make([]int, len(params))
	for p, param := range params {
		idx, ok := byLabel[param]
		if !ok {
			return nil, fmt.Errorf("storage: parameter %q not present (have %v)", param, labels)
		}
		indices[p] = idx
	}
	return indices, nil
}
