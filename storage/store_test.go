package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

// fullTensor builds a model with four parameters and recognizable values so
// slice mixups show up in assertions.
func fullTensor() *Tensor {
	labels := []string{"VSV", "VSH", "VPV", "VPH"}
	tensor := NewTensor(labels, [3]int{2, 4, 3})
	for i := 0; i < 2; i++ {
		for p := 0; p < 4; p++ {
			for k := 0; k < 3; k++ {
				tensor.Set(i, p, k, float64(i*100+p*10+k))
			}
		}
	}
	return tensor
}

func TestContainerRoundTrip(t *testing.T) {
	store := newTestStore(t)
	path := store.ModelPath(0)
	original := fullTensor()
	require.NoError(t, store.WriteNew(path, original))

	read, err := store.ReadParameters(path, original.Labels)
	require.NoError(t, err)
	assert.Equal(t, original.Labels, read.Labels)
	assert.Equal(t, original.Shape, read.Shape)
	assert.Equal(t, original.Data, read.Data)
}

func TestReadParameterSubset(t *testing.T) {
	store := newTestStore(t)
	path := store.ModelPath(0)
	require.NoError(t, store.WriteNew(path, fullTensor()))

	// Request order differs from storage order.
	sub, err := store.ReadParameters(path, []string{"VPH", "VSV"})
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 2, 3}, sub.Shape)
	assert.Equal(t, 30.0, sub.At(0, 0, 0)) // VPH has storage index 3
	assert.Equal(t, 0.0, sub.At(0, 1, 0))  // VSV has storage index 0
	assert.Equal(t, 132.0, sub.At(1, 0, 2))
}

func TestReadUnknownParameter(t *testing.T) {
	store := newTestStore(t)
	path := store.ModelPath(0)
	require.NoError(t, store.WriteNew(path, fullTensor()))

	_, err := store.ReadParameters(path, []string{"RHO"})
	assert.Error(t, err)
}

func TestWriteParametersPreservesOthers(t *testing.T) {
	store := newTestStore(t)
	path := store.ModelPath(0)
	require.NoError(t, store.WriteNew(path, fullTensor()))

	update := NewTensor([]string{"VSH", "VSV"}, [3]int{2, 2, 3})
	for i := 0; i < 2; i++ {
		for k := 0; k < 3; k++ {
			update.Set(i, 0, k, -1)
			update.Set(i, 1, k, -2)
		}
	}
	require.NoError(t, store.WriteParameters(path, []string{"VSH", "VSV"}, update))

	after, err := store.ReadParameters(path, []string{"VSV", "VSH", "VPV", "VPH"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		for k := 0; k < 3; k++ {
			assert.Equal(t, -2.0, after.At(i, 0, k), "VSV overwritten value")
			assert.Equal(t, -1.0, after.At(i, 1, k), "VSH overwritten value")
			// The untouched slices keep their original values exactly.
			assert.Equal(t, float64(i*100+2*10+k), after.At(i, 2, k), "VPV preserved")
			assert.Equal(t, float64(i*100+3*10+k), after.At(i, 3, k), "VPH preserved")
		}
	}
}

func TestWriteParametersShapeMismatch(t *testing.T) {
	store := newTestStore(t)
	path := store.ModelPath(0)
	require.NoError(t, store.WriteNew(path, fullTensor()))

	wrong := NewTensor([]string{"VSV"}, [3]int{1, 1, 3})
	err := store.WriteParameters(path, []string{"VSV"}, wrong)
	assert.Error(t, err)
}

func TestWriteParametersMissingArtifact(t *testing.T) {
	store := newTestStore(t)
	update := NewTensor([]string{"VSV"}, [3]int{2, 1, 3})
	err := store.WriteParameters(store.ModelPath(7), []string{"VSV"}, update)
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestCopyArtifactMissing(t *testing.T) {
	store := newTestStore(t)
	err := store.CopyArtifact(store.ModelPath(3), store.ModelPath(4))
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestIterationNumbers(t *testing.T) {
	store := newTestStore(t)
	assert.Empty(t, store.FindIterationNumbers())
	assert.Equal(t, 0, store.IterationNumber())

	tensor := fullTensor()
	require.NoError(t, store.WriteNew(store.ModelPath(0), tensor))
	require.NoError(t, store.WriteNew(store.ModelPath(1), tensor))
	require.NoError(t, store.WriteNew(store.ModelPath(4), tensor))

	// A file with an unparsable suffix is ignored.
	junk := filepath.Join(store.ModelDir(), "model_latest.h5")
	require.NoError(t, os.WriteFile(junk, []byte("junk"), 0o644))

	assert.Equal(t, []int{0, 1, 4}, store.FindIterationNumbers())
	assert.Equal(t, 4, store.IterationNumber())
}

func TestReadRejectsForeignFile(t *testing.T) {
	store := newTestStore(t)
	path := store.ModelPath(0)
	require.NoError(t, os.WriteFile(path, []byte("not a container"), 0o644))

	_, err := store.ReadParameters(path, []string{"VSV"})
	assert.Error(t, err)
}
