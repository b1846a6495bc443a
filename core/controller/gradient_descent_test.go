package controller

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inversion-orchestrator/core/models"
	"inversion-orchestrator/storage"
)

var allParameters = []string{"VSV", "VSH", "VPV", "VPH"}

func seedModel(t *testing.T, store *storage.Store, n int, value float64) {
	t.Helper()
	tensor := storage.NewTensor(allParameters, [3]int{2, 4, 3})
	for i := range tensor.Data {
		tensor.Data[i] = value
	}
	require.NoError(t, store.WriteNew(store.ModelPath(n), tensor))
}

func seedGradient(t *testing.T, store *storage.Store, n int, eventID string, value float64) {
	t.Helper()
	tensor := storage.NewTensor(allParameters, [3]int{2, 4, 3})
	for i := range tensor.Data {
		tensor.Data[i] = value
	}
	require.NoError(t, store.WriteNew(store.GradientPath(n, eventID), tensor))
}

func TestGradientDescentUpdateModel(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	seedModel(t, store, 0, 100.0)
	seedGradient(t, store, 0, "ev_a", 2.0)
	seedGradient(t, store, 0, "ev_b", 4.0)

	// Only the shear parameters are inverted for; the compressional slices
	// must carry over untouched.
	optimizer := NewGradientDescent(store, []string{"VSV", "VSH"}, 0.5, zerolog.Nop())
	it := &models.Iteration{Name: IterationName(0), Number: 0, Events: []string{"ev_a", "ev_b"}}
	require.NoError(t, optimizer.UpdateModel(context.Background(), it))

	next, err := store.ReadParameters(store.ModelPath(1), allParameters)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		for k := 0; k < 3; k++ {
			// m - step * mean(g) = 100 - 0.5 * 3
			assert.Equal(t, 98.5, next.At(i, 0, k), "VSV updated")
			assert.Equal(t, 98.5, next.At(i, 1, k), "VSH updated")
			assert.Equal(t, 100.0, next.At(i, 2, k), "VPV preserved")
			assert.Equal(t, 100.0, next.At(i, 3, k), "VPH preserved")
		}
	}

	// The raw update artifact records the averaged gradient.
	update, err := store.ReadParameters(store.UpdatePath(0), []string{"VSV", "VSH"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, update.At(0, 0, 0))
	assert.Equal(t, store.IterationNumber(), 1)
}

func TestGradientDescentMissingGradient(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	seedModel(t, store, 0, 100.0)
	seedGradient(t, store, 0, "ev_a", 1.0)

	optimizer := NewGradientDescent(store, allParameters, 0.1, zerolog.Nop())
	it := &models.Iteration{Name: IterationName(0), Number: 0, Events: []string{"ev_a", "ev_missing"}}
	err = optimizer.UpdateModel(context.Background(), it)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrArtifactNotFound)
}

func TestGradientDescentNoEvents(t *testing.T) {
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	seedModel(t, store, 0, 1.0)

	optimizer := NewGradientDescent(store, allParameters, 0.1, zerolog.Nop())
	it := &models.Iteration{Name: IterationName(0), Number: 0}
	assert.Error(t, optimizer.UpdateModel(context.Background(), it))
}
