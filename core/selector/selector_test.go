package selector

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inversion-orchestrator/core/models"
)

// catalog builds n events on a grid across the globe so spatial sampling has
// something to spread over.
func catalog(n int) []models.Event {
	events := make([]models.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, models.Event{
			ID:        fmt.Sprintf("event_%04d", i),
			Latitude:  float64(i%10)*15 - 70,
			Longitude: float64(i/10)*30 - 150,
			DepthKm:   10,
		})
	}
	return events
}

func TestSelectDeterministic(t *testing.T) {
	all := catalog(50)
	req := Request{
		Quota:        10,
		ControlGroup: []string{"event_0003", "event_0007", "event_0011"},
		Blocked:      []string{"event_0001", "event_0002"},
		Seed:         42,
		All:          all,
	}

	first, err := Select(req)
	require.NoError(t, err)
	second, err := Select(req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := Select(Request{
		Quota:        10,
		ControlGroup: req.ControlGroup,
		Blocked:      req.Blocked,
		Seed:         43,
		All:          all,
	})
	require.NoError(t, err)
	assert.Len(t, other, 10)
}

func TestSelectContract(t *testing.T) {
	all := catalog(50)
	batch, err := Select(Request{
		Quota:        10,
		ControlGroup: []string{"event_0003", "event_0007", "event_0011"},
		Blocked:      []string{"event_0001", "event_0002"},
		RandomPicks:  2,
		Seed:         7,
		All:          all,
	})
	require.NoError(t, err)
	require.Len(t, batch, 10)

	ids := models.EventIDs(batch)
	seen := make(map[string]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate event %s", id)
		seen[id] = true
	}
	assert.True(t, seen["event_0003"])
	assert.True(t, seen["event_0007"])
	assert.True(t, seen["event_0011"])
	assert.False(t, seen["event_0001"])
	assert.False(t, seen["event_0002"])
	assert.IsIncreasing(t, ids)
}

func TestSelectExhaustion(t *testing.T) {
	all := catalog(5)
	_, err := Select(Request{Quota: 10, Seed: 1, All: all})
	assert.ErrorIs(t, err, ErrSelectionExhausted)

	// Blocking shrinks the pool below the quota.
	_, err = Select(Request{
		Quota:   5,
		Blocked: []string{"event_0000"},
		Seed:    1,
		All:     all,
	})
	assert.ErrorIs(t, err, ErrSelectionExhausted)
}

func TestSelectCarryOverExceedsQuota(t *testing.T) {
	all := catalog(10)
	_, err := Select(Request{
		Quota:        2,
		ControlGroup: []string{"event_0001", "event_0002"},
		Forced:       []string{"event_0003"},
		Seed:         1,
		All:          all,
	})
	assert.Error(t, err)
}

func TestSelectUnknownCarryOver(t *testing.T) {
	all := catalog(10)
	_, err := Select(Request{
		Quota:        4,
		ControlGroup: []string{"event_9999"},
		Seed:         1,
		All:          all,
	})
	assert.Error(t, err)
}

func TestSelectExactFit(t *testing.T) {
	all := catalog(4)
	batch, err := Select(Request{Quota: 4, Seed: 3, All: all})
	require.NoError(t, err)
	assert.Equal(t, models.EventIDs(all), models.EventIDs(batch))
}

func TestHaversine(t *testing.T) {
	a := models.Event{ID: "a", Latitude: 0, Longitude: 0}
	b := models.Event{ID: "b", Latitude: 0, Longitude: 90}
	// A quarter of the equator.
	assert.InDelta(t, 10007.5, haversineKm(a, b), 5.0)
	assert.InDelta(t, 0, haversineKm(a, a), 1e-9)
}
