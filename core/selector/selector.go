// Package selector chooses the event minibatch for an iteration. Sampling
// aims for even geographic coverage: after the carried-over events are kept,
// remaining slots are filled greedily with the candidate farthest from
// everything already chosen (a poisson-disc-like criterion).
//
// All set arithmetic works on canonically ordered slices and a caller-seeded
// generator, so identical inputs always produce the identical batch.
package selector

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"inversion-orchestrator/core/models"
)

// ErrSelectionExhausted is returned when the candidate pool cannot satisfy
// the quota. A short batch is never returned silently.
var ErrSelectionExhausted = errors.New("selector: not enough events to satisfy quota")

// Request describes one selection
type Request struct {
	Quota        int      // total batch size, carried-over events included
	Blocked      []string // event IDs that must not appear in the batch
	ControlGroup []string // events reused from the previous iteration
	Forced       []string // caller-pinned events, added verbatim
	RandomPicks  int      // random events added before spatial filling
	Seed         int64
	All          []models.Event
}

// Select produces the event batch for the next iteration. The result has
// exactly Quota unique events, contains the control group and forced events,
// and never contains a blocked event. The batch is returned sorted by ID.
func Select(req Request) ([]models.Event, error) {
	if req.Quota <= 0 {
		return nil, fmt.Errorf("selector: quota must be positive, got %d", req.Quota)
	}

	byID := make(map[string]models.Event, len(req.All))
	for _, ev := range req.All {
		byID[ev.ID] = ev
	}
	blocked := make(map[string]bool, len(req.Blocked))
	for _, id := range req.Blocked {
		blocked[id] = true
	}

	// Control group and forced events enter the batch verbatim; duplicates
	// between the two collapse.
	chosen := make(map[string]bool)
	var batch []models.Event
	for _, id := range append(append([]string{}, req.ControlGroup...), req.Forced...) {
		if chosen[id] {
			continue
		}
		ev, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("selector: event %q not in catalog", id)
		}
		chosen[id] = true
		batch = append(batch, ev)
	}
	if len(batch) > req.Quota {
		return nil, fmt.Errorf("selector: %d carried-over events exceed quota %d", len(batch), req.Quota)
	}
	remaining := req.Quota - len(batch)

	// Canonical candidate ordering: sorted by event ID. The generic set
	// difference happens here, never on unordered collections.
	var pool []models.Event
	for _, ev := range req.All {
		if !blocked[ev.ID] && !chosen[ev.ID] {
			pool = append(pool, ev)
		}
	}
	sort.Slice(pool, func(a, b int) bool { return pool[a].ID < pool[b].ID })

	if remaining > len(pool) {
		return nil, fmt.Errorf("%w: need %d more, %d available", ErrSelectionExhausted, remaining, len(pool))
	}

	rng := rand.New(rand.NewSource(req.Seed))

	// When nothing is blocked, a few random events join the carried-over set
	// first. This keeps the batch rotation from collapsing onto the same
	// well-covered regions every iteration.
	if len(req.ControlGroup) > 0 && len(req.Blocked) == 0 {
		picks := req.RandomPicks
		if picks > remaining {
			picks = remaining
		}
		for i := 0; i < picks; i++ {
			idx := rng.Intn(len(pool))
			ev := pool[idx]
			pool = append(pool[:idx], pool[idx+1:]...)
			chosen[ev.ID] = true
			batch = append(batch, ev)
			remaining--
		}
	}

	// Spatial fill: the first pick is random when the batch is still empty,
	// every further pick maximizes the minimum distance to the existing
	// batch. Ties break toward the smaller event ID.
	for remaining > 0 {
		var pick int
		if len(batch) == 0 {
			pick = rng.Intn(len(pool))
		} else {
			best := math.Inf(-1)
			for i, cand := range pool {
				d := minDistance(cand, batch)
				if d > best {
					best = d
					pick = i
				}
			}
		}
		ev := pool[pick]
		pool = append(pool[:pick], pool[pick+1:]...)
		chosen[ev.ID] = true
		batch = append(batch, ev)
		remaining--
	}

	sort.Slice(batch, func(a, b int) bool { return batch[a].ID < batch[b].ID })
	return batch, nil
}

func minDistance(ev models.Event, batch []models.Event) float64 {
	min := math.Inf(1)
	for _, other := range batch {
		if d := haversineKm(ev, other); d < min {
			min = d
		}
	}
	return min
}

const earthRadiusKm = 6371.0

func haversineKm(a, b models.Event) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
