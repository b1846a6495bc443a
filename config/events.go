package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"inversion-orchestrator/core/models"
)

type eventsFile struct {
	Events []eventEntry `toml:"events"`
}

type eventEntry struct {
	ID        string  `toml:"id"`
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
	DepthKm   float64 `toml:"depth_km"`
}

// LoadEvents reads the observational event catalog. The file lists every
// event with its source location:
//
//	[[events]]
//	id = "event_0001"
//	latitude = 35.2
//	longitude = -118.5
//	depth_km = 12.0
func LoadEvents(path string) ([]models.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading event catalog %s: %w", path, err)
	}
	var parsed eventsFile
	if err := toml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parsing event catalog %s: %w", path, err)
	}
	if len(parsed.Events) == 0 {
		return nil, fmt.Errorf("config: event catalog %s lists no events", path)
	}

	seen := make(map[string]bool, len(parsed.Events))
	events := make([]models.Event, 0, len(parsed.Events))
	for _, e := range parsed.Events {
		if e.ID == "" {
			return nil, fmt.Errorf("config: event catalog %s has an entry without an id", path)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("config: duplicate event %q in catalog %s", e.ID, path)
		}
		seen[e.ID] = true
		events = append(events, models.Event{
			ID:        e.ID,
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			DepthKm:   e.DepthKm,
		})
	}
	return events, nil
}
