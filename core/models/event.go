package models

// Event is a single observational record (one earthquake) from the catalog.
// The coordinates feed the spatial coverage criterion of the minibatch
// selector.
type Event struct {
	ID        string
	Latitude  float64
	Longitude float64
	DepthKm   float64
}

// EventIDs extracts the IDs of a slice of events, preserving order.
func EventIDs(events []Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}
