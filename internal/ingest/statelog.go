package ingest

// StateLogger caches the last known state id per equipment location and
// detects discrete transitions. Equal sightings are not logged.
type StateLogger struct {
	last map[string]int64
}

// NewStateLogger creates an empty state logger.
func NewStateLogger() *StateLogger {
	return &StateLogger{last: make(map[string]int64)}
}

// Observe feeds one resolved state id for a location. Returns the previous
// id (nil on first sighting) and whether the state changed; the caller
// appends a StateChangeEvent only on change, then the cache advances.
func (l *StateLogger) Observe(locationKey string, stateID int64) (*int64, bool) {
	prev, seen := l.last[locationKey]
	if seen && prev == stateID {
		return nil, false
	}

	l.last[locationKey] = stateID

	if !seen {
		return nil, true
	}

	return intPtr(prev), true
}
