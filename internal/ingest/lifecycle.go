package ingest

import (
	"time"

	"github.com/google/uuid"

	"github.com/plantstream-io/plantstream/internal/topic"
)

const percentFactor = 100.0

type (
	// activeOrder is the per-location lifecycle state: which identifier is
	// running, when it first appeared, and the last attributes seen for it.
	// The cached attributes are the fallback when the durable snapshot read
	// returns nothing at transition time.
	activeOrder struct {
		id        int64
		firstSeen time.Time
		cached    *WorkOrder
	}

	// LifecycleTracker maintains the current work-order identity per
	// physical location and detects identity transitions.
	//
	// The state machine per location is: no order known → order X active.
	// Only the work-order identifier field drives transitions. X → Y with
	// X ≠ Y yields exactly one completion for X; re-receiving X is a no-op
	// transition (attributes still update in place).
	LifecycleTracker struct {
		active map[string]*activeOrder
	}

	// Transition describes one detected identity change: the outgoing
	// order, when it became active, and the identifier that superseded it.
	Transition struct {
		OutgoingID int64
		IncomingID int64
		FirstSeen  time.Time
		Cached     *WorkOrder
	}
)

// NewLifecycleTracker creates an empty tracker.
func NewLifecycleTracker() *LifecycleTracker {
	return &LifecycleTracker{active: make(map[string]*activeOrder)}
}

// Observe feeds one work-order identifier sighting for a location.
//
// The first identifier at a location activates it with no transition. The
// same identifier again returns (nil, false). A different identifier returns
// the transition for the outgoing order and activates the incoming one,
// resetting the first-seen timestamp.
func (t *LifecycleTracker) Observe(locationKey string, id int64, now time.Time) (*Transition, bool) {
	cur, ok := t.active[locationKey]
	if !ok {
		t.active[locationKey] = &activeOrder{id: id, firstSeen: now}

		return nil, false
	}

	if cur.id == id {
		return nil, false
	}

	transition := &Transition{
		OutgoingID: cur.id,
		IncomingID: id,
		FirstSeen:  cur.firstSeen,
		Cached:     cur.cached,
	}

	t.active[locationKey] = &activeOrder{id: id, firstSeen: now}

	return transition, true
}

// CacheAttributes remembers the latest known attributes of the active order
// at a location. Ignored when the attributes belong to a different (stale)
// identifier than the active one.
func (t *LifecycleTracker) CacheAttributes(locationKey string, workOrder *WorkOrder) {
	cur, ok := t.active[locationKey]
	if !ok || cur.id != workOrder.WorkOrderID {
		return
	}

	copied := *workOrder
	cur.cached = &copied
}

// ActiveID returns the active work-order identifier at a location.
func (t *LifecycleTracker) ActiveID(locationKey string) (int64, bool) {
	cur, ok := t.active[locationKey]
	if !ok {
		return 0, false
	}

	return cur.id, true
}

// BuildCompletion assembles the completion snapshot for a transition.
//
// snapshot is the durable work-order row for the outgoing identifier and may
// be nil; the tracker then falls back to the cached attributes, and with both
// absent the record is still built with null quantity fields; the transition
// itself is always recorded. finalMetrics is the best-effort open-bucket
// aggregate for the same (site, line) and may be nil on a quiet window.
func BuildCompletion(
	tr *Transition,
	loc topic.Location,
	snapshot *WorkOrder,
	finalMetrics *MetricBucket,
	now time.Time,
) *WorkOrderCompletion {
	attrs := snapshot
	if attrs == nil {
		attrs = tr.Cached
	}

	completion := &WorkOrderCompletion{
		ID:              uuid.NewString(),
		Site:            loc.Site,
		Area:            loc.Area,
		Line:            loc.Line,
		Equipment:       loc.Equipment,
		WorkOrderID:     tr.OutgoingID,
		NextWorkOrderID: tr.IncomingID,
		StartedAt:       tr.FirstSeen,
		CompletedAt:     now,
		DurationSeconds: now.Sub(tr.FirstSeen).Seconds(),
	}

	if attrs != nil {
		completion.Number = attrs.Number
		completion.QuantityTarget = attrs.QuantityTarget
		completion.QuantityActual = attrs.QuantityActual
		completion.QuantityDefect = attrs.QuantityDefect
		completion.UOM = attrs.UOM

		if attrs.QuantityTarget != nil && *attrs.QuantityTarget > 0 && attrs.QuantityActual != nil {
			pct := float64(*attrs.QuantityActual) / float64(*attrs.QuantityTarget) * percentFactor
			completion.CompletionPct = floatPtr(pct)
		}
	}

	if finalMetrics != nil {
		completion.FinalAvailability = finalMetrics.Availability
		completion.FinalPerformance = finalMetrics.Performance
		completion.FinalQuality = finalMetrics.Quality
		completion.FinalOEE = finalMetrics.OEE
		completion.FinalCountInfeed = finalMetrics.CountInfeed
		completion.FinalCountOutfeed = finalMetrics.CountOutfeed
		completion.FinalCountDefect = finalMetrics.CountDefect
	}

	return completion
}
