package ingest

import (
	"sort"
	"time"
)

// DefaultBucketWidth is the tumbling window width for line metrics.
const DefaultBucketWidth = 10 * time.Second

type (
	// bucketKey identifies one accumulator: the window start plus the
	// (site, line) grouping the metrics roll up to.
	bucketKey struct {
		start time.Time
		site  string
		line  string
	}

	// lineMetrics accumulates samples for one (window, site, line).
	// Aggregation rule per field group:
	//   - ratio and process-reading samples collect into slices (mean at flush)
	//   - counters are cumulative totals reported by equipment (latest wins)
	//   - time fields are per-message durations (summed across the window)
	//   - equipment ids collect into a set (cardinality at flush)
	lineMetrics struct {
		availability []float64
		performance  []float64
		quality      []float64
		oee          []float64

		countInfeed  *int64
		countOutfeed *int64
		countDefect  *int64

		timeRunning       float64
		timeIdle          float64
		timeDownPlanned   float64
		timeDownUnplanned float64
		timeSeen          bool

		rateActual   []float64
		rateStandard []float64

		temperature []float64
		flowRate    []float64
		weight      []float64

		equipmentSeen map[string]struct{}
	}

	// Bucketer maintains the open tumbling window. Rollover is lazy: the
	// Coordinator asks for due buckets on every inbound event, so a window
	// can stay open indefinitely on a quiet stream until the next event or
	// the drain path flushes it.
	Bucketer struct {
		width   time.Duration
		current time.Time
		buckets map[bucketKey]*lineMetrics
	}
)

// NewBucketer creates a Bucketer with the given window width, opening the
// window containing now.
func NewBucketer(width time.Duration, now time.Time) *Bucketer {
	if width <= 0 {
		width = DefaultBucketWidth
	}

	return &Bucketer{
		width:   width,
		current: now.Truncate(width),
		buckets: make(map[bucketKey]*lineMetrics),
	}
}

// WindowStart returns the window boundary containing t.
func (b *Bucketer) WindowStart(t time.Time) time.Time {
	return t.Truncate(b.width)
}

// Rollover checks whether now falls outside the open window. If so it
// returns the aggregated buckets of the previous window for persistence and
// opens the new window; otherwise it returns nil. Must be called before the
// event at `now` is applied, so the event lands in the fresh window.
func (b *Bucketer) Rollover(now time.Time) []*MetricBucket {
	window := b.WindowStart(now)
	if window.Equal(b.current) {
		return nil
	}

	flushed := b.Drain()
	b.current = window

	return flushed
}

// Drain aggregates and clears every open accumulator regardless of window
// boundaries. Used by rollover and by the Coordinator's shutdown path.
func (b *Bucketer) Drain() []*MetricBucket {
	if len(b.buckets) == 0 {
		return nil
	}

	out := make([]*MetricBucket, 0, len(b.buckets))
	for key, m := range b.buckets {
		out = append(out, m.aggregate(key))
	}

	b.buckets = make(map[bucketKey]*lineMetrics)

	// Deterministic flush order keeps logs and tests stable.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}

		if out[i].Site != out[j].Site {
			return out[i].Site < out[j].Site
		}

		return out[i].Line < out[j].Line
	})

	return out
}

// Apply routes one numeric metric sample into the open window's accumulator
// for (site, line). Unrecognized field paths are ignored. The equipment name,
// when present, feeds the distinct-equipment count.
func (b *Bucketer) Apply(site, line, equipment, fieldPath string, value float64) {
	if site == "" || line == "" {
		return
	}

	m := b.accumulator(site, line)
	if equipment != "" {
		m.equipmentSeen[equipment] = struct{}{}
	}

	switch fieldPath {
	case "availability":
		m.availability = append(m.availability, value)
	case "performance":
		m.performance = append(m.performance, value)
	case "quality":
		m.quality = append(m.quality, value)
	case "oee":
		m.oee = append(m.oee, value)
	case "input/countinfeed", "count/infeed":
		m.countInfeed = intPtr(int64(value))
	case "input/countoutfeed", "count/outfeed":
		m.countOutfeed = intPtr(int64(value))
	case "input/countdefect", "count/defect":
		m.countDefect = intPtr(int64(value))
	case "input/timerunning":
		m.timeRunning += value
		m.timeSeen = true
	case "input/timeidle":
		m.timeIdle += value
		m.timeSeen = true
	case "input/timedownplanned":
		m.timeDownPlanned += value
		m.timeSeen = true
	case "input/timedownunplanned":
		m.timeDownUnplanned += value
		m.timeSeen = true
	case "input/rateactual", "rate/instant":
		m.rateActual = append(m.rateActual, value)
	case "input/ratestandard":
		m.rateStandard = append(m.rateStandard, value)
	case "process/temperature", "temperature":
		m.temperature = append(m.temperature, value)
	case "process/flowrate", "flowrate":
		m.flowRate = append(m.flowRate, value)
	case "process/weight", "weight":
		m.weight = append(m.weight, value)
	}
}

// Touch records an equipment sighting for the distinct-equipment count
// without contributing a sample.
func (b *Bucketer) Touch(site, line, equipment string) {
	if site == "" || line == "" || equipment == "" {
		return
	}

	b.accumulator(site, line).equipmentSeen[equipment] = struct{}{}
}

// Snapshot aggregates the open accumulator for (site, line) without clearing
// it. Returns nil when no metrics arrived this window. The lifecycle tracker
// uses this as the best-effort "final metrics" of a completing work order.
func (b *Bucketer) Snapshot(site, line string) *MetricBucket {
	key := bucketKey{start: b.current, site: site, line: line}

	m, ok := b.buckets[key]
	if !ok {
		return nil
	}

	return m.aggregate(key)
}

// Open reports how many accumulators the current window holds.
func (b *Bucketer) Open() int { return len(b.buckets) }

func (b *Bucketer) accumulator(site, line string) *lineMetrics {
	key := bucketKey{start: b.current, site: site, line: line}

	m, ok := b.buckets[key]
	if !ok {
		m = &lineMetrics{equipmentSeen: make(map[string]struct{})}
		b.buckets[key] = m
	}

	return m
}

// aggregate applies the per-field aggregation rules and produces the
// persistable bucket row.
func (m *lineMetrics) aggregate(key bucketKey) *MetricBucket {
	bucket := &MetricBucket{
		BucketStart:    key.start,
		Site:           key.site,
		Line:           key.line,
		Availability:   mean(m.availability),
		Performance:    mean(m.performance),
		Quality:        mean(m.quality),
		OEE:            mean(m.oee),
		CountInfeed:    m.countInfeed,
		CountOutfeed:   m.countOutfeed,
		CountDefect:    m.countDefect,
		RateActual:     mean(m.rateActual),
		RateStandard:   mean(m.rateStandard),
		Temperature:    mean(m.temperature),
		FlowRate:       mean(m.flowRate),
		Weight:         mean(m.weight),
		EquipmentCount: len(m.equipmentSeen),
	}

	if m.timeSeen {
		bucket.TimeRunning = floatPtr(m.timeRunning)
		bucket.TimeIdle = floatPtr(m.timeIdle)
		bucket.TimeDownPlanned = floatPtr(m.timeDownPlanned)
		bucket.TimeDownUnplanned = floatPtr(m.timeDownUnplanned)
	}

	return bucket
}

func mean(samples []float64) *float64 {
	if len(samples) == 0 {
		return nil
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}

	return floatPtr(sum / float64(len(samples)))
}
