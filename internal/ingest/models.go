// Package ingest provides the stateful aggregation engine that turns decoded
// telemetry events into normalized facts: reference entities assembled from
// partial field updates, 10-second metric buckets, equipment state transition
// events, and work-order completion snapshots.
//
// The package defines the Store interface which represents what the engine
// needs for persistence, following the Dependency Inversion Principle.
// Concrete implementations (PostgreSQL, in-memory) live in internal/storage.
package ingest

import (
	"time"
)

type (
	// Product is a reference entity keyed by the external item identifier.
	// Optional attributes are pointers so a coalescing upsert can tell
	// "absent" apart from a zero value.
	Product struct {
		ItemID       int64
		Name         *string
		Class        *string
		BottleSize   *float64
		PackCount    *int64
		LabelVariant *string
		ParentItemID *int64
	}

	// Lot is a reference entity keyed by the external lot-number identifier.
	// The human-readable lot number is not unique and may repeat. ItemID
	// links the lot to a Product when the linkage is known at assembly time.
	Lot struct {
		LotNumberID int64
		LotNumber   *string
		ItemID      *int64
	}

	// WorkOrder is keyed by the external work-order identifier, a synthetic
	// ID that is unique even when the human-readable Number repeats (the
	// simulator re-emits the same number under fresh identifiers).
	// Quantity fields are cumulative snapshots reported by equipment, not
	// deltas: the latest value wins.
	WorkOrder struct {
		WorkOrderID    int64
		Number         *string
		QuantityTarget *int64
		QuantityActual *int64
		QuantityDefect *int64
		UOM            *string
		AssetID        *int64
		Site           *string
		Line           *string
	}

	// State is a lookup row keyed by the (code, name, type) triple. Created
	// on first sighting, never mutated.
	State struct {
		ID   int64
		Code *int64
		Name string
		Type *string
	}

	// Asset is equipment metadata keyed by the external asset identifier.
	Asset struct {
		AssetID       int64
		Name          *string
		Path          *string
		DisplayName   *string
		TypeName      *string
		ParentAssetID *int64
		SortOrder     *int64
		Site          string
		Area          string
		Line          string
		Equipment     string
	}

	// MetricBucket is one flushed tumbling-window row, keyed
	// (BucketStart, Site, Line). Aggregation rules are applied before the
	// bucket leaves the Bucketer: ratios and process readings are means,
	// counters are the latest sample, time fields are sums.
	MetricBucket struct {
		BucketStart time.Time
		Site        string
		Line        string

		Availability *float64
		Performance  *float64
		Quality      *float64
		OEE          *float64

		CountInfeed  *int64
		CountOutfeed *int64
		CountDefect  *int64

		TimeRunning       *float64
		TimeIdle          *float64
		TimeDownPlanned   *float64
		TimeDownUnplanned *float64

		RateActual   *float64
		RateStandard *float64

		Temperature *float64
		FlowRate    *float64
		Weight      *float64

		EquipmentCount int
	}

	// WorkOrderCompletion is the append-only snapshot recorded exactly once
	// per detected identity transition at a physical location. Quantity and
	// metric fields may all be nil when neither the durable row nor the
	// cached attributes were available; the record is still written so the
	// transition itself is never lost.
	WorkOrderCompletion struct {
		ID              string
		Site            string
		Area            string
		Line            string
		Equipment       string
		WorkOrderID     int64
		NextWorkOrderID int64
		Number          *string
		QuantityTarget  *int64
		QuantityActual  *int64
		QuantityDefect  *int64
		UOM             *string
		CompletionPct   *float64
		StartedAt       time.Time
		CompletedAt     time.Time
		DurationSeconds float64

		FinalAvailability *float64
		FinalPerformance  *float64
		FinalQuality      *float64
		FinalOEE          *float64
		FinalCountInfeed  *int64
		FinalCountOutfeed *int64
		FinalCountDefect  *int64
	}

	// StateChangeEvent is an append-only record of one equipment state
	// transition. PrevStateID is nil for the first sighting at a location.
	StateChangeEvent struct {
		Site        string
		Area        string
		Line        string
		Equipment   string
		StateID     int64
		PrevStateID *int64
	}

	// RawMessage is one captured inbound event for audit/replay. PayloadText
	// is nil when the payload was not valid UTF-8; capture never fails on an
	// undecodable payload.
	RawMessage struct {
		Topic       string
		Payload     []byte
		PayloadText *string
		PayloadKind string
		ReceivedAt  time.Time
	}
)

// String and numeric pointer helpers used when building partial records.

func strPtr(s string) *string { return &s }

func intPtr(i int64) *int64 { return &i }

func floatPtr(f float64) *float64 { return &f }
