package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plantstream-io/plantstream/internal/topic"
)

// recordingStore captures every gateway call so tests can assert on what the
// coordinator persisted and when.
type recordingStore struct {
	products     []*Product
	lots         []*Lot
	workOrders   map[int64]*WorkOrder
	upsertCount  int
	states       map[string]int64
	stateLookups int
	assetTypes   map[string]int64
	nextStateID  int64
	events       []*StateChangeEvent
	completions  []*WorkOrderCompletion
	buckets      []*MetricBucket
	raw          []RawMessage
	assets       []*Asset
	closed       bool
	failWith     error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		workOrders: make(map[int64]*WorkOrder),
		states:     make(map[string]int64),
		assetTypes: make(map[string]int64),
	}
}

func (s *recordingStore) UpsertProduct(_ context.Context, p *Product) error {
	if s.failWith != nil {
		return s.failWith
	}

	s.products = append(s.products, p)

	return nil
}

func (s *recordingStore) UpsertLot(_ context.Context, l *Lot) error {
	if s.failWith != nil {
		return s.failWith
	}

	s.lots = append(s.lots, l)

	return nil
}

func (s *recordingStore) UpsertWorkOrder(_ context.Context, wo *WorkOrder) error {
	if s.failWith != nil {
		return s.failWith
	}

	s.upsertCount++

	existing, ok := s.workOrders[wo.WorkOrderID]
	if !ok {
		clone := *wo
		s.workOrders[wo.WorkOrderID] = &clone

		return nil
	}

	if wo.Number != nil {
		existing.Number = wo.Number
	}

	if wo.QuantityTarget != nil {
		existing.QuantityTarget = wo.QuantityTarget
	}

	if wo.QuantityActual != nil {
		existing.QuantityActual = wo.QuantityActual
	}

	if wo.QuantityDefect != nil {
		existing.QuantityDefect = wo.QuantityDefect
	}

	if wo.UOM != nil {
		existing.UOM = wo.UOM
	}

	return nil
}

func (s *recordingStore) UpsertAsset(_ context.Context, a *Asset) error {
	s.assets = append(s.assets, a)

	return nil
}

func (s *recordingStore) GetOrCreateState(_ context.Context, _ *int64, name string, _ *string) (int64, error) {
	s.stateLookups++

	if id, ok := s.states[name]; ok {
		return id, nil
	}

	s.nextStateID++
	s.states[name] = s.nextStateID

	return s.nextStateID, nil
}

func (s *recordingStore) GetOrCreateAssetType(_ context.Context, name string) (int64, error) {
	if id, ok := s.assetTypes[name]; ok {
		return id, nil
	}

	s.nextStateID++
	s.assetTypes[name] = s.nextStateID

	return s.nextStateID, nil
}

func (s *recordingStore) InsertStateChangeEvent(_ context.Context, e *StateChangeEvent) error {
	s.events = append(s.events, e)

	return nil
}

func (s *recordingStore) InsertWorkOrderCompletion(_ context.Context, c *WorkOrderCompletion) error {
	s.completions = append(s.completions, c)

	return nil
}

func (s *recordingStore) UpsertMetricBucket(_ context.Context, b *MetricBucket) error {
	if s.failWith != nil {
		return s.failWith
	}

	s.buckets = append(s.buckets, b)

	return nil
}

func (s *recordingStore) InsertRawBatch(_ context.Context, batch []RawMessage) error {
	s.raw = append(s.raw, batch...)

	return nil
}

func (s *recordingStore) GetWorkOrderSnapshot(_ context.Context, id int64) (*WorkOrder, error) {
	wo, ok := s.workOrders[id]
	if !ok {
		return nil, nil
	}

	clone := *wo

	return &clone, nil
}

func (s *recordingStore) HealthCheck(_ context.Context) error { return nil }

func (s *recordingStore) Close() error {
	s.closed = true

	return nil
}

var _ Store = (*recordingStore)(nil)

// testCoordinator wires a coordinator over a recording store with a
// controllable clock.
func testCoordinator(store *recordingStore, captureRaw bool, batchSize int) (*Coordinator, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	c := NewCoordinator(topic.NewDecoder(nil), store, CoordinatorConfig{
		CaptureRaw:   captureRaw,
		BucketWidth:  DefaultBucketWidth,
		RawBatchSize: batchSize,
		Clock:        func() time.Time { return now },
	})

	return c, &now
}

func mustHandle(t *testing.T, c *Coordinator, topicStr, payload string) {
	t.Helper()

	if err := c.HandleMessage(topicStr, []byte(payload)); err != nil {
		t.Fatalf("HandleMessage(%s) error: %v", topicStr, err)
	}
}

func TestCoordinatorEntityAssembly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, false, 0)

	prefix := "Enterprise B/Site1/Packaging/Line1/lotnumber/"

	// Product fields travel nested under the lot tree. Out of order: the
	// item id arrives first so the in-flight lot can link to it.
	mustHandle(t, c, prefix+"item/itemid", "1001")

	// The lot completes before the product does; the linkage comes from
	// the in-progress product at the same location.
	mustHandle(t, c, prefix+"lotnumber", `"LOT-77"`)
	mustHandle(t, c, prefix+"lotnumberid", "501")

	if len(store.lots) != 1 {
		t.Fatalf("lots persisted = %d, want 1", len(store.lots))
	}

	lot := store.lots[0]
	if lot.LotNumberID != 501 || lot.ItemID == nil || *lot.ItemID != 1001 {
		t.Errorf("lot = %+v, want id 501 linked to item 1001", lot)
	}

	mustHandle(t, c, prefix+"item/itemname", `"Cola 500ml"`)
	mustHandle(t, c, prefix+"item/itemclass", `"Carbonated"`)
	mustHandle(t, c, prefix+"item/bottlesize", "0.5")

	if len(store.products) != 0 {
		t.Fatal("product committed before required set complete")
	}

	mustHandle(t, c, prefix+"item/packcount", "24")

	if len(store.products) != 1 {
		t.Fatalf("products persisted = %d, want 1", len(store.products))
	}

	p := store.products[0]
	if p.ItemID != 1001 || *p.Name != "Cola 500ml" || *p.PackCount != 24 {
		t.Errorf("product = %+v", p)
	}
}

func TestCoordinatorWorkOrderLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, now := testCoordinator(store, false, 0)

	prefix := "Enterprise B/Site1/Packaging/Line1/workorder/"

	mustHandle(t, c, prefix+"workorderid", "10")
	mustHandle(t, c, prefix+"workordernumber", `"WO-1"`)
	mustHandle(t, c, prefix+"quantitytarget", "200")
	mustHandle(t, c, prefix+"quantityactual", "150")

	if len(store.completions) != 0 {
		t.Fatal("completion emitted without an identity change")
	}

	// Repeats of the active id are not transitions.
	mustHandle(t, c, prefix+"workorderid", "10")

	if len(store.completions) != 0 {
		t.Fatal("completion emitted for repeated identifier")
	}

	*now = now.Add(time.Hour)
	mustHandle(t, c, prefix+"workorderid", "11")

	if len(store.completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(store.completions))
	}

	completion := store.completions[0]

	if completion.WorkOrderID != 10 || completion.NextWorkOrderID != 11 {
		t.Errorf("completion ids = %d→%d, want 10→11", completion.WorkOrderID, completion.NextWorkOrderID)
	}

	// Attributes come from the durable row written by earlier upserts.
	if completion.Number == nil || *completion.Number != "WO-1" {
		t.Errorf("completion number = %v, want WO-1", completion.Number)
	}

	if completion.CompletionPct == nil || *completion.CompletionPct != 75.0 {
		t.Errorf("completion pct = %v, want 75", completion.CompletionPct)
	}

	if completion.DurationSeconds != 3600 {
		t.Errorf("duration = %v, want 3600", completion.DurationSeconds)
	}

	// The incoming order keeps flowing into the store.
	if _, ok := store.workOrders[11]; !ok {
		t.Error("incoming work order not persisted")
	}
}

func TestCoordinatorStateTransitions(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, false, 0)

	stateTopic := "Enterprise B/Site1/Packaging/Line1/Filler/state/name"

	mustHandle(t, c, stateTopic, `"RUNNING"`)
	mustHandle(t, c, stateTopic, `"RUNNING"`)
	mustHandle(t, c, stateTopic, `"IDLE"`)

	// Code and duration fields do not drive transitions.
	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/Filler/state/code", "3")

	if len(store.events) != 2 {
		t.Fatalf("state events = %d, want 2", len(store.events))
	}

	first := store.events[0]
	if first.PrevStateID != nil {
		t.Errorf("first event prev = %v, want nil", first.PrevStateID)
	}

	if first.Equipment != "Filler" {
		t.Errorf("first event equipment = %q", first.Equipment)
	}

	second := store.events[1]
	if second.PrevStateID == nil || *second.PrevStateID != store.states["RUNNING"] {
		t.Errorf("second event prev = %v, want RUNNING id", second.PrevStateID)
	}

	if second.StateID != store.states["IDLE"] {
		t.Errorf("second event state = %d, want IDLE id", second.StateID)
	}

	// Repeated names resolve from the id cache, one lookup per distinct name.
	if store.stateLookups != 2 {
		t.Errorf("state lookups = %d, want 2", store.stateLookups)
	}

	// A retained null name is absent, it neither creates a state nor logs.
	mustHandle(t, c, stateTopic, "null")

	if _, ok := store.states["null"]; ok {
		t.Error("null payload created a state row")
	}

	if len(store.events) != 2 {
		t.Errorf("state events after null payload = %d, want 2", len(store.events))
	}
}

func TestCoordinatorAssetAssembly(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, false, 0)

	prefix := "Enterprise B/Site1/Packaging/Line1/Filler/node/assetidentifier/"

	mustHandle(t, c, prefix+"assetname", `"Filler 3"`)
	mustHandle(t, c, prefix+"assettypename", `"Rotary Filler"`)
	mustHandle(t, c, prefix+"assetid", "301")

	if len(store.assets) != 1 {
		t.Fatalf("assets persisted = %d, want 1", len(store.assets))
	}

	asset := store.assets[0]
	if asset.AssetID != 301 || *asset.Name != "Filler 3" {
		t.Errorf("asset = %+v", asset)
	}

	if _, ok := store.assetTypes["Rotary Filler"]; !ok {
		t.Error("asset type lookup row not created")
	}

	// Node traffic outside the assetidentifier subtree is ignored.
	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/Filler/node/heartbeat", "1")

	if len(store.assets) != 1 {
		t.Errorf("assets persisted = %d after heartbeat, want 1", len(store.assets))
	}
}

func TestCoordinatorMetricRollover(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, now := testCoordinator(store, false, 0)

	metricTopic := "Enterprise B/Site1/Packaging/Line1/Filler/metric/availability"

	mustHandle(t, c, metricTopic, "0.8")
	mustHandle(t, c, metricTopic, "0.9")

	if len(store.buckets) != 0 {
		t.Fatal("bucket flushed inside open window")
	}

	// The next event past the boundary flushes the previous window before
	// its own sample lands.
	*now = now.Add(DefaultBucketWidth)
	mustHandle(t, c, metricTopic, "0.5")

	if len(store.buckets) != 1 {
		t.Fatalf("buckets flushed = %d, want 1", len(store.buckets))
	}

	bucket := store.buckets[0]
	if bucket.Availability == nil || !almostEqual(*bucket.Availability, 0.85) {
		t.Errorf("Availability = %v, want 0.85", bucket.Availability)
	}

	if bucket.EquipmentCount != 1 {
		t.Errorf("EquipmentCount = %d, want 1", bucket.EquipmentCount)
	}

	// Non-numeric payloads drop the sample but still count the equipment.
	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/Labeler/metric/availability", "NOT-A-NUMBER")

	*now = now.Add(DefaultBucketWidth)

	if err := c.FlushDue(context.Background()); err != nil {
		t.Fatalf("FlushDue() error: %v", err)
	}

	if len(store.buckets) != 2 {
		t.Fatalf("buckets flushed = %d, want 2", len(store.buckets))
	}

	if store.buckets[1].EquipmentCount != 2 {
		t.Errorf("EquipmentCount = %d, want 2", store.buckets[1].EquipmentCount)
	}
}

func TestCoordinatorRawCapture(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, true, 2)

	// Out-of-tenant traffic is dropped before capture.
	mustHandle(t, c, "OtherCorp/x/y/metric/oee", "1")

	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/metric/oee", "0.8")

	if len(store.raw) != 0 {
		t.Fatal("raw batch flushed below the batch size")
	}

	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/Filler/state/name", string([]byte{0xff, 0xfe}))

	if len(store.raw) != 2 {
		t.Fatalf("raw messages persisted = %d, want 2", len(store.raw))
	}

	if store.raw[0].PayloadText == nil || *store.raw[0].PayloadText != "0.8" {
		t.Errorf("raw[0].PayloadText = %v", store.raw[0].PayloadText)
	}

	// Binary payloads are captured without a textual form.
	if store.raw[1].PayloadText != nil {
		t.Errorf("raw[1].PayloadText = %q, want nil", *store.raw[1].PayloadText)
	}

	if store.raw[1].PayloadKind != "binary" {
		t.Errorf("raw[1].PayloadKind = %q, want binary", store.raw[1].PayloadKind)
	}
}

func TestCoordinatorClose(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, true, 100)

	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/metric/oee", "0.8")
	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/workorder/workorderid", "10")

	upsertsBeforeClose := store.upsertCount

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Drain order: open bucket, keyed work orders, buffered raw messages,
	// then the store itself.
	if len(store.buckets) != 1 {
		t.Errorf("buckets flushed at close = %d, want 1", len(store.buckets))
	}

	if store.upsertCount <= upsertsBeforeClose {
		t.Error("keyed work order not flushed at close")
	}

	if len(store.raw) != 2 {
		t.Errorf("raw messages flushed at close = %d, want 2", len(store.raw))
	}

	if !store.closed {
		t.Error("store not closed")
	}

	// Events after close are refused.
	err := c.HandleMessage("Enterprise B/Site1/Packaging/Line1/metric/oee", []byte("0.9"))
	if !errors.Is(err, ErrCoordinatorClosed) {
		t.Errorf("HandleMessage() after close = %v, want ErrCoordinatorClosed", err)
	}

	// Close is idempotent.
	if err := c.Close(context.Background()); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestCoordinatorStoreErrorPropagates(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, false, 0)

	store.failWith = errors.New("connection reset")

	err := c.HandleMessage("Enterprise B/Site1/Packaging/Line1/workorder/workorderid", []byte("10"))
	if !errors.Is(err, ErrStoreWrite) {
		t.Errorf("HandleMessage() = %v, want ErrStoreWrite", err)
	}

	// Undecodable topics never reach the store and never error.
	if err := c.HandleMessage("garbage topic", []byte("x")); err != nil {
		t.Errorf("HandleMessage(undecodable) = %v, want nil", err)
	}
}

func TestCoordinatorStats(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newRecordingStore()
	c, _ := testCoordinator(store, false, 0)

	mustHandle(t, c, "Enterprise B/Site1/Packaging/Line1/metric/oee", "0.8")
	mustHandle(t, c, "not a plant topic", "x")

	stats := c.Stats()
	if stats.Received != 1 {
		t.Errorf("Received = %d, want 1 (undecodable topics don't count)", stats.Received)
	}

	if stats.Stored != 1 {
		t.Errorf("Stored = %d, want 1", stats.Stored)
	}
}
