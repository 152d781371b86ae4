package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/plantstream-io/plantstream/internal/ingest"
	"github.com/plantstream-io/plantstream/internal/replay"
)

// Compile-time interface checks.
var (
	_ ingest.Store = (*MemoryStore)(nil)
	_ replay.Store = (*MemoryStore)(nil)
)

type (
	stateKey struct {
		code     int64
		hasCode  bool
		name     string
		stype    string
		hasStype bool
	}

	metricKey struct {
		bucket int64
		site   string
		line   string
	}

	// MemoryStore is an in-memory persistence gateway with the same
	// coalescing merge semantics as PlantStore. It backs unit tests and
	// local development without a database.
	MemoryStore struct {
		mu sync.Mutex

		products   map[int64]*ingest.Product
		lots       map[int64]*ingest.Lot
		workOrders map[int64]*ingest.WorkOrder
		assets     map[int64]*ingest.Asset

		states     map[stateKey]int64
		assetTypes map[string]int64
		nextID     int64

		StateEvents []*ingest.StateChangeEvent
		Completions []*ingest.WorkOrderCompletion
		Buckets     map[metricKey]*ingest.MetricBucket
		Raw         []ingest.RawMessage

		closed bool
	}
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:   make(map[int64]*ingest.Product),
		lots:       make(map[int64]*ingest.Lot),
		workOrders: make(map[int64]*ingest.WorkOrder),
		assets:     make(map[int64]*ingest.Asset),
		states:     make(map[stateKey]int64),
		assetTypes: make(map[string]int64),
		Buckets:    make(map[metricKey]*ingest.MetricBucket),
	}
}

// UpsertProduct inserts or coalesce-merges a product by ItemID.
func (s *MemoryStore) UpsertProduct(_ context.Context, product *ingest.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ItemID]
	if !ok {
		clone := *product
		s.products[product.ItemID] = &clone

		return nil
	}

	existing.Name = coalesceStr(product.Name, existing.Name)
	existing.Class = coalesceStr(product.Class, existing.Class)
	existing.BottleSize = coalesceFloat(product.BottleSize, existing.BottleSize)
	existing.PackCount = coalesceInt(product.PackCount, existing.PackCount)
	existing.LabelVariant = coalesceStr(product.LabelVariant, existing.LabelVariant)
	existing.ParentItemID = coalesceInt(product.ParentItemID, existing.ParentItemID)

	return nil
}

// UpsertLot inserts or coalesce-merges a lot by LotNumberID.
func (s *MemoryStore) UpsertLot(_ context.Context, lot *ingest.Lot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.lots[lot.LotNumberID]
	if !ok {
		clone := *lot
		s.lots[lot.LotNumberID] = &clone

		return nil
	}

	existing.LotNumber = coalesceStr(lot.LotNumber, existing.LotNumber)
	existing.ItemID = coalesceInt(lot.ItemID, existing.ItemID)

	return nil
}

// UpsertWorkOrder inserts or coalesce-merges a work order by WorkOrderID.
func (s *MemoryStore) UpsertWorkOrder(_ context.Context, workOrder *ingest.WorkOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workOrders[workOrder.WorkOrderID]
	if !ok {
		clone := *workOrder
		s.workOrders[workOrder.WorkOrderID] = &clone

		return nil
	}

	existing.Number = coalesceStr(workOrder.Number, existing.Number)
	existing.QuantityTarget = coalesceInt(workOrder.QuantityTarget, existing.QuantityTarget)
	existing.QuantityActual = coalesceInt(workOrder.QuantityActual, existing.QuantityActual)
	existing.QuantityDefect = coalesceInt(workOrder.QuantityDefect, existing.QuantityDefect)
	existing.UOM = coalesceStr(workOrder.UOM, existing.UOM)
	existing.AssetID = coalesceInt(workOrder.AssetID, existing.AssetID)
	existing.Site = coalesceStr(workOrder.Site, existing.Site)
	existing.Line = coalesceStr(workOrder.Line, existing.Line)

	return nil
}

// UpsertAsset inserts or coalesce-merges equipment metadata by AssetID.
func (s *MemoryStore) UpsertAsset(_ context.Context, asset *ingest.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.assets[asset.AssetID]
	if !ok {
		clone := *asset
		s.assets[asset.AssetID] = &clone

		return nil
	}

	existing.Name = coalesceStr(asset.Name, existing.Name)
	existing.Path = coalesceStr(asset.Path, existing.Path)
	existing.DisplayName = coalesceStr(asset.DisplayName, existing.DisplayName)
	existing.TypeName = coalesceStr(asset.TypeName, existing.TypeName)
	existing.ParentAssetID = coalesceInt(asset.ParentAssetID, existing.ParentAssetID)
	existing.SortOrder = coalesceInt(asset.SortOrder, existing.SortOrder)
	existing.Site = asset.Site
	existing.Area = asset.Area
	existing.Line = asset.Line
	existing.Equipment = asset.Equipment

	return nil
}

// GetOrCreateState returns the id for the (code, name, type) triple,
// creating it on first sighting.
func (s *MemoryStore) GetOrCreateState(_ context.Context, code *int64, name string, stateType *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stateKey{name: name}
	if code != nil {
		key.code, key.hasCode = *code, true
	}

	if stateType != nil {
		key.stype, key.hasStype = *stateType, true
	}

	if id, ok := s.states[key]; ok {
		return id, nil
	}

	s.nextID++
	s.states[key] = s.nextID

	return s.nextID, nil
}

// GetOrCreateAssetType returns the id for the asset type name, creating it
// on first sighting.
func (s *MemoryStore) GetOrCreateAssetType(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.assetTypes[name]; ok {
		return id, nil
	}

	s.nextID++
	s.assetTypes[name] = s.nextID

	return s.nextID, nil
}

// InsertStateChangeEvent appends one state transition record.
func (s *MemoryStore) InsertStateChangeEvent(_ context.Context, event *ingest.StateChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *event
	s.StateEvents = append(s.StateEvents, &clone)

	return nil
}

// InsertWorkOrderCompletion appends one completion snapshot.
func (s *MemoryStore) InsertWorkOrderCompletion(_ context.Context, completion *ingest.WorkOrderCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *completion
	s.Completions = append(s.Completions, &clone)

	return nil
}

// UpsertMetricBucket replaces the bucket row for (BucketStart, Site, Line).
func (s *MemoryStore) UpsertMetricBucket(_ context.Context, bucket *ingest.MetricBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *bucket
	s.Buckets[metricKey{bucket: bucket.BucketStart.UnixNano(), site: bucket.Site, line: bucket.Line}] = &clone

	return nil
}

// InsertRawBatch appends captured raw messages.
func (s *MemoryStore) InsertRawBatch(_ context.Context, batch []ingest.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Raw = append(s.Raw, batch...)

	return nil
}

// GetWorkOrderSnapshot reads the stored work order by id, (nil, nil) when
// absent.
func (s *MemoryStore) GetWorkOrderSnapshot(_ context.Context, workOrderID int64) (*ingest.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workOrders[workOrderID]
	if !ok {
		return nil, nil
	}

	clone := *existing

	return &clone, nil
}

// ListWorkOrderUsage aggregates identifier and location usage per work order
// number, ordered by number.
func (s *MemoryStore) ListWorkOrderUsage(_ context.Context) ([]replay.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byNumber := make(map[string]*replay.Usage)

	for _, wo := range s.workOrders {
		if wo.Number == nil {
			continue
		}

		usage, ok := byNumber[*wo.Number]
		if !ok {
			usage = &replay.Usage{Number: *wo.Number}
			byNumber[*wo.Number] = usage
		}

		usage.WorkOrderIDs = appendDistinctInt(usage.WorkOrderIDs, wo.WorkOrderID)
		usage.Locations = appendDistinctStr(usage.Locations, derefStr(wo.Site)+"/"+derefStr(wo.Line))

		if wo.UOM != nil {
			usage.UOMs = appendDistinctStr(usage.UOMs, *wo.UOM)
		}
	}

	usages := make([]replay.Usage, 0, len(byNumber))
	for _, usage := range byNumber {
		usages = append(usages, *usage)
	}

	sort.Slice(usages, func(i, j int) bool {
		return strings.Compare(usages[i].Number, usages[j].Number) < 0
	})

	return usages, nil
}

// Product returns the stored product by item id, for tests.
func (s *MemoryStore) Product(itemID int64) (*ingest.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[itemID]

	return p, ok
}

// Lot returns the stored lot by lot-number id, for tests.
func (s *MemoryStore) Lot(lotNumberID int64) (*ingest.Lot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lots[lotNumberID]

	return l, ok
}

// WorkOrder returns the stored work order by id, for tests.
func (s *MemoryStore) WorkOrder(workOrderID int64) (*ingest.WorkOrder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wo, ok := s.workOrders[workOrderID]

	return wo, ok
}

// Asset returns the stored asset by id, for tests.
func (s *MemoryStore) Asset(assetID int64) (*ingest.Asset, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[assetID]

	return a, ok
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error {
	return nil
}

// Close marks the store closed. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

func coalesceStr(incoming, existing *string) *string {
	if incoming != nil {
		return incoming
	}

	return existing
}

func coalesceInt(incoming, existing *int64) *int64 {
	if incoming != nil {
		return incoming
	}

	return existing
}

func coalesceFloat(incoming, existing *float64) *float64 {
	if incoming != nil {
		return incoming
	}

	return existing
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}

	return *s
}

func appendDistinctInt(list []int64, v int64) []int64 {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}

	return append(list, v)
}

func appendDistinctStr(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}

	return append(list, v)
}
