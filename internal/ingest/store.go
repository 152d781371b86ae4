package ingest

import "context"

// Store defines the persistence gateway the aggregation engine writes through.
//
// All upserts are idempotent and keyed by business key. Coalescing merge
// semantics: an incoming nil attribute never clobbers a stored non-nil value,
// while an incoming non-nil value overwrites (the source is authoritative for
// fields it reports). Insert operations are append-only and never updated.
//
// Implementations are not required to be safe for concurrent use: the
// Coordinator serializes every call behind its critical section.
type Store interface {
	// UpsertProduct inserts or coalesce-merges a product by ItemID.
	UpsertProduct(ctx context.Context, product *Product) error

	// UpsertLot inserts or coalesce-merges a lot by LotNumberID, resolving
	// the product linkage from ItemID when set.
	UpsertLot(ctx context.Context, lot *Lot) error

	// UpsertWorkOrder inserts or coalesce-merges a work order by
	// WorkOrderID. Called on every field update once the identifier is
	// known, not just on completeness, because quantity fields arrive
	// continuously.
	UpsertWorkOrder(ctx context.Context, workOrder *WorkOrder) error

	// UpsertAsset inserts or coalesce-merges equipment metadata by AssetID.
	UpsertAsset(ctx context.Context, asset *Asset) error

	// GetOrCreateState returns the id of the state lookup row for the
	// (code, name, type) triple, creating it on first sighting.
	GetOrCreateState(ctx context.Context, code *int64, name string, stateType *string) (int64, error)

	// GetOrCreateAssetType returns the id of the asset type lookup row,
	// creating it on first sighting.
	GetOrCreateAssetType(ctx context.Context, name string) (int64, error)

	// InsertStateChangeEvent appends one state transition record.
	InsertStateChangeEvent(ctx context.Context, event *StateChangeEvent) error

	// InsertWorkOrderCompletion appends one completion snapshot.
	InsertWorkOrderCompletion(ctx context.Context, completion *WorkOrderCompletion) error

	// UpsertMetricBucket replaces the bucket row for
	// (BucketStart, Site, Line). Last write wins: re-flushing the same
	// window overwrites, never duplicates.
	UpsertMetricBucket(ctx context.Context, bucket *MetricBucket) error

	// InsertRawBatch appends a batch of captured raw messages.
	InsertRawBatch(ctx context.Context, batch []RawMessage) error

	// GetWorkOrderSnapshot reads the durable work-order row by business key.
	// Returns (nil, nil) when no row exists; the caller falls back to its
	// in-memory cache.
	GetWorkOrderSnapshot(ctx context.Context, workOrderID int64) (*WorkOrder, error)

	// HealthCheck verifies the backend is ready to serve writes.
	HealthCheck(ctx context.Context) error

	// Close releases the backend. The Coordinator calls this last in its
	// drain sequence.
	Close() error
}
