package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/lib/pq"

	"github.com/plantstream-io/plantstream/internal/config"
	"github.com/plantstream-io/plantstream/internal/ingest"
	"github.com/plantstream-io/plantstream/internal/replay"
)

// Compile-time interface checks.
var (
	_ ingest.Store = (*PlantStore)(nil)
	_ replay.Store = (*PlantStore)(nil)
)

// PlantStore implements the persistence gateway against PostgreSQL.
//
// Reference entity upserts use coalescing merges so partial field updates
// accumulate: an incoming NULL never clobbers a stored value, an incoming
// non-NULL overwrites. Metric buckets use plain last-write-wins replacement.
type PlantStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPlantStore creates a PostgreSQL-backed store over an established
// connection pool.
func NewPlantStore(conn *Connection) *PlantStore {
	return &PlantStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// UpsertProduct inserts or coalesce-merges a product by its external item id.
func (s *PlantStore) UpsertProduct(ctx context.Context, product *ingest.Product) error {
	query := `
		INSERT INTO products (item_id, name, item_class, bottle_size, pack_count, label_variant, parent_item_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (item_id) DO UPDATE SET
			name           = COALESCE(EXCLUDED.name, products.name),
			item_class     = COALESCE(EXCLUDED.item_class, products.item_class),
			bottle_size    = COALESCE(EXCLUDED.bottle_size, products.bottle_size),
			pack_count     = COALESCE(EXCLUDED.pack_count, products.pack_count),
			label_variant  = COALESCE(EXCLUDED.label_variant, products.label_variant),
			parent_item_id = COALESCE(EXCLUDED.parent_item_id, products.parent_item_id),
			updated_at     = NOW()
	`

	_, err := s.conn.ExecContext(ctx, query,
		product.ItemID,
		product.Name,
		product.Class,
		product.BottleSize,
		product.PackCount,
		product.LabelVariant,
		product.ParentItemID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert product %d: %w", product.ItemID, err)
	}

	return nil
}

// UpsertLot inserts or coalesce-merges a lot by its external lot-number id.
func (s *PlantStore) UpsertLot(ctx context.Context, lot *ingest.Lot) error {
	query := `
		INSERT INTO lots (lot_number_id, lot_number, item_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (lot_number_id) DO UPDATE SET
			lot_number = COALESCE(EXCLUDED.lot_number, lots.lot_number),
			item_id    = COALESCE(EXCLUDED.item_id, lots.item_id),
			updated_at = NOW()
	`

	_, err := s.conn.ExecContext(ctx, query, lot.LotNumberID, lot.LotNumber, lot.ItemID)
	if err != nil {
		return fmt.Errorf("failed to upsert lot %d: %w", lot.LotNumberID, err)
	}

	return nil
}

// UpsertWorkOrder inserts or coalesce-merges a work order by its external id.
// Quantity columns coalesce like the rest: equipment reports cumulative
// snapshots, so any non-NULL incoming value is the newest truth.
func (s *PlantStore) UpsertWorkOrder(ctx context.Context, workOrder *ingest.WorkOrder) error {
	query := `
		INSERT INTO work_orders (work_order_id, work_order_number, quantity_target, quantity_actual,
			quantity_defect, uom, asset_id, site, line)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (work_order_id) DO UPDATE SET
			work_order_number = COALESCE(EXCLUDED.work_order_number, work_orders.work_order_number),
			quantity_target   = COALESCE(EXCLUDED.quantity_target, work_orders.quantity_target),
			quantity_actual   = COALESCE(EXCLUDED.quantity_actual, work_orders.quantity_actual),
			quantity_defect   = COALESCE(EXCLUDED.quantity_defect, work_orders.quantity_defect),
			uom               = COALESCE(EXCLUDED.uom, work_orders.uom),
			asset_id          = COALESCE(EXCLUDED.asset_id, work_orders.asset_id),
			site              = COALESCE(EXCLUDED.site, work_orders.site),
			line              = COALESCE(EXCLUDED.line, work_orders.line),
			updated_at        = NOW()
	`

	_, err := s.conn.ExecContext(ctx, query,
		workOrder.WorkOrderID,
		workOrder.Number,
		workOrder.QuantityTarget,
		workOrder.QuantityActual,
		workOrder.QuantityDefect,
		workOrder.UOM,
		workOrder.AssetID,
		workOrder.Site,
		workOrder.Line,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert work order %d: %w", workOrder.WorkOrderID, err)
	}

	return nil
}

// UpsertAsset inserts or coalesce-merges equipment metadata by asset id.
func (s *PlantStore) UpsertAsset(ctx context.Context, asset *ingest.Asset) error {
	query := `
		INSERT INTO assets (asset_id, name, path, display_name, asset_type_name, parent_asset_id,
			sort_order, site, area, line, equipment)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (asset_id) DO UPDATE SET
			name            = COALESCE(EXCLUDED.name, assets.name),
			path            = COALESCE(EXCLUDED.path, assets.path),
			display_name    = COALESCE(EXCLUDED.display_name, assets.display_name),
			asset_type_name = COALESCE(EXCLUDED.asset_type_name, assets.asset_type_name),
			parent_asset_id = COALESCE(EXCLUDED.parent_asset_id, assets.parent_asset_id),
			sort_order      = COALESCE(EXCLUDED.sort_order, assets.sort_order),
			site            = EXCLUDED.site,
			area            = EXCLUDED.area,
			line            = EXCLUDED.line,
			equipment       = EXCLUDED.equipment,
			updated_at      = NOW()
	`

	_, err := s.conn.ExecContext(ctx, query,
		asset.AssetID,
		asset.Name,
		asset.Path,
		asset.DisplayName,
		asset.TypeName,
		asset.ParentAssetID,
		asset.SortOrder,
		asset.Site,
		asset.Area,
		asset.Line,
		asset.Equipment,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %d: %w", asset.AssetID, err)
	}

	return nil
}

// GetOrCreateState returns the id of the state lookup row for the
// (code, name, type) triple, creating it on first sighting. The unique index
// is over COALESCE expressions so NULL code/type participate in identity.
func (s *PlantStore) GetOrCreateState(ctx context.Context, code *int64, name string, stateType *string) (int64, error) {
	insert := `
		INSERT INTO states (code, name, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (COALESCE(code, -1), name, COALESCE(type, '')) DO NOTHING
	`

	if _, err := s.conn.ExecContext(ctx, insert, code, name, stateType); err != nil {
		return 0, fmt.Errorf("failed to insert state %q: %w", name, err)
	}

	query := `
		SELECT id FROM states
		WHERE code IS NOT DISTINCT FROM $1 AND name = $2 AND type IS NOT DISTINCT FROM $3
	`

	var id int64
	if err := s.conn.QueryRowContext(ctx, query, code, name, stateType).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up state %q: %w", name, err)
	}

	return id, nil
}

// GetOrCreateAssetType returns the id of the asset type lookup row by name,
// creating it on first sighting.
func (s *PlantStore) GetOrCreateAssetType(ctx context.Context, name string) (int64, error) {
	insert := `INSERT INTO asset_types (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`

	if _, err := s.conn.ExecContext(ctx, insert, name); err != nil {
		return 0, fmt.Errorf("failed to insert asset type %q: %w", name, err)
	}

	var id int64
	if err := s.conn.QueryRowContext(ctx, `SELECT id FROM asset_types WHERE name = $1`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up asset type %q: %w", name, err)
	}

	return id, nil
}

// InsertStateChangeEvent appends one state transition record.
func (s *PlantStore) InsertStateChangeEvent(ctx context.Context, event *ingest.StateChangeEvent) error {
	query := `
		INSERT INTO state_events (site, area, line, equipment, state_id, prev_state_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.conn.ExecContext(ctx, query,
		event.Site,
		event.Area,
		event.Line,
		event.Equipment,
		event.StateID,
		event.PrevStateID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert state event: %w", err)
	}

	return nil
}

// InsertWorkOrderCompletion appends one completion snapshot.
func (s *PlantStore) InsertWorkOrderCompletion(ctx context.Context, completion *ingest.WorkOrderCompletion) error {
	query := `
		INSERT INTO work_order_completions (id, site, area, line, equipment, work_order_id,
			next_work_order_id, work_order_number, quantity_target, quantity_actual, quantity_defect,
			uom, completion_pct, started_at, completed_at, duration_seconds,
			final_availability, final_performance, final_quality, final_oee,
			final_count_infeed, final_count_outfeed, final_count_defect)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23)
	`

	_, err := s.conn.ExecContext(ctx, query,
		completion.ID,
		completion.Site,
		completion.Area,
		completion.Line,
		completion.Equipment,
		completion.WorkOrderID,
		completion.NextWorkOrderID,
		completion.Number,
		completion.QuantityTarget,
		completion.QuantityActual,
		completion.QuantityDefect,
		completion.UOM,
		completion.CompletionPct,
		completion.StartedAt,
		completion.CompletedAt,
		completion.DurationSeconds,
		completion.FinalAvailability,
		completion.FinalPerformance,
		completion.FinalQuality,
		completion.FinalOEE,
		completion.FinalCountInfeed,
		completion.FinalCountOutfeed,
		completion.FinalCountDefect,
	)
	if err != nil {
		return fmt.Errorf("failed to insert completion for work order %d: %w", completion.WorkOrderID, err)
	}

	return nil
}

// UpsertMetricBucket replaces the bucket row for (bucket, site, line). The
// bucket arrives fully aggregated; a re-flush of the same window overwrites.
func (s *PlantStore) UpsertMetricBucket(ctx context.Context, bucket *ingest.MetricBucket) error {
	query := `
		INSERT INTO metrics_10s (bucket, site, line, availability, performance, quality, oee,
			count_infeed, count_outfeed, count_defect,
			time_running, time_idle, time_down_planned, time_down_unplanned,
			rate_actual, rate_standard, temperature, flow_rate, weight, equipment_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (bucket, site, line) DO UPDATE SET
			availability        = EXCLUDED.availability,
			performance         = EXCLUDED.performance,
			quality             = EXCLUDED.quality,
			oee                 = EXCLUDED.oee,
			count_infeed        = EXCLUDED.count_infeed,
			count_outfeed       = EXCLUDED.count_outfeed,
			count_defect        = EXCLUDED.count_defect,
			time_running        = EXCLUDED.time_running,
			time_idle           = EXCLUDED.time_idle,
			time_down_planned   = EXCLUDED.time_down_planned,
			time_down_unplanned = EXCLUDED.time_down_unplanned,
			rate_actual         = EXCLUDED.rate_actual,
			rate_standard       = EXCLUDED.rate_standard,
			temperature         = EXCLUDED.temperature,
			flow_rate           = EXCLUDED.flow_rate,
			weight              = EXCLUDED.weight,
			equipment_count     = EXCLUDED.equipment_count
	`

	_, err := s.conn.ExecContext(ctx, query,
		bucket.BucketStart,
		bucket.Site,
		bucket.Line,
		bucket.Availability,
		bucket.Performance,
		bucket.Quality,
		bucket.OEE,
		bucket.CountInfeed,
		bucket.CountOutfeed,
		bucket.CountDefect,
		bucket.TimeRunning,
		bucket.TimeIdle,
		bucket.TimeDownPlanned,
		bucket.TimeDownUnplanned,
		bucket.RateActual,
		bucket.RateStandard,
		bucket.Temperature,
		bucket.FlowRate,
		bucket.Weight,
		bucket.EquipmentCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert metric bucket %s/%s: %w", bucket.Site, bucket.Line, err)
	}

	return nil
}

// InsertRawBatch bulk-loads captured raw messages with COPY inside one
// transaction.
func (s *PlantStore) InsertRawBatch(ctx context.Context, batch []ingest.RawMessage) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin raw batch transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("messages_raw",
		"topic", "payload", "payload_text", "payload_kind", "received_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare raw batch copy: %w", err)
	}

	for _, msg := range batch {
		if _, err := stmt.ExecContext(ctx, msg.Topic, msg.Payload, msg.PayloadText, msg.PayloadKind, msg.ReceivedAt); err != nil {
			_ = stmt.Close()

			return fmt.Errorf("failed to buffer raw message: %w", err)
		}
	}

	// Final Exec flushes the COPY stream.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()

		return fmt.Errorf("failed to flush raw batch: %w", err)
	}

	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close raw batch copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit raw batch: %w", err)
	}

	s.logger.Debug("raw batch persisted", slog.Int("count", len(batch)))

	return nil
}

// GetWorkOrderSnapshot reads the durable work-order row by its external id.
// Returns (nil, nil) when no row exists.
func (s *PlantStore) GetWorkOrderSnapshot(ctx context.Context, workOrderID int64) (*ingest.WorkOrder, error) {
	query := `
		SELECT work_order_id, work_order_number, quantity_target, quantity_actual, quantity_defect,
			uom, asset_id, site, line
		FROM work_orders
		WHERE work_order_id = $1
	`

	var workOrder ingest.WorkOrder

	err := s.conn.QueryRowContext(ctx, query, workOrderID).Scan(
		&workOrder.WorkOrderID,
		&workOrder.Number,
		&workOrder.QuantityTarget,
		&workOrder.QuantityActual,
		&workOrder.QuantityDefect,
		&workOrder.UOM,
		&workOrder.AssetID,
		&workOrder.Site,
		&workOrder.Line,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read work order %d: %w", workOrderID, err)
	}

	return &workOrder, nil
}

// ListWorkOrderUsage aggregates identifier and location usage per work order
// number for replay classification.
func (s *PlantStore) ListWorkOrderUsage(ctx context.Context) ([]replay.Usage, error) {
	query := `
		SELECT work_order_number,
			array_agg(DISTINCT work_order_id),
			array_agg(DISTINCT COALESCE(site, '') || '/' || COALESCE(line, '')),
			array_agg(DISTINCT uom) FILTER (WHERE uom IS NOT NULL)
		FROM work_orders
		WHERE work_order_number IS NOT NULL
		GROUP BY work_order_number
		ORDER BY work_order_number
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query work order usage: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var usages []replay.Usage

	for rows.Next() {
		var (
			usage     replay.Usage
			ids       pq.Int64Array
			locations pq.StringArray
			uoms      pq.StringArray
		)

		if err := rows.Scan(&usage.Number, &ids, &locations, &uoms); err != nil {
			return nil, fmt.Errorf("failed to scan work order usage: %w", err)
		}

		usage.WorkOrderIDs = []int64(ids)
		usage.Locations = []string(locations)
		usage.UOMs = []string(uoms)

		usages = append(usages, usage)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate work order usage: %w", err)
	}

	return usages, nil
}

// HealthCheck verifies database connectivity.
func (s *PlantStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// Close closes the underlying connection pool. Safe to call multiple times.
func (s *PlantStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}

	return nil
}
