package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/plantstream-io/plantstream/internal/codec"
	"github.com/plantstream-io/plantstream/internal/config"
	"github.com/plantstream-io/plantstream/internal/topic"
)

// Sentinel errors for the ingestion path.
var (
	// ErrCoordinatorClosed is returned when an event arrives after the
	// drain sequence started.
	ErrCoordinatorClosed = errors.New("ingestion coordinator is closed")

	// ErrStoreWrite wraps durable-store failures. These are not recovered
	// locally: the ingestion loop stops and the operator restarts the
	// process.
	ErrStoreWrite = errors.New("durable store write failed")
)

type (
	// CoordinatorConfig holds tunables for the ingestion engine.
	CoordinatorConfig struct {
		// CaptureRaw enables the audit buffer for raw inbound events.
		CaptureRaw bool

		// BucketWidth is the tumbling metric window width.
		BucketWidth time.Duration

		// RawBatchSize is the raw capture flush threshold.
		RawBatchSize int

		// Clock overrides the time source, for tests. Defaults to time.Now.
		Clock func() time.Time
	}

	// Coordinator owns the single critical section of the collector. It
	// routes each decoded event to the assemblers, the bucketer, the
	// lifecycle tracker, and the state logger, triggers lazy window
	// rollover, and coordinates buffer flushes.
	//
	// All in-memory state and all store writes are serialized behind one
	// mutex held for the duration of processing one event; the transport
	// may deliver from any goroutine.
	Coordinator struct {
		mu     sync.Mutex
		closed bool

		decoder *topic.Decoder
		store   Store
		logger  *slog.Logger
		clock   func() time.Time

		captureRaw bool
		rawBuf     *RawBuffer
		bucketer   *Bucketer

		products   *ProductAssembler
		lots       *LotAssembler
		workOrders *WorkOrderAssembler
		assets     *AssetAssembler

		lifecycle *LifecycleTracker
		states    *StateLogger

		// stateIDs caches name to lookup-row id so repeated retained state
		// messages skip the store round trip.
		stateIDs map[string]int64

		received int64
		stored   int64
	}

	// CoordinatorStats is a point-in-time counter snapshot.
	CoordinatorStats struct {
		Received int64
		Stored   int64
	}
)

// LoadCoordinatorConfig reads coordinator tunables from the environment.
func LoadCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		CaptureRaw:   config.GetEnvBool("CAPTURE_RAW", false),
		BucketWidth:  config.GetEnvDuration("BUCKET_WIDTH", DefaultBucketWidth),
		RawBatchSize: config.GetEnvInt("RAW_BATCH_SIZE", DefaultRawBatchSize),
	}
}

// NewCoordinator creates the ingestion engine. The decoder and store are
// required collaborators; cfg zero values fall back to defaults.
func NewCoordinator(decoder *topic.Decoder, store Store, cfg CoordinatorConfig) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Coordinator{
		decoder: decoder,
		store:   store,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		clock:      clock,
		captureRaw: cfg.CaptureRaw,
		rawBuf:     NewRawBuffer(cfg.RawBatchSize),
		bucketer:   NewBucketer(cfg.BucketWidth, clock()),
		products:   NewProductAssembler(),
		lots:       NewLotAssembler(),
		workOrders: NewWorkOrderAssembler(),
		assets:     NewAssetAssembler(),
		lifecycle:  NewLifecycleTracker(),
		states:     NewStateLogger(),
		stateIDs:   make(map[string]int64),
	}
}

// HandleMessage processes one inbound (topic, payload) event.
//
// Undecodable topics are dropped silently: out-of-scope vendor traffic is
// expected, not an error. Store write failures are returned wrapped in
// ErrStoreWrite and are fatal to the ingestion loop.
func (c *Coordinator) HandleMessage(rawTopic string, payload []byte) error {
	event, ok := c.decoder.Decode(rawTopic)
	if !ok {
		return nil
	}

	value := codec.Decode(payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCoordinatorClosed
	}

	c.received++
	now := c.clock()
	ctx := context.Background()

	if c.captureRaw {
		if err := c.captureRawMessage(ctx, rawTopic, payload, value, now); err != nil {
			return err
		}
	}

	// Lazy rollover: flush the previous window before this event lands.
	if err := c.flushBuckets(ctx, c.bucketer.Rollover(now)); err != nil {
		return err
	}

	if err := c.route(ctx, event, value, now); err != nil {
		return err
	}

	c.stored++

	return nil
}

// FlushDue flushes the open metric window if its boundary has passed. This
// is the opt-in periodic correction for quiet streams; the source behavior
// (rollover only on the next event) is preserved when nothing calls it.
func (c *Coordinator) FlushDue(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrCoordinatorClosed
	}

	return c.flushBuckets(ctx, c.bucketer.Rollover(c.clock()))
}

// Stats returns the current message counters.
func (c *Coordinator) Stats() CoordinatorStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CoordinatorStats{Received: c.received, Stored: c.stored}
}

// Close runs the drain sequence: stop accepting events, flush the open
// metric window(s), flush work orders whose identifier is known (other
// incomplete assembler records are discarded by design), flush the raw
// capture buffer, then close the store. Safe to call once; later events get
// ErrCoordinatorClosed.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	var errs []error

	if err := c.flushBuckets(ctx, c.bucketer.Drain()); err != nil {
		errs = append(errs, err)
	}

	for _, wo := range c.workOrders.Flushable() {
		if err := c.store.UpsertWorkOrder(ctx, wo); err != nil {
			errs = append(errs, fmt.Errorf("%w: work order %d: %w", ErrStoreWrite, wo.WorkOrderID, err))
		}
	}

	if batch := c.rawBuf.Drain(); batch != nil {
		if err := c.store.InsertRawBatch(ctx, batch); err != nil {
			errs = append(errs, fmt.Errorf("%w: raw batch: %w", ErrStoreWrite, err))
		}
	}

	if err := c.store.Close(); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("ingestion drained",
		slog.Int64("received", c.received),
		slog.Int64("stored", c.stored),
	)

	return errors.Join(errs...)
}

func (c *Coordinator) captureRawMessage(
	ctx context.Context,
	rawTopic string,
	payload []byte,
	value codec.Value,
	now time.Time,
) error {
	msg := RawMessage{
		Topic:       rawTopic,
		Payload:     payload,
		PayloadKind: string(value.Kind),
		ReceivedAt:  now,
	}

	if value.Kind != codec.KindBinary {
		msg.PayloadText = strPtr(value.Text)
	}

	batch := c.rawBuf.Append(msg)
	if batch == nil {
		return nil
	}

	if err := c.store.InsertRawBatch(ctx, batch); err != nil {
		return fmt.Errorf("%w: raw batch: %w", ErrStoreWrite, err)
	}

	return nil
}

func (c *Coordinator) flushBuckets(ctx context.Context, buckets []*MetricBucket) error {
	for _, bucket := range buckets {
		if err := c.store.UpsertMetricBucket(ctx, bucket); err != nil {
			return fmt.Errorf("%w: metric bucket %s/%s: %w", ErrStoreWrite, bucket.Site, bucket.Line, err)
		}
	}

	return nil
}

// route dispatches one decoded event to its category handler. The category
// set is closed; the default arm drops anything the decoder vocabulary might
// grow to include before a handler exists.
func (c *Coordinator) route(ctx context.Context, event topic.Event, value codec.Value, now time.Time) error {
	switch event.Category {
	case topic.CategoryLot:
		return c.handleLotPath(ctx, event.Location, event.FieldPath, value)
	case topic.CategoryWorkOrder:
		return c.handleWorkOrderPath(ctx, event.Location, event.FieldPath, value, now)
	case topic.CategoryState:
		return c.handleState(ctx, event.Location, event.FieldPath, value)
	case topic.CategoryNode:
		return c.handleNode(ctx, event.Location, event.FieldPath, value)
	case topic.CategoryMetric, topic.CategoryProcessData:
		c.handleMetric(event.Location, event.FieldPath, value)

		return nil
	case topic.CategoryUnknown:
		return nil
	default:
		return nil
	}
}

// handleLotPath routes lot-category field paths. Product fields travel
// nested under the lot tree ("item/itemid" and friends) and are forwarded to
// the product assembler.
func (c *Coordinator) handleLotPath(ctx context.Context, loc topic.Location, fieldPath string, value codec.Value) error {
	if rest, ok := strings.CutPrefix(fieldPath, "item/"); ok {
		return c.applyProductField(ctx, loc, lastSegment(rest), value)
	}

	return c.applyLotField(ctx, loc, lastSegment(fieldPath), value)
}

// handleWorkOrderPath routes work-order-category field paths. Lot and
// product fields can travel nested under the work-order tree.
func (c *Coordinator) handleWorkOrderPath(
	ctx context.Context,
	loc topic.Location,
	fieldPath string,
	value codec.Value,
	now time.Time,
) error {
	if rest, ok := strings.CutPrefix(fieldPath, "lotnumber/"); ok {
		if itemRest, ok := strings.CutPrefix(rest, "item/"); ok {
			return c.applyProductField(ctx, loc, lastSegment(itemRest), value)
		}

		return c.applyLotField(ctx, loc, lastSegment(rest), value)
	}

	return c.applyWorkOrderField(ctx, loc, lastSegment(fieldPath), value, now)
}

func (c *Coordinator) applyProductField(ctx context.Context, loc topic.Location, field string, value codec.Value) error {
	product, done := c.products.Apply(loc.Key(), field, value)
	if !done {
		return nil
	}

	if err := c.store.UpsertProduct(ctx, product); err != nil {
		return fmt.Errorf("%w: product %d: %w", ErrStoreWrite, product.ItemID, err)
	}

	return nil
}

func (c *Coordinator) applyLotField(ctx context.Context, loc topic.Location, field string, value codec.Value) error {
	lot, done := c.lots.Apply(loc.Key(), field, value)
	if !done {
		return nil
	}

	// Resolve the product linkage from the in-progress product at the same
	// location when the lot fields didn't carry an item id themselves. The
	// store falls back to a durable lookup by identifier at upsert time.
	if lot.ItemID == nil {
		if itemID, ok := c.products.PendingItemID(loc.Key()); ok {
			lot.ItemID = intPtr(itemID)
		}
	}

	if err := c.store.UpsertLot(ctx, lot); err != nil {
		return fmt.Errorf("%w: lot %d: %w", ErrStoreWrite, lot.LotNumberID, err)
	}

	return nil
}

func (c *Coordinator) applyWorkOrderField(
	ctx context.Context,
	loc topic.Location,
	field string,
	value codec.Value,
	now time.Time,
) error {
	// Lifecycle first: an identifier change must emit the completion for
	// the outgoing order before the assembler resets to the incoming one.
	if field == "workorderid" {
		if id, ok := value.Int(); ok {
			if err := c.observeWorkOrderID(ctx, loc, id, now); err != nil {
				return err
			}
		}
	}

	workOrder, flush := c.workOrders.Apply(loc.Key(), field, value, loc.Site, loc.Line)
	if !flush {
		return nil
	}

	if err := c.store.UpsertWorkOrder(ctx, workOrder); err != nil {
		return fmt.Errorf("%w: work order %d: %w", ErrStoreWrite, workOrder.WorkOrderID, err)
	}

	c.lifecycle.CacheAttributes(loc.Key(), workOrder)

	return nil
}

func (c *Coordinator) observeWorkOrderID(ctx context.Context, loc topic.Location, id int64, now time.Time) error {
	transition, ok := c.lifecycle.Observe(loc.Key(), id, now)
	if !ok {
		return nil
	}

	// Durable row is the source of truth; it survives process restarts.
	snapshot, err := c.store.GetWorkOrderSnapshot(ctx, transition.OutgoingID)
	if err != nil {
		return fmt.Errorf("%w: work order snapshot %d: %w", ErrStoreWrite, transition.OutgoingID, err)
	}

	completion := BuildCompletion(transition, loc, snapshot, c.bucketer.Snapshot(loc.Site, loc.Line), now)

	if err := c.store.InsertWorkOrderCompletion(ctx, completion); err != nil {
		return fmt.Errorf("%w: completion %d: %w", ErrStoreWrite, transition.OutgoingID, err)
	}

	c.logger.Info("work order completed",
		slog.Int64("work_order_id", transition.OutgoingID),
		slog.Int64("next_work_order_id", transition.IncomingID),
		slog.String("location", loc.Key()),
		slog.Float64("duration_seconds", completion.DurationSeconds),
	)

	return nil
}

func (c *Coordinator) handleState(ctx context.Context, loc topic.Location, fieldPath string, value codec.Value) error {
	// Only the name field drives transition logging; code and duration
	// arrive as separate messages and are not tracked independently.
	if lastSegment(fieldPath) != "name" {
		return nil
	}

	name, ok := value.String()
	if !ok {
		return nil
	}

	stateID, cached := c.stateIDs[name]
	if !cached {
		id, err := c.store.GetOrCreateState(ctx, nil, name, nil)
		if err != nil {
			return fmt.Errorf("%w: state %q: %w", ErrStoreWrite, name, err)
		}

		stateID = id
		c.stateIDs[name] = id
	}

	prev, changed := c.states.Observe(loc.Key(), stateID)
	if !changed {
		return nil
	}

	event := &StateChangeEvent{
		Site:        loc.Site,
		Area:        loc.Area,
		Line:        loc.Line,
		Equipment:   loc.Equipment,
		StateID:     stateID,
		PrevStateID: prev,
	}

	if err := c.store.InsertStateChangeEvent(ctx, event); err != nil {
		return fmt.Errorf("%w: state change: %w", ErrStoreWrite, err)
	}

	return nil
}

func (c *Coordinator) handleNode(ctx context.Context, loc topic.Location, fieldPath string, value codec.Value) error {
	rest, ok := strings.CutPrefix(fieldPath, "assetidentifier/")
	if !ok {
		return nil
	}

	field := lastSegment(rest)

	if field == "assettypename" {
		if name, ok := value.String(); ok {
			if _, err := c.store.GetOrCreateAssetType(ctx, name); err != nil {
				return fmt.Errorf("%w: asset type %q: %w", ErrStoreWrite, name, err)
			}
		}
	}

	asset, done := c.assets.Apply(loc.Key(), field, value, loc.Site, loc.Area, loc.Line, loc.Equipment)
	if !done {
		return nil
	}

	if err := c.store.UpsertAsset(ctx, asset); err != nil {
		return fmt.Errorf("%w: asset %d: %w", ErrStoreWrite, asset.AssetID, err)
	}

	return nil
}

// handleMetric feeds one sample into the open bucket. A field that fails
// numeric coercion is dropped alone; nothing else in the event is affected.
func (c *Coordinator) handleMetric(loc topic.Location, fieldPath string, value codec.Value) {
	sample, ok := value.Float()
	if !ok {
		c.bucketer.Touch(loc.Site, loc.Line, loc.Equipment)

		return
	}

	c.bucketer.Apply(loc.Site, loc.Line, loc.Equipment, fieldPath, sample)
}

// lastSegment returns the final path segment of a field path.
func lastSegment(fieldPath string) string {
	if idx := strings.LastIndexByte(fieldPath, '/'); idx >= 0 {
		return fieldPath[idx+1:]
	}

	return fieldPath
}
