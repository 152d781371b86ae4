package ingest

import (
	"github.com/plantstream-io/plantstream/internal/codec"
)

// Entity assemblers accumulate partial field updates keyed by source location
// until the kind-specific required field set is satisfied, then hand the
// completed record to the caller for commit. Fields are first-write-wins
// during assembly; the coalescing upsert at commit time handles any later
// authoritative updates.
//
// Work orders are the exception: quantity fields arrive continuously for the
// lifetime of an order, so the work-order assembler flushes on every update
// once the identifier is known, with last-write-wins field semantics.

type (
	// ProductAssembler accumulates product fields per location.
	ProductAssembler struct {
		pending map[string]*Product
	}

	// LotAssembler accumulates lot fields per location.
	LotAssembler struct {
		pending map[string]*Lot
	}

	// WorkOrderAssembler tracks the in-progress work-order record per
	// location. Unlike the other assemblers the record persists after
	// flushing: the same order keeps receiving quantity updates.
	WorkOrderAssembler struct {
		pending map[string]*WorkOrder
	}

	// AssetAssembler accumulates equipment metadata fields per location.
	AssetAssembler struct {
		pending map[string]*Asset
	}
)

// NewProductAssembler creates an empty product assembler.
func NewProductAssembler() *ProductAssembler {
	return &ProductAssembler{pending: make(map[string]*Product)}
}

// Apply merges one product field update for the given location key.
// Returns (product, true) when the required set {itemid, itemname, itemclass,
// bottlesize, packcount} became satisfied; the in-progress record is cleared
// and ownership of the returned product passes to the caller.
func (a *ProductAssembler) Apply(key, field string, value codec.Value) (*Product, bool) {
	p, ok := a.pending[key]
	if !ok {
		p = &Product{ItemID: -1}
		a.pending[key] = p
	}

	switch field {
	case "itemid":
		if id, ok := value.Int(); ok && p.ItemID < 0 {
			p.ItemID = id
		}
	case "itemname":
		if s, ok := value.String(); ok && p.Name == nil {
			p.Name = strPtr(s)
		}
	case "itemclass":
		if s, ok := value.String(); ok && p.Class == nil {
			p.Class = strPtr(s)
		}
	case "bottlesize":
		if f, ok := value.Float(); ok && p.BottleSize == nil {
			p.BottleSize = floatPtr(f)
		}
	case "packcount":
		if n, ok := value.Int(); ok && p.PackCount == nil {
			p.PackCount = intPtr(n)
		}
	case "labelvariant":
		if s, ok := value.String(); ok && p.LabelVariant == nil {
			p.LabelVariant = strPtr(s)
		}
	case "parentitemid":
		if n, ok := value.Int(); ok && p.ParentItemID == nil {
			p.ParentItemID = intPtr(n)
		}
	}

	if p.ItemID >= 0 && p.Name != nil && p.Class != nil && p.BottleSize != nil && p.PackCount != nil {
		delete(a.pending, key)

		return p, true
	}

	return nil, false
}

// PendingItemID reports the item identifier of the in-progress product at the
// given location, if one is known. Used by the lot commit path to resolve the
// product linkage before the product itself commits.
func (a *ProductAssembler) PendingItemID(key string) (int64, bool) {
	p, ok := a.pending[key]
	if !ok || p.ItemID < 0 {
		return 0, false
	}

	return p.ItemID, true
}

// Pending reports how many in-progress records the assembler holds.
func (a *ProductAssembler) Pending() int { return len(a.pending) }

// NewLotAssembler creates an empty lot assembler.
func NewLotAssembler() *LotAssembler {
	return &LotAssembler{pending: make(map[string]*Lot)}
}

// Apply merges one lot field update for the given location key.
// Returns (lot, true) when both lotnumberid and lotnumber are present.
func (a *LotAssembler) Apply(key, field string, value codec.Value) (*Lot, bool) {
	l, ok := a.pending[key]
	if !ok {
		l = &Lot{LotNumberID: -1}
		a.pending[key] = l
	}

	switch field {
	case "lotnumberid":
		if id, ok := value.Int(); ok && l.LotNumberID < 0 {
			l.LotNumberID = id
		}
	case "lotnumber":
		if s, ok := value.String(); ok && l.LotNumber == nil {
			l.LotNumber = strPtr(s)
		}
	case "itemid":
		if id, ok := value.Int(); ok && l.ItemID == nil {
			l.ItemID = intPtr(id)
		}
	}

	if l.LotNumberID >= 0 && l.LotNumber != nil {
		delete(a.pending, key)

		return l, true
	}

	return nil, false
}

// Pending reports how many in-progress records the assembler holds.
func (a *LotAssembler) Pending() int { return len(a.pending) }

// NewWorkOrderAssembler creates an empty work-order assembler.
func NewWorkOrderAssembler() *WorkOrderAssembler {
	return &WorkOrderAssembler{pending: make(map[string]*WorkOrder)}
}

// Apply merges one work-order field update for the given location key.
// Returns (workOrder, true) whenever the identifier is known: the caller
// upserts on every update because quantities are cumulative snapshots.
// A new identifier at a location resets the record; stale quantities from the
// superseded order must not leak into the new one.
func (a *WorkOrderAssembler) Apply(key, field string, value codec.Value, site, line string) (*WorkOrder, bool) {
	wo, ok := a.pending[key]
	if !ok {
		wo = &WorkOrder{WorkOrderID: -1}
		a.pending[key] = wo
	}

	switch field {
	case "workorderid":
		id, ok := value.Int()
		if !ok {
			break
		}

		if wo.WorkOrderID >= 0 && wo.WorkOrderID != id {
			wo = &WorkOrder{WorkOrderID: id}
			a.pending[key] = wo
		} else {
			wo.WorkOrderID = id
		}

		if site != "" {
			wo.Site = strPtr(site)
		}

		if line != "" {
			wo.Line = strPtr(line)
		}
	case "workordernumber":
		if s, ok := value.String(); ok {
			wo.Number = strPtr(s)
		}
	case "quantitytarget":
		if n, ok := value.Int(); ok {
			wo.QuantityTarget = intPtr(n)
		}
	case "quantityactual":
		if n, ok := value.Int(); ok {
			wo.QuantityActual = intPtr(n)
		}
	case "quantitydefect":
		if n, ok := value.Int(); ok {
			wo.QuantityDefect = intPtr(n)
		}
	case "uom":
		if s, ok := value.String(); ok {
			wo.UOM = strPtr(s)
		}
	case "assetid":
		if n, ok := value.Int(); ok {
			wo.AssetID = intPtr(n)
		}
	}

	if wo.WorkOrderID >= 0 {
		return wo, true
	}

	return nil, false
}

// Flushable returns every in-progress work order whose identifier is known.
// Called from the drain path so partially-assembled but keyed orders are not
// lost at shutdown; records without an identifier are dropped.
func (a *WorkOrderAssembler) Flushable() []*WorkOrder {
	var out []*WorkOrder

	for _, wo := range a.pending {
		if wo.WorkOrderID >= 0 {
			out = append(out, wo)
		}
	}

	return out
}

// Pending reports how many in-progress records the assembler holds.
func (a *WorkOrderAssembler) Pending() int { return len(a.pending) }

// NewAssetAssembler creates an empty asset assembler.
func NewAssetAssembler() *AssetAssembler {
	return &AssetAssembler{pending: make(map[string]*Asset)}
}

// Apply merges one asset identifier field for the given location key.
// Returns (asset, true) once the asset identifier itself is known; further
// metadata keeps merging into later commits via the coalescing upsert.
func (a *AssetAssembler) Apply(key, field string, value codec.Value, site, area, line, equipment string) (*Asset, bool) {
	as, ok := a.pending[key]
	if !ok {
		as = &Asset{AssetID: -1, Site: site, Area: area, Line: line, Equipment: equipment}
		a.pending[key] = as
	}

	switch field {
	case "assetid":
		if id, ok := value.Int(); ok && as.AssetID < 0 {
			as.AssetID = id
		}
	case "assetname":
		if s, ok := value.String(); ok && as.Name == nil {
			as.Name = strPtr(s)
		}
	case "assetpath":
		if s, ok := value.String(); ok && as.Path == nil {
			as.Path = strPtr(s)
		}
	case "displayname":
		if s, ok := value.String(); ok && as.DisplayName == nil {
			as.DisplayName = strPtr(s)
		}
	case "assettypename":
		if s, ok := value.String(); ok && as.TypeName == nil {
			as.TypeName = strPtr(s)
		}
	case "parentassetid":
		if n, ok := value.Int(); ok && as.ParentAssetID == nil {
			as.ParentAssetID = intPtr(n)
		}
	case "sortorder":
		if n, ok := value.Int(); ok && as.SortOrder == nil {
			as.SortOrder = intPtr(n)
		}
	}

	if as.AssetID >= 0 {
		delete(a.pending, key)

		return as, true
	}

	return nil, false
}

// Pending reports how many in-progress records the assembler holds.
func (a *AssetAssembler) Pending() int { return len(a.pending) }
