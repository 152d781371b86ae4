package ingest

import (
	"testing"

	"github.com/plantstream-io/plantstream/internal/codec"
)

func value(s string) codec.Value {
	return codec.Decode([]byte(s))
}

const locKey = "Site1/Packaging/Line1/"

func TestProductAssembler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewProductAssembler()

	// Fields arrive out of order; nothing commits until the required set
	// {itemid, itemname, itemclass, bottlesize, packcount} is satisfied.
	steps := []struct {
		field string
		raw   string
	}{
		{"itemclass", `"Carbonated"`},
		{"bottlesize", "0.5"},
		{"itemid", "1001"},
		{"labelvariant", `"Summer"`},
		{"packcount", "24"},
	}

	for _, s := range steps {
		if p, done := a.Apply(locKey, s.field, value(s.raw)); done {
			t.Fatalf("Apply(%s) committed early: %+v", s.field, p)
		}
	}

	p, done := a.Apply(locKey, "itemname", value(`"Cola 500ml"`))
	if !done {
		t.Fatal("Apply(itemname) did not complete the product")
	}

	if p.ItemID != 1001 {
		t.Errorf("ItemID = %d, want 1001", p.ItemID)
	}

	if p.Name == nil || *p.Name != "Cola 500ml" {
		t.Errorf("Name = %v", p.Name)
	}

	if p.LabelVariant == nil || *p.LabelVariant != "Summer" {
		t.Errorf("LabelVariant = %v", p.LabelVariant)
	}

	// Commit cleared the in-progress record.
	if a.Pending() != 0 {
		t.Errorf("Pending() = %d after commit, want 0", a.Pending())
	}
}

func TestProductAssemblerFirstWriteWins(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewProductAssembler()

	a.Apply(locKey, "itemname", value(`"First"`))

	if _, done := a.Apply(locKey, "itemname", value(`"Second"`)); done {
		t.Fatal("Apply() committed with only a name")
	}

	a.Apply(locKey, "itemid", value("7"))
	a.Apply(locKey, "itemclass", value(`"Still"`))
	a.Apply(locKey, "bottlesize", value("1.0"))

	p, done := a.Apply(locKey, "packcount", value("6"))
	if !done {
		t.Fatal("product did not complete")
	}

	if *p.Name != "First" {
		t.Errorf("Name = %q, want First", *p.Name)
	}
}

func TestProductAssemblerPendingItemID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewProductAssembler()

	if _, ok := a.PendingItemID(locKey); ok {
		t.Error("PendingItemID() reported an id before any fields arrived")
	}

	a.Apply(locKey, "itemname", value(`"Cola"`))

	if _, ok := a.PendingItemID(locKey); ok {
		t.Error("PendingItemID() reported an id before itemid arrived")
	}

	a.Apply(locKey, "itemid", value("1001"))

	id, ok := a.PendingItemID(locKey)
	if !ok || id != 1001 {
		t.Errorf("PendingItemID() = %d,%v, want 1001,true", id, ok)
	}
}

func TestLotAssembler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewLotAssembler()

	if _, done := a.Apply(locKey, "lotnumber", value(`"LOT-77"`)); done {
		t.Fatal("Apply() committed without lotnumberid")
	}

	a.Apply(locKey, "itemid", value("1001"))

	l, done := a.Apply(locKey, "lotnumberid", value("501"))
	if !done {
		t.Fatal("lot did not complete")
	}

	if l.LotNumberID != 501 {
		t.Errorf("LotNumberID = %d, want 501", l.LotNumberID)
	}

	if l.LotNumber == nil || *l.LotNumber != "LOT-77" {
		t.Errorf("LotNumber = %v", l.LotNumber)
	}

	if l.ItemID == nil || *l.ItemID != 1001 {
		t.Errorf("ItemID = %v", l.ItemID)
	}
}

func TestWorkOrderAssemblerFlushesOnEveryUpdate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewWorkOrderAssembler()

	// No flush before the identifier is known.
	if _, flush := a.Apply(locKey, "workordernumber", value(`"WO-1"`), "Site1", "Line1"); flush {
		t.Fatal("Apply() flushed without identifier")
	}

	wo, flush := a.Apply(locKey, "workorderid", value("10"), "Site1", "Line1")
	if !flush {
		t.Fatal("Apply(workorderid) did not flush")
	}

	if wo.WorkOrderID != 10 || wo.Number == nil || *wo.Number != "WO-1" {
		t.Errorf("work order = %+v", wo)
	}

	if wo.Site == nil || *wo.Site != "Site1" {
		t.Errorf("Site = %v", wo.Site)
	}

	// Cumulative quantity snapshots: each update flushes, latest wins.
	wo, flush = a.Apply(locKey, "quantityactual", value("120"), "Site1", "Line1")
	if !flush || *wo.QuantityActual != 120 {
		t.Fatalf("quantityactual flush = %v, wo = %+v", flush, wo)
	}

	wo, _ = a.Apply(locKey, "quantityactual", value("140"), "Site1", "Line1")
	if *wo.QuantityActual != 140 {
		t.Errorf("QuantityActual = %d, want 140", *wo.QuantityActual)
	}
}

func TestWorkOrderAssemblerResetsOnNewIdentifier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewWorkOrderAssembler()

	a.Apply(locKey, "workorderid", value("10"), "Site1", "Line1")
	a.Apply(locKey, "quantityactual", value("500"), "Site1", "Line1")

	// A new identifier must not inherit the superseded order's quantities.
	wo, flush := a.Apply(locKey, "workorderid", value("11"), "Site1", "Line1")
	if !flush {
		t.Fatal("Apply(new workorderid) did not flush")
	}

	if wo.WorkOrderID != 11 {
		t.Errorf("WorkOrderID = %d, want 11", wo.WorkOrderID)
	}

	if wo.QuantityActual != nil {
		t.Errorf("QuantityActual leaked from previous order: %d", *wo.QuantityActual)
	}
}

func TestWorkOrderAssemblerFlushable(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewWorkOrderAssembler()

	a.Apply("Site1/A/L1/", "workorderid", value("10"), "Site1", "L1")
	a.Apply("Site1/A/L2/", "workordernumber", value(`"WO-9"`), "Site1", "L2")

	flushable := a.Flushable()
	if len(flushable) != 1 {
		t.Fatalf("Flushable() = %d orders, want 1", len(flushable))
	}

	if flushable[0].WorkOrderID != 10 {
		t.Errorf("Flushable()[0].WorkOrderID = %d, want 10", flushable[0].WorkOrderID)
	}
}

func TestAssetAssembler(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	a := NewAssetAssembler()

	if _, done := a.Apply(locKey, "assetname", value(`"Filler 3"`), "Site1", "Packaging", "Line1", "Filler"); done {
		t.Fatal("Apply() committed without assetid")
	}

	as, done := a.Apply(locKey, "assetid", value("301"), "Site1", "Packaging", "Line1", "Filler")
	if !done {
		t.Fatal("asset did not commit on assetid")
	}

	if as.AssetID != 301 {
		t.Errorf("AssetID = %d, want 301", as.AssetID)
	}

	if as.Name == nil || *as.Name != "Filler 3" {
		t.Errorf("Name = %v", as.Name)
	}

	if as.Site != "Site1" || as.Equipment != "Filler" {
		t.Errorf("location = %s/%s", as.Site, as.Equipment)
	}
}
