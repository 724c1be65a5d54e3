package costing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/procurement"
)

func TestAllocateCorrectionWalksLayersOldestFirst(t *testing.T) {
	store := newMemStore(newMemLedger())
	source := newMemSource()
	source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 12, ReceivedQty: 12, ContractUnitPrice: 50, Currency: "EUR"})
	for i := 0; i < 3; i++ {
		store.addLayer(ValuationLayer{
			SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
			Quantity: 4, UnitCost: 50, Value: 200, RemainingQty: 4, RemainingValue: 200,
		})
	}

	alloc, err := NewAllocator(store, source, nil, nil).AllocateCorrection(
		context.Background(), testContext(),
		Document{ID: 500, Type: DocTypeVendorBill, Currency: "EUR"},
		InvoiceLine{ID: 900, SourceLineID: 1, ProductID: 7, Quantity: 6, UnitPrice: 60},
	)
	require.NoError(t, err)
	require.Len(t, alloc.Corrections, 2)

	require.Equal(t, int64(1), alloc.Corrections[0].Layer.ID)
	require.InDelta(t, 4.0, alloc.Corrections[0].Quantity, 1e-9)
	require.InDelta(t, 10.0, alloc.Corrections[0].UnitPriceDelta, 1e-9)

	require.Equal(t, int64(2), alloc.Corrections[1].Layer.ID)
	require.InDelta(t, 2.0, alloc.Corrections[1].Quantity, 1e-9)
	require.InDelta(t, 10.0, alloc.Corrections[1].UnitPriceDelta, 1e-9)

	require.Zero(t, alloc.UnallocatedQty)
}

// Two bills covering disjoint slices of one receipt must never correct the
// same quantity window twice, in either posting order.
func TestAllocateCorrectionSkipsQuantityClaimedElsewhere(t *testing.T) {
	store := newMemStore(newMemLedger())
	source := newMemSource()
	// 10 received, 4 already shipped out: one layer with 6 remaining.
	source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 10, ReceivedQty: 10, ContractUnitPrice: 50, Currency: "EUR"})
	layer := store.addLayer(ValuationLayer{
		SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
		Quantity: 10, UnitCost: 50, Value: 500, RemainingQty: 6, RemainingValue: 300,
	})

	allocator := NewAllocator(store, source, nil, nil)
	doc := Document{ID: 500, Type: DocTypeVendorBill, Currency: "EUR"}

	// First bill for 6 units: 4 of them cover the shipped-out quantity, so
	// only 2 touch the layer.
	first, err := allocator.AllocateCorrection(context.Background(), testContext(), doc,
		InvoiceLine{ID: 900, SourceLineID: 1, ProductID: 7, Quantity: 6, UnitPrice: 60})
	require.NoError(t, err)
	require.Len(t, first.Corrections, 1)
	require.InDelta(t, 2.0, first.Corrections[0].Quantity, 1e-9)

	// Second bill for the other 4 units: the first bill claimed 2 units of
	// the layer beyond the shipped-out 4, so those 2 are skipped inside it.
	source.registerPosted(1, 900, 6)
	second, err := allocator.AllocateCorrection(context.Background(), testContext(), doc,
		InvoiceLine{ID: 901, SourceLineID: 1, ProductID: 7, Quantity: 4, UnitPrice: 60})
	require.NoError(t, err)
	require.Len(t, second.Corrections, 1)
	require.InDelta(t, 4.0, second.Corrections[0].Quantity, 1e-9)

	corrected := first.Corrections[0].Quantity + second.Corrections[0].Quantity
	require.LessOrEqual(t, corrected, layer.RemainingQty+1e-9)
}

func TestAllocateCorrectionIdempotentOncePriorBillCounted(t *testing.T) {
	store := newMemStore(newMemLedger())
	source := newMemSource()
	source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 10, ReceivedQty: 4, ContractUnitPrice: 50, Currency: "EUR"})
	store.addLayer(ValuationLayer{
		SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
		Quantity: 4, UnitCost: 50, Value: 200, RemainingQty: 4, RemainingValue: 200,
	})

	allocator := NewAllocator(store, source, nil, nil)
	doc := Document{ID: 500, Type: DocTypeVendorBill, Currency: "EUR"}

	first, err := allocator.AllocateCorrection(context.Background(), testContext(), doc,
		InvoiceLine{ID: 900, SourceLineID: 1, ProductID: 7, Quantity: 10, UnitPrice: 60})
	require.NoError(t, err)
	require.False(t, first.Empty())

	// Replaying a full-quantity bill after the first one was counted must
	// find nothing billable.
	source.registerPosted(1, 900, 10)
	second, err := allocator.AllocateCorrection(context.Background(), testContext(), doc,
		InvoiceLine{ID: 901, SourceLineID: 1, ProductID: 7, Quantity: 10, UnitPrice: 60})
	require.NoError(t, err)
	require.True(t, second.Empty())
	require.Zero(t, second.UnallocatedQty)
}

func TestAllocateCorrectionDropsDeltaWithinTolerance(t *testing.T) {
	store := newMemStore(newMemLedger())
	source := newMemSource()
	source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 1000, ReceivedQty: 1000, ContractUnitPrice: 10, Currency: "EUR"})
	store.addLayer(ValuationLayer{
		SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
		Quantity: 1000, UnitCost: 10, Value: 10000, RemainingQty: 1000, RemainingValue: 10000,
	})

	// Per-unit delta of 1e-7 over 1000 units is 1e-4, below the half-cent
	// tolerance at two decimals.
	alloc, err := NewAllocator(store, source, nil, nil).AllocateCorrection(
		context.Background(), testContext(),
		Document{ID: 500, Type: DocTypeVendorBill, Currency: "EUR"},
		InvoiceLine{ID: 900, SourceLineID: 1, ProductID: 7, Quantity: 1000, UnitPrice: 10.0000001},
	)
	require.NoError(t, err)
	require.True(t, alloc.Empty())
}

func TestAllocateCorrectionRemainderPolicy(t *testing.T) {
	build := func() (*Allocator, Document, InvoiceLine) {
		store := newMemStore(newMemLedger())
		source := newMemSource()
		source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 10, ReceivedQty: 10, ContractUnitPrice: 50, Currency: "EUR"})
		store.addLayer(ValuationLayer{
			SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
			Quantity: 10, UnitCost: 50, Value: 500, RemainingQty: 4, RemainingValue: 200,
		})
		// 6 units already shipped out and claimed by an earlier bill; a new
		// bill for 10 needs 10 corrected but only 4 remain in the layer.
		source.registerPosted(1, 999, 6)
		doc := Document{ID: 500, Type: DocTypeVendorBill, Currency: "EUR"}
		line := InvoiceLine{ID: 900, SourceLineID: 1, ProductID: 7, Quantity: 10, UnitPrice: 60}
		return NewAllocator(store, source, nil, nil), doc, line
	}

	t.Run("drop", func(t *testing.T) {
		allocator, doc, line := build()
		cctx := testContext()
		cctx.RemainderPolicy = RemainderDrop
		alloc, err := allocator.AllocateCorrection(context.Background(), cctx, doc, line)
		require.NoError(t, err)
		require.Len(t, alloc.Corrections, 1)
		require.InDelta(t, 4.0, alloc.Corrections[0].Quantity, 1e-9)
		require.InDelta(t, 6.0, alloc.UnallocatedQty, 1e-9)
	})

	t.Run("error", func(t *testing.T) {
		allocator, doc, line := build()
		cctx := testContext()
		cctx.RemainderPolicy = RemainderError
		alloc, err := allocator.AllocateCorrection(context.Background(), cctx, doc, line)
		require.ErrorIs(t, err, ErrLayersExhausted)
		require.Len(t, alloc.Corrections, 1)
		require.InDelta(t, 6.0, alloc.UnallocatedQty, 1e-9)
	})
}

func TestAllocateCorrectionRefundUsesOutboundLayers(t *testing.T) {
	store := newMemStore(newMemLedger())
	source := newMemSource()
	source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 10, ReceivedQty: 10, ContractUnitPrice: 50, Currency: "EUR"})
	store.addLayer(ValuationLayer{
		SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
		Quantity: 10, UnitCost: 50, Value: 500, RemainingQty: 10, RemainingValue: 500,
	})
	outLayer := store.addLayer(ValuationLayer{
		SourceLineID: 1, ProductID: 7, Direction: DirectionOut,
		Quantity: 2, UnitCost: -50, Value: -100, RemainingQty: 2, RemainingValue: -100,
	})
	// 8 of the 10 received units were billed before the return.
	source.registerPosted(1, 999, 8)

	alloc, err := NewAllocator(store, source, nil, nil).AllocateCorrection(
		context.Background(), testContext(),
		Document{ID: 501, Type: DocTypeVendorCredit, Currency: "EUR"},
		InvoiceLine{ID: 910, SourceLineID: 1, ProductID: 7, Quantity: 2, UnitPrice: 60},
	)
	require.NoError(t, err)
	require.Len(t, alloc.Corrections, 1)
	require.Equal(t, outLayer.ID, alloc.Corrections[0].Layer.ID)
	// Refunds flip the billed price sign: -60 against a -50 unit valuation.
	require.InDelta(t, -10.0, alloc.Corrections[0].UnitPriceDelta, 1e-9)
}

func TestAllocateCorrectionConvertsCurrencyAndUnits(t *testing.T) {
	store := newMemStore(newMemLedger())
	source := newMemSource()
	// Contract in USD; a dozen-based invoice line over unit-based layers.
	source.addSourceLine(procurement.SourceLine{ID: 1, ProductID: 7, OrderedQty: 24, ReceivedQty: 24, ContractUnitPrice: 100, Currency: "USD"})
	store.addLayer(ValuationLayer{
		SourceLineID: 1, ProductID: 7, Direction: DirectionIn,
		Quantity: 24, UnitCost: 4, Value: 96, RemainingQty: 24, RemainingValue: 96,
	})

	convert := func(amount float64, from, to string, date time.Time) (float64, error) {
		if from == "USD" && to == "EUR" {
			return amount * 0.5, nil
		}
		if from == "EUR" && to == "USD" {
			return amount * 2, nil
		}
		return amount, nil
	}

	// 1 dozen billed at 120 USD: 60 EUR per dozen, 5 EUR per unit.
	alloc, err := NewAllocator(store, source, convert, nil).AllocateCorrection(
		context.Background(), testContext(),
		Document{ID: 502, Type: DocTypeVendorBill, Currency: "USD"},
		InvoiceLine{ID: 920, SourceLineID: 1, ProductID: 7, Quantity: 1, UnitPrice: 120, UOMFactor: 12},
	)
	require.NoError(t, err)
	require.Len(t, alloc.Corrections, 1)
	require.InDelta(t, 12.0, alloc.Corrections[0].Quantity, 1e-9)
	require.InDelta(t, 1.0, alloc.Corrections[0].UnitPriceDelta, 1e-9)
	// Contract price is 100 USD per source unit; billed gross is 120 USD.
	require.InDelta(t, -20.0, alloc.Corrections[0].PriceDeltaCurrency, 1e-9)
}

func TestGrossUnitPrice(t *testing.T) {
	taxes := func(base float64, taxes []Tax, isRefund bool) (float64, error) {
		// Fixture strips a 20% price-included tax.
		return base / 1.2, nil
	}
	allocator := NewAllocator(newMemStore(newMemLedger()), newMemSource(), nil, taxes)

	t.Run("discount", func(t *testing.T) {
		price, err := allocator.GrossUnitPrice(
			Document{Type: DocTypeVendorBill},
			InvoiceLine{UnitPrice: 100, DiscountPct: 10})
		require.NoError(t, err)
		require.InDelta(t, 90.0, price, 1e-9)
	})

	t.Run("refund flips sign", func(t *testing.T) {
		price, err := allocator.GrossUnitPrice(
			Document{Type: DocTypeVendorCredit},
			InvoiceLine{UnitPrice: 100})
		require.NoError(t, err)
		require.InDelta(t, -100.0, price, 1e-9)
	})

	t.Run("price-included tax stripped", func(t *testing.T) {
		price, err := allocator.GrossUnitPrice(
			Document{Type: DocTypeVendorBill},
			InvoiceLine{UnitPrice: 120, Taxes: []Tax{{Name: "VAT", Percent: 20, PriceInclude: true}}})
		require.NoError(t, err)
		require.InDelta(t, 100.0, price, 1e-9)
	})
}

func TestAllocateCorrectionIgnoresLinesWithoutSourceLine(t *testing.T) {
	alloc, err := NewAllocator(newMemStore(newMemLedger()), newMemSource(), nil, nil).AllocateCorrection(
		context.Background(), testContext(),
		Document{ID: 500, Type: DocTypeVendorBill, Currency: "EUR"},
		InvoiceLine{ID: 900, ProductID: 7, Quantity: 5, UnitPrice: 60},
	)
	require.NoError(t, err)
	require.True(t, alloc.Empty())
}
