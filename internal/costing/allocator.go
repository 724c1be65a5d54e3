package costing

import (
	"context"
	"errors"
	"fmt"

	"github.com/meridian-erp/meridian-erp/internal/money"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
)

// Allocator computes per-layer correction tuples for one invoice line. It
// only reads; running it concurrently is safe. Atomicity with the
// materializer's write is the caller's responsibility (same transaction).
type Allocator struct {
	layers  LayerStore
	source  procurement.SourceLineReader
	convert CurrencyConverter
	taxes   TaxComputer
}

// NewAllocator builds an Allocator over the given stores and collaborator
// functions. convert and taxes may be nil when every document already is in
// company currency with no price-included taxes.
func NewAllocator(layers LayerStore, source procurement.SourceLineReader, convert CurrencyConverter, taxes TaxComputer) *Allocator {
	return &Allocator{layers: layers, source: source, convert: convert, taxes: taxes}
}

// GrossUnitPrice resolves the line's effective unit price in the document
// currency: sign-flipped for refunds, discount applied, taxes stripped.
func (a *Allocator) GrossUnitPrice(doc Document, line InvoiceLine) (float64, error) {
	price := line.UnitPrice
	if doc.Type.IsRefund() {
		price = -price
	}
	price *= 1 - line.DiscountPct/100
	if len(line.Taxes) == 0 || a.taxes == nil {
		return price, nil
	}
	excl, err := a.taxes(price, line.Taxes, doc.Type.IsRefund())
	if err != nil {
		return 0, fmt.Errorf("costing: strip taxes: %w", err)
	}
	return excl, nil
}

// AllocateCorrection determines how much of each candidate layer this
// invoice line must correct, and by how much per unit. The walk is
// oldest-first: corrections true up the price of specific receipt events in
// the order physical consumption would have hit them, independent of the
// product's costing method.
func (a *Allocator) AllocateCorrection(ctx context.Context, cctx Context, doc Document, line InvoiceLine) (CorrectionAllocation, error) {
	if line.SourceLineID == 0 {
		return CorrectionAllocation{}, nil
	}

	sl, err := a.source.GetSourceLine(ctx, line.SourceLineID)
	if err != nil {
		return CorrectionAllocation{}, err
	}
	receivedQty, err := a.source.ReceivedQty(ctx, line.SourceLineID)
	if err != nil {
		return CorrectionAllocation{}, err
	}
	received := receivedQty * sl.Factor()

	invoicedElsewhere, err := a.source.InvoicedQtyExcluding(ctx, line.SourceLineID, line.ID)
	if err != nil {
		return CorrectionAllocation{}, err
	}

	amlQty := line.CostingQty()

	// Never create correction value for more quantity than was received.
	billable := money.Max(0, money.Min(amlQty, received-invoicedElsewhere))
	if money.IsZero(billable, cctx.QtyPrecision) {
		return CorrectionAllocation{}, nil
	}

	direction := DirectionIn
	if doc.Type.IsRefund() {
		// A purchase credit note corrects what was shipped out against a
		// return, not the original receipt layers.
		direction = DirectionOut
	}
	layers, err := a.layers.LayersFor(ctx, line.SourceLineID, direction)
	if err != nil {
		return CorrectionAllocation{}, err
	}
	if len(layers) == 0 {
		return CorrectionAllocation{}, nil
	}

	priceUnit, err := a.costingUnitPrice(cctx, doc, line)
	if err != nil {
		return CorrectionAllocation{}, err
	}
	contractPriceCurr, err := a.contractPriceInDocCurrency(doc, line, sl)
	if err != nil {
		return CorrectionAllocation{}, err
	}
	grossCurr, err := a.GrossUnitPrice(doc, line)
	if err != nil {
		return CorrectionAllocation{}, err
	}

	var remainingTotal float64
	for _, layer := range layers {
		remainingTotal += layer.RemainingQty
	}

	// Quantity already gone from stock; it can only be corrected via cost
	// basis, never via remaining quantity.
	outQty := received - remainingTotal
	// Portion already out of stock and not claimed by any prior bill: this
	// bill claims it ahead of the remaining-in-stock quantity.
	outAndNotBilled := money.Max(0, outQty-invoicedElsewhere)
	totalToCorrect := money.Max(0, amlQty-outAndNotBilled)
	// Quantity other bills already claimed beyond what physically left
	// stock; skip it inside the layers to avoid double-correcting.
	totalToSkip := money.Max(0, invoicedElsewhere-outQty)

	alloc := CorrectionAllocation{}
	for _, layer := range layers {
		if money.Compare(totalToCorrect, 0, cctx.QtyPrecision) <= 0 {
			break
		}
		remaining := layer.RemainingQty
		qtyToSkip := money.Min(totalToSkip, remaining)
		remaining = money.Max(0, remaining-qtyToSkip)
		qtyToCorrect := money.Min(totalToCorrect, remaining)
		totalToSkip -= qtyToSkip
		totalToCorrect -= qtyToCorrect

		unitDelta := priceUnit - layer.UnitValuation()
		if money.IsZero(unitDelta*qtyToCorrect, cctx.MoneyPrecision) {
			continue
		}
		alloc.Corrections = append(alloc.Corrections, LayerCorrection{
			Layer:              layer,
			Quantity:           qtyToCorrect,
			UnitPriceDelta:     unitDelta,
			PriceDeltaCurrency: contractPriceCurr - grossCurr,
		})
	}

	if money.Compare(totalToCorrect, 0, cctx.QtyPrecision) > 0 {
		alloc.UnallocatedQty = totalToCorrect
		if cctx.RemainderPolicy == RemainderError {
			return alloc, fmt.Errorf("%w: %.4f units unallocated on line %d",
				ErrLayersExhausted, totalToCorrect, line.ID)
		}
	}
	return alloc, nil
}

// costingUnitPrice converts the gross unit price into company currency per
// costing unit.
func (a *Allocator) costingUnitPrice(cctx Context, doc Document, line InvoiceLine) (float64, error) {
	price, err := a.GrossUnitPrice(doc, line)
	if err != nil {
		return 0, err
	}
	price, err = a.convertAmount(price, doc.Currency, cctx.Currency, doc, line)
	if err != nil {
		return 0, err
	}
	// Price per line unit -> price per costing unit.
	factor := line.UOMFactor
	if factor == 0 {
		factor = 1
	}
	return price / factor, nil
}

// contractPriceInDocCurrency converts the purchase contract price into the
// document currency for the audit-side price difference.
func (a *Allocator) contractPriceInDocCurrency(doc Document, line InvoiceLine, sl procurement.SourceLine) (float64, error) {
	return a.convertAmount(sl.ContractUnitPrice, sl.Currency, doc.Currency, doc, line)
}

func (a *Allocator) convertAmount(amount float64, from, to string, doc Document, line InvoiceLine) (float64, error) {
	if from == to || from == "" || to == "" {
		return amount, nil
	}
	if a.convert == nil {
		return 0, errors.New("costing: currency converter not configured")
	}
	date := line.Date
	if date.IsZero() {
		date = doc.Date
	}
	converted, err := a.convert(amount, from, to, date)
	if err != nil {
		return 0, fmt.Errorf("costing: convert %s->%s: %w", from, to, err)
	}
	return converted, nil
}
