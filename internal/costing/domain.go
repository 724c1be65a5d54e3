package costing

import (
	"errors"
	"time"
)

// Direction selects which side of the stock flow a valuation layer records.
type Direction string

const (
	// DirectionIn marks layers created by inbound moves (receipts).
	DirectionIn Direction = "IN"
	// DirectionOut marks layers created by outbound moves (shipments, returns).
	DirectionOut Direction = "OUT"
)

// DocumentType enumerates the financial documents the engine reacts to.
type DocumentType string

const (
	DocTypeVendorBill      DocumentType = "IN_INVOICE"
	DocTypeVendorCredit    DocumentType = "IN_REFUND"
	DocTypeCustomerInvoice DocumentType = "OUT_INVOICE"
	DocTypeCustomerCredit  DocumentType = "OUT_REFUND"
)

// IsPurchase reports whether the document sits on the vendor side.
func (t DocumentType) IsPurchase() bool {
	return t == DocTypeVendorBill || t == DocTypeVendorCredit
}

// IsSale reports whether the document sits on the customer side.
func (t DocumentType) IsSale() bool {
	return t == DocTypeCustomerInvoice || t == DocTypeCustomerCredit
}

// IsRefund reports whether amounts on the document carry a flipped sign.
func (t DocumentType) IsRefund() bool {
	return t == DocTypeVendorCredit || t == DocTypeCustomerCredit
}

// ValuationLayer is one irreversible costing event for a product. Quantity,
// UnitCost and Value never change after creation; corrections only touch
// RemainingValue through zero-quantity adjustment layers.
type ValuationLayer struct {
	ID             int64
	CompanyID      int64
	ProductID      int64
	SourceLineID   int64
	Direction      Direction
	Quantity       float64
	UnitCost       float64
	Value          float64
	RemainingQty   float64
	RemainingValue float64
	// CorrectedLayerID points at the original layer for adjustment records.
	CorrectedLayerID *int64
	// DocumentID and DocumentLineID tag adjustment records with the financial
	// document line that produced them, so cancellation can find them again.
	DocumentID     *int64
	DocumentLineID *int64
	// PriceDiffValue is the price difference expressed in the document's own
	// currency, kept for audit display; Value is in company currency.
	PriceDiffValue float64
	Description    string
	CreatedAt      time.Time
}

// UnitValuation returns the booked cost per unit at creation time.
func (l ValuationLayer) UnitValuation() float64 {
	if l.Quantity == 0 {
		return 0
	}
	return l.Value / l.Quantity
}

// Tax describes one tax applied on an invoice line. Computation itself is an
// external collaborator; the engine only carries the definitions through.
type Tax struct {
	Name         string
	Percent      float64
	PriceInclude bool
}

// Document is the header of a posted financial document.
type Document struct {
	ID             int64
	Ref            string
	Type           DocumentType
	PartnerID      int64
	Currency       string
	Date           time.Time
	FiscalPosition string
	// ReversedDocumentID is set on refunds cancelling an earlier document.
	ReversedDocumentID *int64
	Lines              []InvoiceLine
}

// InvoiceLine is one line of a financial document. SourceLineID is zero when
// the line is unrelated to procurement.
type InvoiceLine struct {
	ID           int64
	DocumentID   int64
	SourceLineID int64
	ProductID    int64
	Label        string
	Quantity     float64
	UnitPrice    float64
	DiscountPct  float64
	Taxes        []Tax
	Currency     string
	// UOMFactor converts line quantities into the product's costing unit:
	// qty_costing = qty_line * UOMFactor.
	UOMFactor float64
	Date      time.Time
}

// CostingQty returns the line quantity expressed in the costing unit.
func (l InvoiceLine) CostingQty() float64 {
	return l.Quantity * l.uomFactor()
}

func (l InvoiceLine) uomFactor() float64 {
	if l.UOMFactor == 0 {
		return 1
	}
	return l.UOMFactor
}

// LayerCorrection is the allocator's verdict for a single layer.
type LayerCorrection struct {
	Layer          ValuationLayer
	Quantity       float64
	UnitPriceDelta float64
	// PriceDeltaCurrency is the per-unit difference between the contract
	// price and the billed price, both in the document currency. It is
	// computed independently of UnitPriceDelta, which is company-currency.
	PriceDeltaCurrency float64
}

// CorrectionAllocation is the ephemeral output of the allocator, consumed
// immediately by the materializer.
type CorrectionAllocation struct {
	Corrections []LayerCorrection
	// UnallocatedQty is the part of the line quantity no layer could absorb.
	UnallocatedQty float64
}

// Empty reports whether the allocation carries no corrections.
func (a CorrectionAllocation) Empty() bool {
	return len(a.Corrections) == 0
}

// RemainderPolicy decides what happens when layers are exhausted before the
// invoiced quantity is fully allocated.
type RemainderPolicy int

const (
	// RemainderDrop silently drops the unsatisfied remainder. This matches
	// the historical behaviour of the system this engine replaces.
	RemainderDrop RemainderPolicy = iota
	// RemainderError fails the allocation instead.
	RemainderError
)

// Context carries the company scope and rounding policy through every
// allocator and materializer call. There is no ambient company state.
type Context struct {
	CompanyID       int64
	Currency        string
	MoneyPrecision  int32
	QtyPrecision    int32
	AngloSaxon      bool
	RemainderPolicy RemainderPolicy
}

// CurrencyConverter converts an amount between currencies at a date. Pure
// function collaborator; the engine never owns rates.
type CurrencyConverter func(amount float64, from, to string, date time.Time) (float64, error)

// TaxComputer strips taxes from a unit price, returning the tax-excluded
// base. Pure function collaborator.
type TaxComputer func(base float64, taxes []Tax, isRefund bool) (float64, error)

var (
	// ErrMissingAccount indicates a required stock/expense account is not
	// configured for the product; the affected line is skipped.
	ErrMissingAccount = errors.New("costing: required account not configured")
	// ErrLayersExhausted is returned under RemainderError when candidate
	// layers cannot absorb the invoiced quantity.
	ErrLayersExhausted = errors.New("costing: valuation layers exhausted before full allocation")
	// ErrConcurrencyConflict indicates the per-layer lock could not be taken
	// within the bounded wait. Retrying the document posting is safe.
	ErrConcurrencyConflict = errors.New("costing: concurrent correction in progress")
	// ErrReconciliationMismatch indicates interim-account entries do not net
	// to zero after pairing. Reported, never forced to balance.
	ErrReconciliationMismatch = errors.New("costing: interim account entries do not balance")
	// ErrLayerNotFound indicates a referenced valuation layer is missing.
	ErrLayerNotFound = errors.New("costing: valuation layer not found")
)
