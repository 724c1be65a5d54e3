package procurement

import (
	"errors"
	"time"
)

// SourceLine is one purchase-order line as the costing engine sees it. It
// tracks quantities independent of any single bill; ReceivedQty and the
// invoiced counters are monotonic non-decreasing.
type SourceLine struct {
	ID                int64
	OrderID           int64
	CompanyID         int64
	ProductID         int64
	OrderedQty        float64
	ReceivedQty       float64
	ContractUnitPrice float64
	Currency          string
	// UOMFactor converts line quantities into the product's costing unit.
	UOMFactor float64
	CreatedAt time.Time
}

// CostingReceivedQty returns the received quantity in the costing unit.
func (l SourceLine) CostingReceivedQty() float64 {
	return l.ReceivedQty * l.Factor()
}

// Factor returns the unit conversion factor, defaulting to 1.
func (l SourceLine) Factor() float64 {
	if l.UOMFactor == 0 {
		return 1
	}
	return l.UOMFactor
}

// Accounts groups the ledger accounts resolved for a product. A zero entry
// means the account is not configured.
type Accounts struct {
	StockInput  int64
	StockOutput int64
	Expense     int64
	Valuation   int64
}

var (
	// ErrSourceLineNotFound indicates the referenced order line is missing.
	ErrSourceLineNotFound = errors.New("procurement: source line not found")
	// ErrProductNotConfigured indicates no account mapping exists for the
	// product and fiscal position.
	ErrProductNotConfigured = errors.New("procurement: product accounts not configured")
)
