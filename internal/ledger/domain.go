package ledger

import (
	"errors"
	"time"
)

// Account is a general-ledger account as the costing engine sees it.
type Account struct {
	ID        int64
	Code      string
	Name      string
	Reconcile bool
}

// Line is one journal item. The costing engine reads these when pairing
// interim-account entries and writes them through EntryLineInput.
type Line struct {
	ID           int64
	AccountID    int64
	ProductID    int64
	PartnerID    int64
	DocumentID   int64
	SourceModule string
	Label        string
	Quantity     float64
	UnitPrice    float64
	Debit        float64
	Credit       float64
	Tags         []string
	Reconciled   bool
	ReconcileRef string
	CreatedAt    time.Time
}

// Balance returns the signed amount of the line (debit positive).
func (l Line) Balance() float64 {
	return l.Debit - l.Credit
}

// HasTag reports whether the line carries the given tag.
func (l Line) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EntryLineInput describes a journal item to create.
type EntryLineInput struct {
	AccountID    int64
	ProductID    int64
	PartnerID    int64
	DocumentID   int64
	SourceModule string
	Label        string
	Quantity     float64
	UnitPrice    float64
	Debit        float64
	Credit       float64
	Tags         []string
}

// Tags used by the costing engine to find its own lines again.
const (
	// TagPriceDiff marks valuation-correction journal items.
	TagPriceDiff = "price-diff"
	// TagCOGS marks cost-of-goods-sold journal items added on sale documents.
	TagCOGS = "cogs"
)

// SourceModuleStock identifies journal items created by stock moves.
const SourceModuleStock = "stock"

var (
	// ErrLineNotFound indicates a journal item is missing.
	ErrLineNotFound = errors.New("ledger: journal item not found")
	// ErrUnbalanced indicates a set of entry lines does not net to zero.
	ErrUnbalanced = errors.New("ledger: entry lines do not balance")
	// ErrAlreadyReconciled indicates a line was reconciled by another run.
	ErrAlreadyReconciled = errors.New("ledger: journal item already reconciled")
)
