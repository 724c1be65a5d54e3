package procurement

import "context"

// SourceLineReader exposes the quantity queries the correction allocator
// needs. Implementations must return quantities in the source line's own
// unit; callers convert to the costing unit through SourceLine.Factor.
type SourceLineReader interface {
	GetSourceLine(ctx context.Context, id int64) (SourceLine, error)
	// ReceivedQty returns the physically received quantity to date.
	ReceivedQty(ctx context.Context, sourceLineID int64) (float64, error)
	// InvoicedQtyExcluding sums the quantities of all invoice lines ever
	// posted against the source line, excluding the given line, expressed
	// in the product's costing unit. Captures partial billing across
	// multiple documents.
	InvoicedQtyExcluding(ctx context.Context, sourceLineID, invoiceLineID int64) (float64, error)
}

// AccountResolver resolves the ledger accounts for a product under a fiscal
// position. Purchase and sale documents select different interim accounts
// from the resolved set; variant behaviour lives in the implementation, not
// in an inheritance chain.
type AccountResolver interface {
	ResolveAccounts(ctx context.Context, productID int64, fiscalPosition string) (Accounts, error)
}

// AccountResolverFunc adapts a function to AccountResolver.
type AccountResolverFunc func(ctx context.Context, productID int64, fiscalPosition string) (Accounts, error)

// ResolveAccounts implements AccountResolver.
func (f AccountResolverFunc) ResolveAccounts(ctx context.Context, productID int64, fiscalPosition string) (Accounts, error) {
	return f(ctx, productID, fiscalPosition)
}
