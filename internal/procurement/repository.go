package procurement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads procurement data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetSourceLine loads one purchase-order line.
func (r *Repository) GetSourceLine(ctx context.Context, id int64) (SourceLine, error) {
	var line SourceLine
	err := r.pool.QueryRow(ctx, `
SELECT id, order_id, company_id, product_id, ordered_qty, received_qty, contract_unit_price, currency, uom_factor, created_at
FROM purchase_order_lines WHERE id = $1`, id).Scan(
		&line.ID, &line.OrderID, &line.CompanyID, &line.ProductID,
		&line.OrderedQty, &line.ReceivedQty, &line.ContractUnitPrice,
		&line.Currency, &line.UOMFactor, &line.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SourceLine{}, ErrSourceLineNotFound
		}
		return SourceLine{}, fmt.Errorf("procurement: get source line: %w", err)
	}
	return line, nil
}

// ReceivedQty returns the quantity physically received against the line.
func (r *Repository) ReceivedQty(ctx context.Context, sourceLineID int64) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx,
		`SELECT received_qty FROM purchase_order_lines WHERE id = $1`, sourceLineID,
	).Scan(&qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrSourceLineNotFound
		}
		return 0, fmt.Errorf("procurement: received qty: %w", err)
	}
	return qty, nil
}

// InvoicedQtyExcluding sums posted invoice-line quantities against the
// source line, excluding the given invoice line.
func (r *Repository) InvoicedQtyExcluding(ctx context.Context, sourceLineID, invoiceLineID int64) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(il.quantity * COALESCE(NULLIF(il.uom_factor, 0), 1)), 0)
FROM invoice_lines il
JOIN documents d ON d.id = il.document_id
WHERE il.source_line_id = $1 AND il.id <> $2 AND d.status = 'POSTED'`,
		sourceLineID, invoiceLineID).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("procurement: invoiced qty: %w", err)
	}
	return qty, nil
}

// ResolveAccounts looks up the product's account mapping, falling back to
// its category defaults. Fiscal positions may remap the expense account.
func (r *Repository) ResolveAccounts(ctx context.Context, productID int64, fiscalPosition string) (Accounts, error) {
	var acc Accounts
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(p.stock_input_account_id, c.stock_input_account_id, 0),
       COALESCE(p.stock_output_account_id, c.stock_output_account_id, 0),
       COALESCE(f.expense_account_id, p.expense_account_id, c.expense_account_id, 0),
       COALESCE(p.valuation_account_id, c.valuation_account_id, 0)
FROM products p
JOIN product_categories c ON c.id = p.category_id
LEFT JOIN fiscal_position_accounts f ON f.fiscal_position = $2 AND f.product_category_id = c.id
WHERE p.id = $1`, productID, fiscalPosition).Scan(
		&acc.StockInput, &acc.StockOutput, &acc.Expense, &acc.Valuation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Accounts{}, ErrProductNotConfigured
		}
		return Accounts{}, fmt.Errorf("procurement: resolve accounts: %w", err)
	}
	return acc, nil
}
