package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/money"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
)

// COGSPreparer builds the cost-of-goods-sold journal items added to customer
// invoices under anglo-saxon accounting: one interim-account line and one
// expense line per eligible product line.
//
// Example, selling at 10 a product that cost 9:
//
//	Product Sales                          |      | 10.0
//	Account Receivable                     | 10.0 |
//	Expenses                               |  9.0 |
//	Stock Interim Account (Delivered)      |      |  9.0
type COGSPreparer struct {
	layers   LayerStore
	ledger   LedgerPort
	accounts procurement.AccountResolver
	logger   *slog.Logger
}

// NewCOGSPreparer builds COGSPreparer.
func NewCOGSPreparer(layers LayerStore, lp LedgerPort, accounts procurement.AccountResolver, logger *slog.Logger) *COGSPreparer {
	if logger == nil {
		logger = slog.Default()
	}
	return &COGSPreparer{layers: layers, ledger: lp, accounts: accounts, logger: logger}
}

// PrepareCOGSLines computes the journal items for one sale document. Lines
// on misconfigured products are skipped so one bad product does not block
// the rest of the document.
func (p *COGSPreparer) PrepareCOGSLines(ctx context.Context, cctx Context, doc Document) ([]ledger.EntryLineInput, error) {
	if !doc.Type.IsSale() || !cctx.AngloSaxon {
		return nil, nil
	}

	var out []ledger.EntryLineInput
	for _, line := range doc.Lines {
		if line.ProductID == 0 {
			continue
		}
		accounts, err := p.accounts.ResolveAccounts(ctx, line.ProductID, doc.FiscalPosition)
		if err != nil {
			if errors.Is(err, procurement.ErrProductNotConfigured) {
				p.logger.Warn("costing: skipping cogs, product not configured",
					slog.Int64("product_id", line.ProductID))
				continue
			}
			return nil, err
		}
		if accounts.Valuation == 0 {
			// Not under perpetual valuation.
			continue
		}
		if accounts.StockOutput == 0 || accounts.Expense == 0 {
			p.logger.Warn("costing: skipping cogs, accounts missing",
				slog.Int64("product_id", line.ProductID))
			continue
		}

		priceUnit, err := p.cogsPriceUnit(ctx, doc, line)
		if err != nil {
			return nil, err
		}

		sign := 1.0
		if doc.Type == DocTypeCustomerCredit {
			sign = -1
		}
		balance := sign * line.Quantity * priceUnit
		if money.IsZero(balance, cctx.MoneyPrecision) || money.IsZero(priceUnit, cctx.MoneyPrecision) {
			continue
		}

		label := line.Label
		if len(label) > 64 {
			label = label[:64]
		}
		out = append(out,
			ledger.EntryLineInput{
				AccountID:    accounts.StockOutput,
				ProductID:    line.ProductID,
				PartnerID:    doc.PartnerID,
				DocumentID:   doc.ID,
				SourceModule: "costing",
				Label:        label,
				Quantity:     line.Quantity,
				UnitPrice:    priceUnit,
				Debit:        negativePart(balance),
				Credit:       positivePart(balance),
				Tags:         []string{ledger.TagCOGS},
			},
			ledger.EntryLineInput{
				AccountID:    accounts.Expense,
				ProductID:    line.ProductID,
				PartnerID:    doc.PartnerID,
				DocumentID:   doc.ID,
				SourceModule: "costing",
				Label:        label,
				Quantity:     line.Quantity,
				UnitPrice:    -priceUnit,
				Debit:        positivePart(balance),
				Credit:       negativePart(balance),
				Tags:         []string{ledger.TagCOGS},
			},
		)
	}
	return out, nil
}

// cogsPriceUnit resolves the per-unit cost to recognize. A credit note
// cancelling an earlier invoice reuses the original COGS price so the
// reversal nets to zero even if the product cost moved in between.
func (p *COGSPreparer) cogsPriceUnit(ctx context.Context, doc Document, line InvoiceLine) (float64, error) {
	if doc.ReversedDocumentID != nil {
		originals, err := p.ledger.LinesForDocument(ctx, *doc.ReversedDocumentID)
		if err != nil {
			return 0, fmt.Errorf("costing: load reversed document: %w", err)
		}
		for _, orig := range originals {
			if orig.HasTag(ledger.TagCOGS) && orig.ProductID == line.ProductID && orig.UnitPrice >= 0 {
				return orig.UnitPrice, nil
			}
		}
	}
	return p.layers.ProductCost(ctx, line.ProductID)
}

func positivePart(v float64) float64 {
	if v > 0 {
		return v
	}
	return 0
}

func negativePart(v float64) float64 {
	if v < 0 {
		return -v
	}
	return 0
}
