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

// Reconciler pairs the entries posted to a product's interim account by the
// document side and by the stock-movement side, closing the timing gap
// between physical receipt and financial invoicing.
type Reconciler struct {
	ledger   LedgerPort
	accounts procurement.AccountResolver
	logger   *slog.Logger
	metrics  MetricsPort
}

// NewReconciler builds Reconciler. metrics may be nil.
func NewReconciler(lp LedgerPort, accounts procurement.AccountResolver, logger *slog.Logger, metrics MetricsPort) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{ledger: lp, accounts: accounts, logger: logger, metrics: metrics}
}

// ReconcileInterim matches and closes out interim-account entries for the
// document's products. productIDs restricts the pass; empty means every
// product on the document. Idempotent: already-reconciled entries never
// enter the candidate set, so re-running after completion is a no-op.
func (r *Reconciler) ReconcileInterim(ctx context.Context, cctx Context, doc Document, productIDs ...int64) error {
	if !cctx.AngloSaxon {
		return nil
	}
	products := productIDs
	if len(products) == 0 {
		products = distinctProducts(doc)
	}

	var mismatches []error
	for _, productID := range products {
		if err := r.reconcileProduct(ctx, cctx, doc, productID); err != nil {
			if errors.Is(err, ErrReconciliationMismatch) {
				mismatches = append(mismatches, err)
				continue
			}
			return err
		}
	}
	return errors.Join(mismatches...)
}

func (r *Reconciler) reconcileProduct(ctx context.Context, cctx Context, doc Document, productID int64) error {
	accounts, err := r.accounts.ResolveAccounts(ctx, productID, doc.FiscalPosition)
	if err != nil {
		if errors.Is(err, procurement.ErrProductNotConfigured) {
			r.logger.Warn("costing: skipping reconciliation, product not configured",
				slog.Int64("product_id", productID))
			return nil
		}
		return err
	}
	// Products without a valuation account are not under perpetual
	// valuation; they have no interim entries to pair.
	if accounts.Valuation == 0 {
		return nil
	}

	interimID := accounts.StockInput
	if doc.Type.IsSale() {
		interimID = accounts.StockOutput
	}
	if interimID == 0 {
		r.logger.Warn("costing: skipping reconciliation, interim account missing",
			slog.Int64("product_id", productID))
		return nil
	}
	account, err := r.ledger.GetAccount(ctx, interimID)
	if err != nil {
		return err
	}
	if !account.Reconcile {
		return nil
	}

	docLines, err := r.ledger.LinesForDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	candidates := make([]ledger.Line, 0, len(docLines))
	seen := make(map[int64]bool)
	for _, line := range docLines {
		if line.AccountID != interimID || line.ProductID != productID || line.Reconciled {
			continue
		}
		candidates = append(candidates, line)
		seen[line.ID] = true
	}

	stockLines, err := r.ledger.UnreconciledLines(ctx, interimID, productID)
	if err != nil {
		return err
	}
	for _, line := range stockLines {
		if line.SourceModule != ledger.SourceModuleStock || seen[line.ID] {
			continue
		}
		candidates = append(candidates, line)
	}
	if len(candidates) == 0 {
		return nil
	}

	residual, err := r.ledger.Reconcile(ctx, candidates)
	if err != nil {
		return err
	}
	if !money.IsZero(residual, cctx.MoneyPrecision) {
		if r.metrics != nil {
			r.metrics.ReconcileMismatch()
		}
		return fmt.Errorf("%w: product %d residual %.4f on account %s",
			ErrReconciliationMismatch, productID, residual, account.Code)
	}
	return nil
}

func distinctProducts(doc Document) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, line := range doc.Lines {
		if line.ProductID == 0 || seen[line.ProductID] {
			continue
		}
		seen[line.ProductID] = true
		out = append(out, line.ProductID)
	}
	return out
}
