package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/money"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Service coordinates the correction pass a document-posting workflow runs
// synchronously: allocate, materialize, true up the product standard price,
// then pair interim-account entries.
type Service struct {
	repo     RepositoryPort
	source   procurement.SourceLineReader
	accounts procurement.AccountResolver
	ledger   LedgerPort

	convert CurrencyConverter
	taxes   TaxComputer

	materializer *Materializer
	reconciler   *Reconciler
	cogs         *COGSPreparer

	locker      Locker
	audit       AuditPort
	sweeps      SweepEnqueuer
	metrics     MetricsPort
	integration IntegrationHandler
	logger      *slog.Logger
	now         func() time.Time
}

// NewService builds Service over its collaborators. convert and taxes may
// be nil for single-currency, tax-excluded setups.
func NewService(repo RepositoryPort, source procurement.SourceLineReader, accounts procurement.AccountResolver, lp LedgerPort, convert CurrencyConverter, taxes TaxComputer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:     repo,
		source:   source,
		accounts: accounts,
		ledger:   lp,
		convert:  convert,
		taxes:    taxes,
		logger:   logger,
		now:      time.Now,
	}
	s.materializer = NewMaterializer(logger, nil)
	s.reconciler = NewReconciler(lp, accounts, logger, nil)
	s.cogs = NewCOGSPreparer(repo, lp, accounts, logger)
	return s
}

// SetLocker injects the per-source-line lock used to serialize concurrent
// corrections. Without a locker the store's row locks are the only guard.
func (s *Service) SetLocker(locker Locker) { s.locker = locker }

// SetAudit injects the audit trail recorder.
func (s *Service) SetAudit(audit AuditPort) { s.audit = audit }

// SetSweepEnqueuer injects the background sweep scheduler.
func (s *Service) SetSweepEnqueuer(sweeps SweepEnqueuer) { s.sweeps = sweeps }

// SetMetrics injects correction telemetry.
func (s *Service) SetMetrics(metrics MetricsPort) {
	s.metrics = metrics
	s.materializer.metrics = metrics
	s.reconciler.metrics = metrics
}

// SetIntegrationHandler injects downstream event hooks.
func (s *Service) SetIntegrationHandler(handler IntegrationHandler) { s.integration = handler }

// WithNow overrides the clock, for tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// PostResult summarises one correction pass.
type PostResult struct {
	Adjustments    []ValuationLayer
	SkippedLineIDs []int64
	COGSLineIDs    []int64
}

// AllocateCorrection exposes the allocator against current store state, as
// a pure read. Callers who also materialize must do both inside one posting
// transaction; use PostDocumentCorrections for that.
func (s *Service) AllocateCorrection(ctx context.Context, cctx Context, doc Document, line InvoiceLine) (CorrectionAllocation, error) {
	return NewAllocator(s.repo, s.source, s.convert, s.taxes).AllocateCorrection(ctx, cctx, doc, line)
}

// PostDocumentCorrections runs the whole correction pass for one posted
// document. Vendor documents get valuation corrections, customer documents
// get COGS lines, and both sides finish with interim-account pairing.
func (s *Service) PostDocumentCorrections(ctx context.Context, cctx Context, doc Document) (PostResult, error) {
	var result PostResult

	if doc.Type.IsPurchase() {
		for _, line := range doc.Lines {
			if line.SourceLineID == 0 {
				continue
			}
			created, err := s.correctLine(ctx, cctx, doc, line)
			if err != nil {
				if errors.Is(err, ErrMissingAccount) || errors.Is(err, procurement.ErrProductNotConfigured) {
					s.logger.Warn("costing: skipping line, accounts not configured",
						slog.Int64("line_id", line.ID),
						slog.Int64("product_id", line.ProductID))
					if s.metrics != nil {
						s.metrics.LineSkipped("missing_account")
					}
					result.SkippedLineIDs = append(result.SkippedLineIDs, line.ID)
					continue
				}
				return result, err
			}
			result.Adjustments = append(result.Adjustments, created...)
		}
		if err := s.finalizeAdjustments(ctx, cctx, doc, result.Adjustments); err != nil {
			return result, err
		}
	}

	if doc.Type.IsSale() && cctx.AngloSaxon {
		cogsLines, err := s.cogs.PrepareCOGSLines(ctx, cctx, doc)
		if err != nil {
			return result, err
		}
		ids, err := s.ledger.CreateEntryLines(ctx, cogsLines)
		if err != nil {
			return result, err
		}
		result.COGSLineIDs = ids
	}

	if err := s.reconciler.ReconcileInterim(ctx, cctx, doc); err != nil {
		if !errors.Is(err, ErrReconciliationMismatch) {
			return result, err
		}
		// A residual here is an operator problem, not a posting problem.
		s.logger.Warn("costing: interim reconciliation left a residual", slog.Any("error", err))
	}

	s.recordAudit(ctx, doc, "costing.correct", map[string]any{
		"adjustments":   len(result.Adjustments),
		"skipped_lines": len(result.SkippedLineIDs),
	})
	if s.integration != nil {
		var total float64
		for _, adj := range result.Adjustments {
			total += adj.Value
		}
		evt := CorrectionPostedEvent{
			DocumentID:  doc.ID,
			CompanyID:   cctx.CompanyID,
			Adjustments: len(result.Adjustments),
			TotalValue:  total,
			PostedAt:    s.now(),
		}
		if err := s.integration.HandleCorrectionPosted(ctx, evt); err != nil {
			return result, err
		}
	}
	return result, nil
}

// correctLine allocates and materializes one invoice line inside a single
// transaction, holding the source-line lock across the read and the write
// so two concurrent bills cannot claim the same quantity window.
func (s *Service) correctLine(ctx context.Context, cctx Context, doc Document, line InvoiceLine) ([]ValuationLayer, error) {
	accounts, err := s.accounts.ResolveAccounts(ctx, line.ProductID, doc.FiscalPosition)
	if err != nil {
		return nil, err
	}
	if accounts.Valuation == 0 || accounts.StockInput == 0 {
		return nil, ErrMissingAccount
	}

	release, err := s.acquireLock(ctx, line.SourceLineID)
	if err != nil {
		return nil, err
	}
	defer release()

	var created []ValuationLayer
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		alloc, err := NewAllocator(tx, s.source, s.convert, s.taxes).AllocateCorrection(ctx, cctx, doc, line)
		if err != nil {
			return err
		}
		if alloc.UnallocatedQty > 0 {
			s.logger.Debug("costing: dropping unallocated remainder",
				slog.Int64("line_id", line.ID),
				slog.Float64("qty", alloc.UnallocatedQty))
		}
		if alloc.Empty() {
			return nil
		}
		created, err = s.materializer.Materialize(ctx, tx, cctx, doc, line, accounts, alloc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// finalizeAdjustments backfills descriptions now that the document
// reference is known, and trues up the standard price of every corrected
// product from its layer totals.
func (s *Service) finalizeAdjustments(ctx context.Context, cctx Context, doc Document, adjustments []ValuationLayer) error {
	products := make(map[int64]bool)
	for _, adj := range adjustments {
		products[adj.ProductID] = true
		desc := adj.Description
		if doc.Ref != "" {
			desc = fmt.Sprintf("%s - %s", doc.Ref, adj.Description)
		}
		if err := s.repo.SetAdjustmentDescription(ctx, adj.ID, desc); err != nil {
			return err
		}
	}
	for productID := range products {
		if err := s.refreshStandardPrice(ctx, cctx, productID); err != nil {
			return err
		}
	}
	return nil
}

// RefreshStandardPrice recomputes a product's standard price from its layer
// totals. Used by the nightly price-refresh job and after cancellations.
func (s *Service) RefreshStandardPrice(ctx context.Context, cctx Context, productID int64) error {
	return s.refreshStandardPrice(ctx, cctx, productID)
}

// RefreshCompanyStandardPrices recomputes the standard price of every product
// in the company that carries at least one adjustment record. Returns the
// products it touched. Products are independent, so the refresh fans out with
// bounded concurrency.
func (s *Service) RefreshCompanyStandardPrices(ctx context.Context, cctx Context) ([]int64, error) {
	products, err := s.repo.CorrectedProducts(ctx, cctx.CompanyID)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, productID := range products {
		g.Go(func() error {
			return s.refreshStandardPrice(gctx, cctx, productID)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Service) refreshStandardPrice(ctx context.Context, cctx Context, productID int64) error {
	qty, value, err := s.repo.ProductValuation(ctx, productID)
	if err != nil {
		return err
	}
	if money.IsZero(qty, cctx.QtyPrecision) {
		// Nothing on hand; the correction lives purely in the adjustment
		// records and the ledger.
		return nil
	}
	return s.repo.SetStandardPrice(ctx, productID, cctx.CompanyID, value/qty)
}

// CancelDocumentCorrections reverses exactly the adjustment records tagged
// with the document: each recorded value is subtracted from its layer,
// never recomputed, so corrections from other documents are untouched. A
// reconciliation sweep is enqueued because later bills may have skipped
// quantity windows this document had claimed.
func (s *Service) CancelDocumentCorrections(ctx context.Context, cctx Context, doc Document) error {
	locks, err := s.acquireDocumentLocks(ctx, doc)
	if err != nil {
		return err
	}
	defer locks()

	products := make(map[int64]bool)
	sourceLines := make(map[int64]bool)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adjustments, err := tx.AdjustmentsForDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		for _, adj := range adjustments {
			if adj.CorrectedLayerID == nil {
				continue
			}
			if err := tx.AddRemainingValue(ctx, *adj.CorrectedLayerID, -adj.Value); err != nil {
				return err
			}
			products[adj.ProductID] = true
			sourceLines[adj.SourceLineID] = true
		}
		if _, err := tx.DeleteAdjustmentsForDocument(ctx, doc.ID); err != nil {
			return err
		}
		if _, err := tx.Ledger().RemoveEntryLines(ctx, doc.ID, ledger.TagPriceDiff); err != nil {
			return err
		}
		if _, err := tx.Ledger().RemoveEntryLines(ctx, doc.ID, ledger.TagCOGS); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	for productID := range products {
		if err := s.refreshStandardPrice(ctx, cctx, productID); err != nil {
			return err
		}
	}

	if s.sweeps != nil && len(sourceLines) > 0 {
		ids := make([]int64, 0, len(sourceLines))
		for id := range sourceLines {
			ids = append(ids, id)
		}
		if err := s.sweeps.EnqueueReconcileSweep(ctx, cctx.CompanyID, ids); err != nil {
			// The sweep is a safety net; losing one enqueue must not block
			// the cancellation itself.
			s.logger.Error("costing: enqueue reconcile sweep failed", slog.Any("error", err))
		}
	}

	s.recordAudit(ctx, doc, "costing.cancel", map[string]any{
		"source_lines": len(sourceLines),
	})
	if s.integration != nil {
		ids := make([]int64, 0, len(sourceLines))
		for id := range sourceLines {
			ids = append(ids, id)
		}
		evt := CorrectionReversedEvent{
			DocumentID:  doc.ID,
			CompanyID:   cctx.CompanyID,
			SourceLines: ids,
			ReversedAt:  s.now(),
		}
		if err := s.integration.HandleCorrectionReversed(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// SweepSourceLine re-checks the correction invariants of a source line's
// layers after the history changed underneath them, reporting layers whose
// accumulated corrections exceed tolerance. It repairs nothing by itself;
// flagged layers go to the operator.
func (s *Service) SweepSourceLine(ctx context.Context, cctx Context, sourceLineID int64) ([]int64, error) {
	var flagged []int64
	for _, direction := range []Direction{DirectionIn, DirectionOut} {
		layers, err := s.repo.LayersFor(ctx, sourceLineID, direction)
		if err != nil {
			return nil, err
		}
		for _, layer := range layers {
			adjustments, err := s.repo.AdjustmentsForLayer(ctx, layer.ID)
			if err != nil {
				return nil, err
			}
			var total float64
			for _, adj := range adjustments {
				total += adj.Value
			}
			if math.Abs(total) > math.Abs(layer.Value)+0.5*math.Pow(10, float64(-cctx.MoneyPrecision)) {
				flagged = append(flagged, layer.ID)
				if s.metrics != nil {
					s.metrics.ToleranceViolation()
				}
				s.logger.Warn("costing: sweep flagged layer",
					slog.Int64("layer_id", layer.ID),
					slog.Float64("correction_total", total),
					slog.Float64("layer_value", layer.Value))
			}
		}
	}
	return flagged, nil
}

// ReconcileInterim re-exposes the reconciler for direct invocation once a
// document is finalized.
func (s *Service) ReconcileInterim(ctx context.Context, cctx Context, doc Document, productIDs ...int64) error {
	return s.reconciler.ReconcileInterim(ctx, cctx, doc, productIDs...)
}

func (s *Service) acquireLock(ctx context.Context, sourceLineID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.AcquireSourceLineLock(ctx, sourceLineID)
}

// acquireDocumentLocks takes the source-line locks of every procurement
// line on the document, releasing all of them together.
func (s *Service) acquireDocumentLocks(ctx context.Context, doc Document) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	seen := make(map[int64]bool)
	for _, line := range doc.Lines {
		if line.SourceLineID == 0 || seen[line.SourceLineID] {
			continue
		}
		seen[line.SourceLineID] = true
		release, err := s.acquireLock(ctx, line.SourceLineID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (s *Service) recordAudit(ctx context.Context, doc Document, action string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "document",
		EntityID: fmt.Sprintf("%d", doc.ID),
		Meta:     meta,
		At:       s.now(),
	})
}
