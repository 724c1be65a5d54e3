package costing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/money"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
)

// Materializer turns allocator output into persisted adjustment records,
// layer remaining-value increments and journal items. Every call must run
// inside the document's posting transaction.
type Materializer struct {
	logger  *slog.Logger
	metrics MetricsPort
}

// NewMaterializer builds Materializer. metrics may be nil.
func NewMaterializer(logger *slog.Logger, metrics MetricsPort) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{logger: logger, metrics: metrics}
}

// Materialize creates one zero-quantity adjustment record per correction
// tuple, adds its value to the corrected layer's remaining value exactly
// once, and forwards the matching journal items to the ledger tagged so the
// posting workflow can strip them again on draft/cancel.
func (m *Materializer) Materialize(ctx context.Context, tx TxRepository, cctx Context, doc Document, line InvoiceLine, accounts procurement.Accounts, alloc CorrectionAllocation) ([]ValuationLayer, error) {
	if alloc.Empty() {
		return nil, nil
	}

	records := make([]ValuationLayer, 0, len(alloc.Corrections))
	for _, corr := range alloc.Corrections {
		value := money.RoundMoney(corr.Quantity*corr.UnitPriceDelta, cctx.MoneyPrecision)
		if money.IsZero(value, cctx.MoneyPrecision) {
			// The rounded value vanished; a zero-value record would be
			// meaningless noise in the valuation history.
			continue
		}
		layerID := corr.Layer.ID
		docID := doc.ID
		lineID := line.ID
		records = append(records, ValuationLayer{
			CompanyID:        cctx.CompanyID,
			ProductID:        line.ProductID,
			SourceLineID:     corr.Layer.SourceLineID,
			Direction:        corr.Layer.Direction,
			Quantity:         0,
			UnitCost:         0,
			Value:            value,
			RemainingQty:     0,
			RemainingValue:   0,
			CorrectedLayerID: &layerID,
			DocumentID:       &docID,
			DocumentLineID:   &lineID,
			PriceDiffValue:   money.RoundMoney(corr.Quantity*corr.PriceDeltaCurrency, cctx.MoneyPrecision),
			Description:      line.Label,
		})
	}
	if len(records) == 0 {
		return nil, nil
	}

	created, err := tx.InsertAdjustments(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("costing: insert adjustments: %w", err)
	}

	for _, rec := range created {
		if err := tx.AddRemainingValue(ctx, *rec.CorrectedLayerID, rec.Value); err != nil {
			return nil, fmt.Errorf("costing: apply remaining value: %w", err)
		}
		if err := m.checkTolerance(ctx, tx, cctx, *rec.CorrectedLayerID); err != nil {
			return nil, err
		}
		if m.metrics != nil {
			m.metrics.CorrectionRecorded(string(rec.Direction), rec.Value)
		}
	}

	if err := m.forwardToLedger(ctx, tx.Ledger(), cctx, doc, line, accounts, created); err != nil {
		return nil, err
	}
	return created, nil
}

// checkTolerance verifies the sum of corrections against a layer stays
// within tolerance of the layer's original value magnitude. Upstream data
// quality issues must not block posting, but they must be observable.
func (m *Materializer) checkTolerance(ctx context.Context, tx TxRepository, cctx Context, layerID int64) error {
	layer, err := tx.GetLayer(ctx, layerID)
	if err != nil {
		return err
	}
	adjustments, err := tx.AdjustmentsForLayer(ctx, layerID)
	if err != nil {
		return err
	}
	var total float64
	for _, adj := range adjustments {
		total += adj.Value
	}
	if math.Abs(total) > math.Abs(layer.Value)+0.5*math.Pow(10, float64(-cctx.MoneyPrecision)) {
		m.logger.Warn("costing: correction total exceeds layer value",
			slog.Int64("layer_id", layerID),
			slog.Float64("layer_value", layer.Value),
			slog.Float64("correction_total", total))
		if m.metrics != nil {
			m.metrics.ToleranceViolation()
		}
	}
	return nil
}

// forwardToLedger books the correction between the valuation account and
// the purchase interim account. A positive value raises the stock value.
func (m *Materializer) forwardToLedger(ctx context.Context, lp LedgerPort, cctx Context, doc Document, line InvoiceLine, accounts procurement.Accounts, records []ValuationLayer) error {
	if accounts.Valuation == 0 || accounts.StockInput == 0 {
		return ErrMissingAccount
	}
	var total float64
	for _, rec := range records {
		total += rec.Value
	}
	if money.IsZero(total, cctx.MoneyPrecision) {
		return nil
	}
	debitAccount, creditAccount := accounts.Valuation, accounts.StockInput
	amount := total
	if amount < 0 {
		debitAccount, creditAccount = creditAccount, debitAccount
		amount = -amount
	}
	lines := []ledger.EntryLineInput{
		{
			AccountID:    debitAccount,
			ProductID:    line.ProductID,
			PartnerID:    doc.PartnerID,
			DocumentID:   doc.ID,
			SourceModule: "costing",
			Label:        line.Label,
			Debit:        amount,
			Tags:         []string{ledger.TagPriceDiff},
		},
		{
			AccountID:    creditAccount,
			ProductID:    line.ProductID,
			PartnerID:    doc.PartnerID,
			DocumentID:   doc.ID,
			SourceModule: "costing",
			Label:        line.Label,
			Credit:       amount,
			Tags:         []string{ledger.TagPriceDiff},
		},
	}
	if _, err := lp.CreateEntryLines(ctx, lines); err != nil {
		return fmt.Errorf("costing: forward correction to ledger: %w", err)
	}
	return nil
}
