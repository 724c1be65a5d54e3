package costing

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

func seedInterimPair(t *testing.T, lp *memLedger, billAmount float64) {
	t.Helper()
	// Receipt-side credit booked by the stock module, bill-side debit booked
	// by the document.
	_, err := lp.CreateEntryLines(context.Background(), []ledger.EntryLineInput{
		{
			AccountID: fixtureAccounts.StockInput, ProductID: 7,
			SourceModule: ledger.SourceModuleStock, Label: "Receipt WH/IN/0007",
			Credit: 200,
		},
		{
			AccountID: fixtureAccounts.StockInput, ProductID: 7, DocumentID: 500,
			SourceModule: "document", Label: "Vendor bill",
			Debit: billAmount,
		},
	})
	require.NoError(t, err)
}

func TestReconcileInterimPairsStockAndDocumentSides(t *testing.T) {
	lp := newMemLedger()
	seedInterimPair(t, lp, 200)
	metrics := &recordingMetrics{}
	r := NewReconciler(lp, fixtureResolver(), slog.Default(), metrics)
	doc := Document{ID: 500, Type: DocTypeVendorBill, Lines: []InvoiceLine{{ID: 900, ProductID: 7}}}

	require.NoError(t, r.ReconcileInterim(context.Background(), testContext(), doc))
	for _, line := range lp.lines {
		require.True(t, line.Reconciled)
	}
	require.Zero(t, metrics.mismatches)

	// Re-running after completion is a no-op.
	require.NoError(t, r.ReconcileInterim(context.Background(), testContext(), doc))
}

func TestReconcileInterimReportsResidual(t *testing.T) {
	lp := newMemLedger()
	seedInterimPair(t, lp, 240)
	metrics := &recordingMetrics{}
	r := NewReconciler(lp, fixtureResolver(), slog.Default(), metrics)
	doc := Document{ID: 500, Type: DocTypeVendorBill, Lines: []InvoiceLine{{ID: 900, ProductID: 7}}}

	err := r.ReconcileInterim(context.Background(), testContext(), doc)
	require.ErrorIs(t, err, ErrReconciliationMismatch)
	require.Equal(t, 1, metrics.mismatches)

	// Never forced to balance: both sides stay open.
	for _, line := range lp.lines {
		require.False(t, line.Reconciled)
	}
}

func TestReconcileInterimSkipsWhenNotAngloSaxon(t *testing.T) {
	lp := newMemLedger()
	seedInterimPair(t, lp, 240)
	r := NewReconciler(lp, fixtureResolver(), slog.Default(), nil)
	doc := Document{ID: 500, Type: DocTypeVendorBill, Lines: []InvoiceLine{{ID: 900, ProductID: 7}}}

	cctx := testContext()
	cctx.AngloSaxon = false
	require.NoError(t, r.ReconcileInterim(context.Background(), cctx, doc))
	for _, line := range lp.lines {
		require.False(t, line.Reconciled)
	}
}
