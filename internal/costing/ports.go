package costing

import (
	"context"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// LayerStore is the read/append surface over valuation layers. Original
// layers are immutable once created; the only permitted mutation is
// AddRemainingValue, which must be serialized per layer.
type LayerStore interface {
	// LayersFor returns the candidate layers of a source line, oldest first.
	LayersFor(ctx context.Context, sourceLineID int64, direction Direction) ([]ValuationLayer, error)
	GetLayer(ctx context.Context, id int64) (ValuationLayer, error)
	// AddRemainingValue increments a layer's remaining value. Inside a
	// posting transaction the row is locked so concurrent corrections
	// against the same layer serialize.
	AddRemainingValue(ctx context.Context, layerID int64, delta float64) error
	// InsertAdjustments appends zero-quantity adjustment records.
	InsertAdjustments(ctx context.Context, records []ValuationLayer) ([]ValuationLayer, error)
	AdjustmentsForDocument(ctx context.Context, documentID int64) ([]ValuationLayer, error)
	AdjustmentsForLayer(ctx context.Context, layerID int64) ([]ValuationLayer, error)
	DeleteAdjustmentsForDocument(ctx context.Context, documentID int64) (int, error)
	SetAdjustmentDescription(ctx context.Context, adjustmentID int64, description string) error
	// ProductValuation returns the on-hand quantity and remaining value
	// across the product's layers.
	ProductValuation(ctx context.Context, productID int64) (qty, value float64, err error)
	// CorrectedProducts lists the products of a company that carry at least
	// one adjustment record.
	CorrectedProducts(ctx context.Context, companyID int64) ([]int64, error)
	ProductCost(ctx context.Context, productID int64) (float64, error)
	SetStandardPrice(ctx context.Context, productID, companyID int64, price float64) error
}

// LedgerPort is the slice of the general ledger the engine consumes.
// Implemented by ledger.Service.
type LedgerPort interface {
	CreateEntryLines(ctx context.Context, lines []ledger.EntryLineInput) ([]int64, error)
	RemoveEntryLines(ctx context.Context, documentID int64, tag string) (int, error)
	LinesForDocument(ctx context.Context, documentID int64) ([]ledger.Line, error)
	UnreconciledLines(ctx context.Context, accountID, productID int64) ([]ledger.Line, error)
	Reconcile(ctx context.Context, lines []ledger.Line) (float64, error)
	GetAccount(ctx context.Context, id int64) (ledger.Account, error)
}

// TxRepository is the transaction-scoped store handed to the posting
// closure. The ledger writes share the same transaction so adjustment
// records and their journal items commit or roll back together.
type TxRepository interface {
	LayerStore
	Ledger() LedgerPort
}

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	LayerStore
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// Locker serializes corrections per source line. Acquire returns a release
// function; ErrConcurrencyConflict is returned when the bounded wait
// expires.
type Locker interface {
	AcquireSourceLineLock(ctx context.Context, sourceLineID int64) (func(), error)
}

// AuditPort records audit trail entries.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives correction telemetry. Implementations must tolerate
// being called from concurrent postings.
type MetricsPort interface {
	CorrectionRecorded(direction string, value float64)
	ToleranceViolation()
	ReconcileMismatch()
	LineSkipped(reason string)
}

// SweepEnqueuer schedules a reconciliation sweep for source lines whose
// correction history may have gone stale, e.g. after a bill cancellation.
type SweepEnqueuer interface {
	EnqueueReconcileSweep(ctx context.Context, companyID int64, sourceLineIDs []int64) error
}
