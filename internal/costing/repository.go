package costing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Querier is the pgx surface shared by pool- and tx-scoped stores.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists valuation layers in PostgreSQL.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	store
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{pool: pool, logger: logger, store: store{q: pool}}
}

// WithTx executes the callback inside a repeatable-read transaction. The
// transaction-scoped store and its ledger share the same pgx.Tx, so the
// adjustment records, layer increments and journal items are all-or-nothing.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		wrapper := &txRepo{
			store:  store{q: tx},
			ledger: ledger.NewService(ledger.NewPgxRepository(tx), r.logger),
		}
		return fn(ctx, wrapper)
	})
}

type txRepo struct {
	store
	ledger LedgerPort
}

// Ledger returns the ledger scoped to this transaction.
func (t *txRepo) Ledger() LedgerPort {
	return t.ledger
}

// store implements LayerStore over any Querier.
type store struct {
	q Querier
}

const layerColumns = `
id, company_id, product_id, source_line_id, direction, quantity, unit_cost, value,
remaining_qty, remaining_value, corrected_layer_id, document_id, document_line_id,
price_diff_value, description, created_at`

// LayersFor returns the original (non-adjustment) layers of a source line,
// oldest first.
func (s store) LayersFor(ctx context.Context, sourceLineID int64, direction Direction) ([]ValuationLayer, error) {
	rows, err := s.q.Query(ctx, `SELECT`+layerColumns+`
FROM valuation_layers
WHERE source_line_id = $1 AND direction = $2 AND corrected_layer_id IS NULL
ORDER BY created_at, id`, sourceLineID, string(direction))
	if err != nil {
		return nil, fmt.Errorf("costing: list layers: %w", err)
	}
	defer rows.Close()
	return scanLayers(rows)
}

// GetLayer loads one layer.
func (s store) GetLayer(ctx context.Context, id int64) (ValuationLayer, error) {
	rows, err := s.q.Query(ctx, `SELECT`+layerColumns+` FROM valuation_layers WHERE id = $1`, id)
	if err != nil {
		return ValuationLayer{}, fmt.Errorf("costing: get layer: %w", err)
	}
	defer rows.Close()
	layers, err := scanLayers(rows)
	if err != nil {
		return ValuationLayer{}, err
	}
	if len(layers) == 0 {
		return ValuationLayer{}, ErrLayerNotFound
	}
	return layers[0], nil
}

// AddRemainingValue increments the layer's remaining value. The UPDATE
// takes a row lock, serializing concurrent corrections per layer.
func (s store) AddRemainingValue(ctx context.Context, layerID int64, delta float64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE valuation_layers SET remaining_value = remaining_value + $2 WHERE id = $1`,
		layerID, delta)
	if err != nil {
		return fmt.Errorf("costing: add remaining value: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

// InsertAdjustments appends zero-quantity adjustment records.
func (s store) InsertAdjustments(ctx context.Context, records []ValuationLayer) ([]ValuationLayer, error) {
	out := make([]ValuationLayer, 0, len(records))
	for _, rec := range records {
		row := rec
		err := s.q.QueryRow(ctx, `
INSERT INTO valuation_layers (company_id, product_id, source_line_id, direction, quantity, unit_cost, value,
	remaining_qty, remaining_value, corrected_layer_id, document_id, document_line_id, price_diff_value, description, created_at)
VALUES ($1, $2, $3, $4, 0, 0, $5, 0, 0, $6, $7, $8, $9, $10, now())
RETURNING id, created_at`,
			rec.CompanyID, rec.ProductID, rec.SourceLineID, string(rec.Direction), rec.Value,
			rec.CorrectedLayerID, rec.DocumentID, rec.DocumentLineID, rec.PriceDiffValue, rec.Description,
		).Scan(&row.ID, &row.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("costing: insert adjustment: %w", err)
		}
		out = append(out, row)
	}
	return out, nil
}

// AdjustmentsForDocument lists the adjustment records a document created.
func (s store) AdjustmentsForDocument(ctx context.Context, documentID int64) ([]ValuationLayer, error) {
	rows, err := s.q.Query(ctx, `SELECT`+layerColumns+`
FROM valuation_layers
WHERE document_id = $1 AND corrected_layer_id IS NOT NULL
ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("costing: list document adjustments: %w", err)
	}
	defer rows.Close()
	return scanLayers(rows)
}

// AdjustmentsForLayer lists every adjustment referencing a layer.
func (s store) AdjustmentsForLayer(ctx context.Context, layerID int64) ([]ValuationLayer, error) {
	rows, err := s.q.Query(ctx, `SELECT`+layerColumns+`
FROM valuation_layers WHERE corrected_layer_id = $1 ORDER BY id`, layerID)
	if err != nil {
		return nil, fmt.Errorf("costing: list layer adjustments: %w", err)
	}
	defer rows.Close()
	return scanLayers(rows)
}

// DeleteAdjustmentsForDocument removes a document's adjustment records.
func (s store) DeleteAdjustmentsForDocument(ctx context.Context, documentID int64) (int, error) {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM valuation_layers WHERE document_id = $1 AND corrected_layer_id IS NOT NULL`,
		documentID)
	if err != nil {
		return 0, fmt.Errorf("costing: delete adjustments: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetAdjustmentDescription backfills an adjustment description once the
// document reference is known.
func (s store) SetAdjustmentDescription(ctx context.Context, adjustmentID int64, description string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE valuation_layers SET description = $2 WHERE id = $1 AND corrected_layer_id IS NOT NULL`,
		adjustmentID, description)
	if err != nil {
		return fmt.Errorf("costing: set description: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLayerNotFound
	}
	return nil
}

// ProductValuation sums the on-hand quantity and remaining value over the
// product's layers.
func (s store) ProductValuation(ctx context.Context, productID int64) (float64, float64, error) {
	var qty, value float64
	err := s.q.QueryRow(ctx, `
SELECT COALESCE(SUM(remaining_qty), 0), COALESCE(SUM(remaining_value), 0)
FROM valuation_layers WHERE product_id = $1`, productID).Scan(&qty, &value)
	if err != nil {
		return 0, 0, fmt.Errorf("costing: product valuation: %w", err)
	}
	return qty, value, nil
}

// CorrectedProducts lists the products of a company carrying at least one
// adjustment record.
func (s store) CorrectedProducts(ctx context.Context, companyID int64) ([]int64, error) {
	rows, err := s.q.Query(ctx, `
SELECT DISTINCT product_id FROM valuation_layers
WHERE company_id = $1 AND corrected_layer_id IS NOT NULL
ORDER BY product_id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("costing: corrected products: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("costing: scan product id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ProductCost reads the product's standard price.
func (s store) ProductCost(ctx context.Context, productID int64) (float64, error) {
	var price float64
	err := s.q.QueryRow(ctx,
		`SELECT standard_price FROM products WHERE id = $1`, productID).Scan(&price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("costing: product %d: %w", productID, ErrLayerNotFound)
		}
		return 0, fmt.Errorf("costing: product cost: %w", err)
	}
	return price, nil
}

// SetStandardPrice writes the product's standard price.
func (s store) SetStandardPrice(ctx context.Context, productID, companyID int64, price float64) error {
	_, err := s.q.Exec(ctx,
		`UPDATE products SET standard_price = $3, updated_at = now() WHERE id = $1 AND company_id = $2`,
		productID, companyID, price)
	if err != nil {
		return fmt.Errorf("costing: set standard price: %w", err)
	}
	return nil
}

func scanLayers(rows pgx.Rows) ([]ValuationLayer, error) {
	var out []ValuationLayer
	for rows.Next() {
		var layer ValuationLayer
		var direction string
		if err := rows.Scan(&layer.ID, &layer.CompanyID, &layer.ProductID, &layer.SourceLineID,
			&direction, &layer.Quantity, &layer.UnitCost, &layer.Value,
			&layer.RemainingQty, &layer.RemainingValue, &layer.CorrectedLayerID,
			&layer.DocumentID, &layer.DocumentLineID, &layer.PriceDiffValue,
			&layer.Description, &layer.CreatedAt); err != nil {
			return nil, fmt.Errorf("costing: scan layer: %w", err)
		}
		layer.Direction = Direction(direction)
		out = append(out, layer)
	}
	return out, rows.Err()
}
