package costing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/procurement"
)

// memStore is an in-memory LayerStore + RepositoryPort used across the
// package tests.
type memStore struct {
	mu       sync.Mutex
	layers   map[int64]*ValuationLayer
	prices   map[int64]float64
	nextID   int64
	now      time.Time
	ledgerPt LedgerPort
}

func newMemStore(lp LedgerPort) *memStore {
	return &memStore{
		layers:   make(map[int64]*ValuationLayer),
		prices:   make(map[int64]float64),
		now:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		ledgerPt: lp,
	}
}

func (m *memStore) addLayer(layer ValuationLayer) *ValuationLayer {
	m.nextID++
	m.now = m.now.Add(time.Minute)
	layer.ID = m.nextID
	layer.CreatedAt = m.now
	if layer.Direction == "" {
		layer.Direction = DirectionIn
	}
	m.layers[layer.ID] = &layer
	return m.layers[layer.ID]
}

func (m *memStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memTx{store: m})
}

type memTx struct {
	store *memStore
}

func (t *memTx) Ledger() LedgerPort { return t.store.ledgerPt }

func (t *memTx) LayersFor(ctx context.Context, sourceLineID int64, direction Direction) ([]ValuationLayer, error) {
	return t.store.LayersFor(ctx, sourceLineID, direction)
}
func (t *memTx) GetLayer(ctx context.Context, id int64) (ValuationLayer, error) {
	return t.store.GetLayer(ctx, id)
}
func (t *memTx) AddRemainingValue(ctx context.Context, layerID int64, delta float64) error {
	return t.store.AddRemainingValue(ctx, layerID, delta)
}
func (t *memTx) InsertAdjustments(ctx context.Context, records []ValuationLayer) ([]ValuationLayer, error) {
	return t.store.InsertAdjustments(ctx, records)
}
func (t *memTx) AdjustmentsForDocument(ctx context.Context, documentID int64) ([]ValuationLayer, error) {
	return t.store.AdjustmentsForDocument(ctx, documentID)
}
func (t *memTx) AdjustmentsForLayer(ctx context.Context, layerID int64) ([]ValuationLayer, error) {
	return t.store.AdjustmentsForLayer(ctx, layerID)
}
func (t *memTx) DeleteAdjustmentsForDocument(ctx context.Context, documentID int64) (int, error) {
	return t.store.DeleteAdjustmentsForDocument(ctx, documentID)
}
func (t *memTx) SetAdjustmentDescription(ctx context.Context, adjustmentID int64, description string) error {
	return t.store.SetAdjustmentDescription(ctx, adjustmentID, description)
}
func (t *memTx) ProductValuation(ctx context.Context, productID int64) (float64, float64, error) {
	return t.store.ProductValuation(ctx, productID)
}
func (t *memTx) ProductCost(ctx context.Context, productID int64) (float64, error) {
	return t.store.ProductCost(ctx, productID)
}
func (t *memTx) SetStandardPrice(ctx context.Context, productID, companyID int64, price float64) error {
	return t.store.SetStandardPrice(ctx, productID, companyID, price)
}

func (t *memTx) CorrectedProducts(ctx context.Context, companyID int64) ([]int64, error) {
	return t.store.CorrectedProducts(ctx, companyID)
}

func (m *memStore) LayersFor(ctx context.Context, sourceLineID int64, direction Direction) ([]ValuationLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ValuationLayer
	for _, layer := range m.layers {
		if layer.SourceLineID == sourceLineID && layer.Direction == direction && layer.CorrectedLayerID == nil {
			out = append(out, *layer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) GetLayer(ctx context.Context, id int64) (ValuationLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	layer, ok := m.layers[id]
	if !ok {
		return ValuationLayer{}, ErrLayerNotFound
	}
	return *layer, nil
}

func (m *memStore) AddRemainingValue(ctx context.Context, layerID int64, delta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	layer, ok := m.layers[layerID]
	if !ok {
		return ErrLayerNotFound
	}
	layer.RemainingValue += delta
	return nil
}

func (m *memStore) InsertAdjustments(ctx context.Context, records []ValuationLayer) ([]ValuationLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ValuationLayer, 0, len(records))
	for _, rec := range records {
		m.nextID++
		m.now = m.now.Add(time.Second)
		rec.ID = m.nextID
		rec.CreatedAt = m.now
		stored := rec
		m.layers[rec.ID] = &stored
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) AdjustmentsForDocument(ctx context.Context, documentID int64) ([]ValuationLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ValuationLayer
	for _, layer := range m.layers {
		if layer.CorrectedLayerID != nil && layer.DocumentID != nil && *layer.DocumentID == documentID {
			out = append(out, *layer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AdjustmentsForLayer(ctx context.Context, layerID int64) ([]ValuationLayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ValuationLayer
	for _, layer := range m.layers {
		if layer.CorrectedLayerID != nil && *layer.CorrectedLayerID == layerID {
			out = append(out, *layer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteAdjustmentsForDocument(ctx context.Context, documentID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, layer := range m.layers {
		if layer.CorrectedLayerID != nil && layer.DocumentID != nil && *layer.DocumentID == documentID {
			delete(m.layers, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetAdjustmentDescription(ctx context.Context, adjustmentID int64, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	layer, ok := m.layers[adjustmentID]
	if !ok || layer.CorrectedLayerID == nil {
		return ErrLayerNotFound
	}
	layer.Description = description
	return nil
}

func (m *memStore) ProductValuation(ctx context.Context, productID int64) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var qty, value float64
	for _, layer := range m.layers {
		if layer.ProductID == productID {
			qty += layer.RemainingQty
			value += layer.RemainingValue
		}
	}
	return qty, value, nil
}

func (m *memStore) CorrectedProducts(ctx context.Context, companyID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	for _, layer := range m.layers {
		if layer.CompanyID == companyID && layer.CorrectedLayerID != nil {
			seen[layer.ProductID] = true
		}
	}
	out := make([]int64, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) ProductCost(ctx context.Context, productID int64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prices[productID], nil
}

func (m *memStore) SetStandardPrice(ctx context.Context, productID, companyID int64, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[productID] = price
	return nil
}

// memLedger is a LedgerPort double backed by a slice of lines.
type memLedger struct {
	lines  map[int64]*ledger.Line
	nextID int64
	now    time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{
		lines: make(map[int64]*ledger.Line),
		now:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (m *memLedger) CreateEntryLines(ctx context.Context, inputs []ledger.EntryLineInput) ([]int64, error) {
	ids := make([]int64, 0, len(inputs))
	for _, in := range inputs {
		m.nextID++
		m.now = m.now.Add(time.Second)
		line := ledger.Line{
			ID:           m.nextID,
			AccountID:    in.AccountID,
			ProductID:    in.ProductID,
			PartnerID:    in.PartnerID,
			DocumentID:   in.DocumentID,
			SourceModule: in.SourceModule,
			Label:        in.Label,
			Quantity:     in.Quantity,
			UnitPrice:    in.UnitPrice,
			Debit:        in.Debit,
			Credit:       in.Credit,
			Tags:         in.Tags,
			CreatedAt:    m.now,
		}
		m.lines[line.ID] = &line
		ids = append(ids, line.ID)
	}
	return ids, nil
}

func (m *memLedger) RemoveEntryLines(ctx context.Context, documentID int64, tag string) (int, error) {
	var n int
	for id, line := range m.lines {
		if line.DocumentID == documentID && line.HasTag(tag) {
			delete(m.lines, id)
			n++
		}
	}
	return n, nil
}

func (m *memLedger) LinesForDocument(ctx context.Context, documentID int64) ([]ledger.Line, error) {
	var out []ledger.Line
	for _, line := range m.lines {
		if line.DocumentID == documentID {
			out = append(out, *line)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memLedger) UnreconciledLines(ctx context.Context, accountID, productID int64) ([]ledger.Line, error) {
	var out []ledger.Line
	for _, line := range m.lines {
		if line.Reconciled || line.AccountID != accountID {
			continue
		}
		if productID != 0 && line.ProductID != productID {
			continue
		}
		out = append(out, *line)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memLedger) Reconcile(ctx context.Context, lines []ledger.Line) (float64, error) {
	var total float64
	var ids []int64
	for _, line := range lines {
		if line.Reconciled {
			continue
		}
		total += line.Balance()
		ids = append(ids, line.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if total > -0.005 && total < 0.005 {
		for _, id := range ids {
			m.lines[id].Reconciled = true
		}
		return 0, nil
	}
	return total, nil
}

func (m *memLedger) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	// Interim accounts are reconcilable in the fixtures.
	return ledger.Account{ID: id, Code: "INTERIM", Reconcile: true}, nil
}

// memSource is a SourceLineReader fixture. Posted invoice lines are
// registered explicitly so InvoicedQtyExcluding reflects prior bills.
type memSource struct {
	lines  map[int64]procurement.SourceLine
	posted []postedLine
}

type postedLine struct {
	sourceLineID int64
	lineID       int64
	qty          float64
}

func newMemSource() *memSource {
	return &memSource{lines: make(map[int64]procurement.SourceLine)}
}

func (m *memSource) addSourceLine(line procurement.SourceLine) {
	m.lines[line.ID] = line
}

func (m *memSource) registerPosted(sourceLineID, lineID int64, qty float64) {
	m.posted = append(m.posted, postedLine{sourceLineID: sourceLineID, lineID: lineID, qty: qty})
}

func (m *memSource) GetSourceLine(ctx context.Context, id int64) (procurement.SourceLine, error) {
	line, ok := m.lines[id]
	if !ok {
		return procurement.SourceLine{}, procurement.ErrSourceLineNotFound
	}
	return line, nil
}

func (m *memSource) ReceivedQty(ctx context.Context, sourceLineID int64) (float64, error) {
	line, ok := m.lines[sourceLineID]
	if !ok {
		return 0, procurement.ErrSourceLineNotFound
	}
	return line.ReceivedQty, nil
}

func (m *memSource) InvoicedQtyExcluding(ctx context.Context, sourceLineID, invoiceLineID int64) (float64, error) {
	var qty float64
	for _, p := range m.posted {
		if p.sourceLineID == sourceLineID && p.lineID != invoiceLineID {
			qty += p.qty
		}
	}
	return qty, nil
}

// fixtureAccounts resolves the same account set for every product.
var fixtureAccounts = procurement.Accounts{
	StockInput:  101,
	StockOutput: 102,
	Expense:     103,
	Valuation:   104,
}

func fixtureResolver() procurement.AccountResolver {
	return procurement.AccountResolverFunc(func(ctx context.Context, productID int64, fiscalPosition string) (procurement.Accounts, error) {
		return fixtureAccounts, nil
	})
}

func testContext() Context {
	return Context{
		CompanyID:      1,
		Currency:       "EUR",
		MoneyPrecision: 2,
		QtyPrecision:   3,
		AngloSaxon:     true,
	}
}
