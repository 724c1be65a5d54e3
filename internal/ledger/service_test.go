package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	lines    map[int64]*Line
	accounts map[int64]Account
	nextID   int64
	now      time.Time
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		lines:    make(map[int64]*Line),
		accounts: make(map[int64]Account),
		now:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (r *memoryRepo) CreateLines(ctx context.Context, inputs []EntryLineInput) ([]Line, error) {
	out := make([]Line, 0, len(inputs))
	for _, in := range inputs {
		r.nextID++
		r.now = r.now.Add(time.Second)
		line := Line{
			ID:           r.nextID,
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
			CreatedAt:    r.now,
		}
		r.lines[line.ID] = &line
		out = append(out, line)
	}
	return out, nil
}

func (r *memoryRepo) DeleteLines(ctx context.Context, documentID int64, tag string) (int, error) {
	var n int
	for id, line := range r.lines {
		if line.DocumentID == documentID && line.HasTag(tag) {
			delete(r.lines, id)
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) LinesForDocument(ctx context.Context, documentID int64) ([]Line, error) {
	var out []Line
	for _, line := range r.lines {
		if line.DocumentID == documentID {
			out = append(out, *line)
		}
	}
	return out, nil
}

func (r *memoryRepo) UnreconciledLines(ctx context.Context, accountID, productID int64) ([]Line, error) {
	var out []Line
	for _, line := range r.lines {
		if line.Reconciled || line.AccountID != accountID {
			continue
		}
		if productID != 0 && line.ProductID != productID {
			continue
		}
		out = append(out, *line)
	}
	return out, nil
}

func (r *memoryRepo) MarkReconciled(ctx context.Context, ids []int64, ref string) error {
	for _, id := range ids {
		line, ok := r.lines[id]
		if !ok {
			return ErrLineNotFound
		}
		if line.Reconciled {
			return ErrAlreadyReconciled
		}
		line.Reconciled = true
		line.ReconcileRef = ref
	}
	return nil
}

func (r *memoryRepo) GetAccount(ctx context.Context, id int64) (Account, error) {
	acc, ok := r.accounts[id]
	if !ok {
		return Account{}, ErrLineNotFound
	}
	return acc, nil
}

func TestCreateEntryLinesRejectsUnbalanced(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 1, Debit: 40},
		{AccountID: 2, Credit: 30},
	})
	require.ErrorIs(t, err, ErrUnbalanced)

	ids, err := svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 1, Debit: 40},
		{AccountID: 2, Credit: 40},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)
}

func TestReconcileNetZeroSet(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 10, ProductID: 7, DocumentID: 1, Debit: 200},
		{AccountID: 11, ProductID: 7, DocumentID: 1, Credit: 200},
	})
	require.NoError(t, err)
	_, err = svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 10, ProductID: 7, DocumentID: 2, Credit: 150},
		{AccountID: 12, ProductID: 7, DocumentID: 2, Debit: 150},
	})
	require.NoError(t, err)
	_, err = svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 10, ProductID: 7, DocumentID: 3, Credit: 50},
		{AccountID: 12, ProductID: 7, DocumentID: 3, Debit: 50},
	})
	require.NoError(t, err)

	open, err := svc.UnreconciledLines(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, open, 3)

	residual, err := svc.Reconcile(ctx, open)
	require.NoError(t, err)
	require.InDelta(t, 0, residual, 1e-9)

	open, err = svc.UnreconciledLines(ctx, 10, 7)
	require.NoError(t, err)
	require.Empty(t, open)

	// Idempotent: nothing left to pair.
	residual, err = svc.Reconcile(ctx, open)
	require.NoError(t, err)
	require.InDelta(t, 0, residual, 1e-9)
}

func TestReconcilePairsExactAmountsAndReportsResidual(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 10, ProductID: 7, DocumentID: 1, Debit: 120},
		{AccountID: 11, ProductID: 7, DocumentID: 1, Credit: 120},
	})
	require.NoError(t, err)
	_, err = svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 10, ProductID: 7, DocumentID: 2, Credit: 120},
		{AccountID: 10, ProductID: 7, DocumentID: 2, Credit: 30},
		{AccountID: 12, ProductID: 7, DocumentID: 2, Debit: 150},
	})
	require.NoError(t, err)

	open, err := svc.UnreconciledLines(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, open, 3)

	residual, err := svc.Reconcile(ctx, open)
	require.NoError(t, err)
	require.InDelta(t, -30, residual, 1e-9)

	open, err = svc.UnreconciledLines(ctx, 10, 7)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.InDelta(t, -30, open[0].Balance(), 1e-9)
}

func TestRemoveEntryLinesByTag(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	_, err := svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 10, DocumentID: 9, Debit: 40, Tags: []string{TagPriceDiff}},
		{AccountID: 11, DocumentID: 9, Credit: 40, Tags: []string{TagPriceDiff}},
	})
	require.NoError(t, err)
	_, err = svc.CreateEntryLines(ctx, []EntryLineInput{
		{AccountID: 12, DocumentID: 9, Debit: 10},
		{AccountID: 13, DocumentID: 9, Credit: 10},
	})
	require.NoError(t, err)

	n, err := svc.RemoveEntryLines(ctx, 9, TagPriceDiff)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	left, err := svc.LinesForDocument(ctx, 9)
	require.NoError(t, err)
	require.Len(t, left, 2)
}
