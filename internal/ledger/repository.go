package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx executed by the repository. Both a pool and a
// transaction satisfy it, so the costing posting transaction can scope the
// ledger writes to itself.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxRepository persists journal items in PostgreSQL.
type PgxRepository struct {
	q Querier
}

// NewPgxRepository constructs PgxRepository over a pool or transaction.
func NewPgxRepository(q Querier) *PgxRepository {
	return &PgxRepository{q: q}
}

const insertLineSQL = `
INSERT INTO journal_items (account_id, product_id, partner_id, document_id, source_module, label, quantity, unit_price, debit, credit, tags, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
RETURNING id, created_at`

// CreateLines inserts the batch and returns the stored lines.
func (r *PgxRepository) CreateLines(ctx context.Context, lines []EntryLineInput) ([]Line, error) {
	out := make([]Line, 0, len(lines))
	for _, in := range lines {
		line := Line{
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
		}
		err := r.q.QueryRow(ctx, insertLineSQL,
			in.AccountID, nullableID(in.ProductID), nullableID(in.PartnerID), in.DocumentID,
			in.SourceModule, in.Label, in.Quantity, in.UnitPrice, in.Debit, in.Credit, in.Tags,
		).Scan(&line.ID, &line.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("ledger: insert journal item: %w", err)
		}
		out = append(out, line)
	}
	return out, nil
}

// DeleteLines removes the document's journal items carrying the tag.
func (r *PgxRepository) DeleteLines(ctx context.Context, documentID int64, tag string) (int, error) {
	tag64, err := r.q.Exec(ctx,
		`DELETE FROM journal_items WHERE document_id = $1 AND $2 = ANY(tags)`,
		documentID, tag)
	if err != nil {
		return 0, fmt.Errorf("ledger: delete journal items: %w", err)
	}
	return int(tag64.RowsAffected()), nil
}

const selectLineSQL = `
SELECT id, account_id, COALESCE(product_id, 0), COALESCE(partner_id, 0), document_id, source_module, label,
       quantity, unit_price, debit, credit, tags, reconciled, COALESCE(reconcile_ref, ''), created_at
FROM journal_items`

// LinesForDocument returns every journal item of a document.
func (r *PgxRepository) LinesForDocument(ctx context.Context, documentID int64) ([]Line, error) {
	rows, err := r.q.Query(ctx, selectLineSQL+` WHERE document_id = $1 ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list document items: %w", err)
	}
	defer rows.Close()
	return scanLines(rows)
}

// UnreconciledLines returns open journal items on an account, optionally
// restricted to one product.
func (r *PgxRepository) UnreconciledLines(ctx context.Context, accountID, productID int64) ([]Line, error) {
	query := selectLineSQL + ` WHERE account_id = $1 AND NOT reconciled`
	args := []any{accountID}
	if productID != 0 {
		query += ` AND product_id = $2`
		args = append(args, productID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list open items: %w", err)
	}
	defer rows.Close()
	return scanLines(rows)
}

// MarkReconciled stamps the lines with a shared reconcile reference.
func (r *PgxRepository) MarkReconciled(ctx context.Context, ids []int64, ref string) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := r.q.Exec(ctx,
		`UPDATE journal_items SET reconciled = TRUE, reconcile_ref = $2 WHERE id = ANY($1) AND NOT reconciled`,
		ids, ref)
	if err != nil {
		return fmt.Errorf("ledger: mark reconciled: %w", err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return ErrAlreadyReconciled
	}
	return nil
}

// GetAccount loads one account.
func (r *PgxRepository) GetAccount(ctx context.Context, id int64) (Account, error) {
	var acc Account
	err := r.q.QueryRow(ctx,
		`SELECT id, code, name, reconcile FROM accounts WHERE id = $1`, id,
	).Scan(&acc.ID, &acc.Code, &acc.Name, &acc.Reconcile)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrLineNotFound
		}
		return Account{}, fmt.Errorf("ledger: get account: %w", err)
	}
	return acc, nil
}

func scanLines(rows pgx.Rows) ([]Line, error) {
	var out []Line
	for rows.Next() {
		var line Line
		if err := rows.Scan(&line.ID, &line.AccountID, &line.ProductID, &line.PartnerID,
			&line.DocumentID, &line.SourceModule, &line.Label, &line.Quantity, &line.UnitPrice,
			&line.Debit, &line.Credit, &line.Tags, &line.Reconciled, &line.ReconcileRef,
			&line.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan journal item: %w", err)
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
