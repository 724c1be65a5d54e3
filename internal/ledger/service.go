package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/money"
)

// Repository abstracts journal-item persistence for the service.
type Repository interface {
	CreateLines(ctx context.Context, lines []EntryLineInput) ([]Line, error)
	DeleteLines(ctx context.Context, documentID int64, tag string) (int, error)
	LinesForDocument(ctx context.Context, documentID int64) ([]Line, error)
	UnreconciledLines(ctx context.Context, accountID, productID int64) ([]Line, error)
	MarkReconciled(ctx context.Context, ids []int64, ref string) error
	GetAccount(ctx context.Context, id int64) (Account, error)
}

// Service exposes the ledger operations the costing engine consumes.
type Service struct {
	repo   Repository
	logger *slog.Logger
	// moneyPrecision is used for zero checks when pairing entries.
	moneyPrecision int32
}

// NewService builds Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, moneyPrecision: 2}
}

// WithMoneyPrecision overrides the default 2-decimal pairing precision.
func (s *Service) WithMoneyPrecision(p int32) *Service {
	s.moneyPrecision = p
	return s
}

// CreateEntryLines persists a balanced batch of journal items and returns
// their IDs.
func (s *Service) CreateEntryLines(ctx context.Context, lines []EntryLineInput) ([]int64, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	var balance float64
	for _, line := range lines {
		if line.AccountID == 0 {
			return nil, errors.New("ledger: account required on entry line")
		}
		balance += line.Debit - line.Credit
	}
	if !money.IsZero(balance, s.moneyPrecision) {
		return nil, fmt.Errorf("%w: residual %.6f", ErrUnbalanced, balance)
	}
	created, err := s.repo.CreateLines(ctx, lines)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(created))
	for _, line := range created {
		ids = append(ids, line.ID)
	}
	return ids, nil
}

// RemoveEntryLines deletes the document's journal items carrying the tag.
// Used when a posted document is reverted to draft or cancelled.
func (s *Service) RemoveEntryLines(ctx context.Context, documentID int64, tag string) (int, error) {
	return s.repo.DeleteLines(ctx, documentID, tag)
}

// LinesForDocument returns every journal item of a document.
func (s *Service) LinesForDocument(ctx context.Context, documentID int64) ([]Line, error) {
	return s.repo.LinesForDocument(ctx, documentID)
}

// UnreconciledLines returns open journal items on an account, optionally
// restricted to a product.
func (s *Service) UnreconciledLines(ctx context.Context, accountID, productID int64) ([]Line, error) {
	return s.repo.UnreconciledLines(ctx, accountID, productID)
}

// GetAccount loads one account.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// Reconcile pairs the given open journal items down to zero. Lines that are
// already reconciled must not be passed in; re-running against an empty
// candidate set is a no-op. When the set does not net to zero the matched
// pairs stay reconciled and ErrAlreadyReconciled-free leftovers are reported
// through ErrUnbalanced wrapping.
func (s *Service) Reconcile(ctx context.Context, lines []Line) (float64, error) {
	open := make([]Line, 0, len(lines))
	for _, line := range lines {
		if line.Reconciled {
			continue
		}
		open = append(open, line)
	}
	if len(open) == 0 {
		return 0, nil
	}

	var total float64
	for _, line := range open {
		total += line.Balance()
	}
	ref := uuid.NewString()

	// Whole set nets to zero: close it out in one pass.
	if money.IsZero(total, s.moneyPrecision) {
		ids := lineIDs(open)
		if err := s.repo.MarkReconciled(ctx, ids, ref); err != nil {
			return total, err
		}
		return 0, nil
	}

	// Otherwise pair exact debit/credit amounts and leave the rest open.
	matched := s.pairExactAmounts(open)
	if len(matched) > 0 {
		if err := s.repo.MarkReconciled(ctx, matched, ref); err != nil {
			return total, err
		}
	}
	s.logger.Warn("ledger: reconciliation residual",
		slog.Float64("residual", total),
		slog.Int("open_lines", len(open)-len(matched)))
	return total, nil
}

// pairExactAmounts matches debit lines against credit lines of the same
// magnitude, oldest first, returning the IDs of fully offset lines.
func (s *Service) pairExactAmounts(open []Line) []int64 {
	sort.SliceStable(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })

	type slot struct {
		id   int64
		used bool
	}
	credits := make(map[int64][]*slot) // cents -> credit lines
	for i := range open {
		if bal := open[i].Balance(); bal < 0 {
			key := amountKey(-bal, s.moneyPrecision)
			credits[key] = append(credits[key], &slot{id: open[i].ID})
		}
	}
	var matched []int64
	for i := range open {
		bal := open[i].Balance()
		if bal <= 0 {
			continue
		}
		key := amountKey(bal, s.moneyPrecision)
		for _, c := range credits[key] {
			if c.used {
				continue
			}
			c.used = true
			matched = append(matched, open[i].ID, c.id)
			break
		}
	}
	return matched
}

func amountKey(amount float64, precision int32) int64 {
	scale := float64(1)
	for i := int32(0); i < precision; i++ {
		scale *= 10
	}
	return int64(math.Round(money.Round(amount, precision) * scale))
}

func lineIDs(lines []Line) []int64 {
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		ids = append(ids, line.ID)
	}
	return ids
}
