package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskPriceRefresh trues up product standard prices from layer totals.
	// Scheduled nightly so drift from skipped lines never survives a day.
	TaskPriceRefresh = "costing:price_refresh"
)

// PriceRefreshPayload names the products to refresh.
type PriceRefreshPayload struct {
	CompanyID   int64     `json:"company_id"`
	ProductIDs  []int64   `json:"product_ids"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewPriceRefreshTask constructs an Asynq task for a standard price refresh.
func NewPriceRefreshTask(payload PriceRefreshPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPriceRefresh, body, asynq.Queue(QueueDefault)), nil
}

// HandlePriceRefresh refreshes the standard price of every product in the
// payload. An empty product list means the whole company: every product that
// carries an adjustment record gets trued up.
func (s *Sweeper) HandlePriceRefresh(ctx context.Context, t *asynq.Task) error {
	tracker := s.metrics.Track(TaskPriceRefresh)
	var payload PriceRefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	cctx, err := s.contexts(ctx, payload.CompanyID)
	if err != nil {
		return tracker.End(err)
	}
	if len(payload.ProductIDs) == 0 {
		products, err := s.service.RefreshCompanyStandardPrices(ctx, cctx)
		if err != nil {
			return tracker.End(err)
		}
		s.logger.Info("costing: company price refresh",
			slog.Int64("company_id", payload.CompanyID),
			slog.Int("products", len(products)))
		return tracker.End(nil)
	}
	for _, productID := range payload.ProductIDs {
		if err := s.service.RefreshStandardPrice(ctx, cctx, productID); err != nil {
			return tracker.End(err)
		}
	}
	return tracker.End(nil)
}
